package ops

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures the private diagnostics server.
type DiagnosticsConfig struct {
	Address string `long:"address" env:"ADDRESS" default:"127.0.0.1:6060" description:"Private diagnostics address serving /metrics and /debug/pprof"`
}

// ServeDiagnostics serves Prometheus metrics and pprof handlers on the
// configured private address until |ctx| is cancelled. It blocks.
func ServeDiagnostics(ctx context.Context, cfg DiagnosticsConfig) error {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	var srv = &http.Server{Addr: cfg.Address, Handler: mux}

	go func() {
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("address", cfg.Address).Info("serving diagnostics")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
