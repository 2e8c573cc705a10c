package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/windlass/tradegate/bus"
	"github.com/windlass/tradegate/gateway"
	"github.com/windlass/tradegate/hub"
	"github.com/windlass/tradegate/ops"
	"github.com/windlass/tradegate/store"
)

const iniFilename = "tradegate.ini"

// Config is the top-level configuration object of the API facade.
var Config = new(struct {
	API struct {
		Address        string        `long:"address" env:"ADDRESS" default:":8000" description:"Public listen address"`
		AuthKey        string        `long:"auth-key" env:"AUTH_KEY" required:"true" description:"Shared secret expected in X-Auth-Key"`
		MaxConnections int           `long:"max-connections" env:"MAX_CONNECTIONS" default:"1024" description:"Concurrent connection cap on the public listener"`
		AwaitTimeout   time.Duration `long:"await-timeout" env:"AWAIT_TIMEOUT" default:"30s" description:"How long handlers wait on the worker's reply"`
	} `group:"API" namespace:"api" env-namespace:"API"`

	Redis struct {
		URL      string `long:"url" env:"URL" default:"redis://localhost:6379/0" description:"Redis URL backing the bus"`
		MaxDepth int64  `long:"max-depth" env:"MAX_DEPTH" default:"1024" description:"Reject new commands when the queue holds this many"`
	} `group:"Redis" namespace:"redis" env-namespace:"REDIS"`

	Store struct {
		Path string `long:"path" env:"PATH" default:"tradegate.db" description:"SQLite database path for order history reads"`
	} `group:"Store" namespace:"store" env-namespace:"STORE"`

	Hub struct {
		IdleInterval time.Duration `long:"idle-interval" env:"IDLE_INTERVAL" default:"60s" description:"Close websocket clients silent for this long"`
		SendBuffer   int           `long:"send-buffer" env:"SEND_BUFFER" default:"64" description:"Per-client outbound frame buffer"`
	} `group:"Hub" namespace:"hub" env-namespace:"HUB"`

	Verify struct {
		Disabled    bool          `long:"disabled" env:"DISABLED" description:"Skip background order fill verification"`
		Delay       time.Duration `long:"delay" env:"DELAY" default:"2s" description:"Wait before the first recheck"`
		Interval    time.Duration `long:"interval" env:"INTERVAL" default:"5s" description:"Wait between rechecks"`
		MaxAttempts int           `long:"max-attempts" env:"MAX_ATTEMPTS" default:"120" description:"Recheck attempts per order"`
	} `group:"Verify" namespace:"verify" env-namespace:"VERIFY"`

	Log         ops.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics ops.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	ops.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   ops.Version,
		"buildDate": ops.BuildDate,
	}).Info("tradegate-api configuration")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	rdb, err := bus.Dial(ctx, Config.Redis.URL)
	ops.Must(err, "dialing redis")
	var b = bus.New(rdb, bus.Config{MaxDepth: Config.Redis.MaxDepth})

	st, err := store.Open(ctx, Config.Store.Path)
	ops.Must(err, "opening history store", "path", Config.Store.Path)

	var quoteHub = hub.New(ctx, b, hub.Config{
		IdleInterval: Config.Hub.IdleInterval,
		SendBuffer:   Config.Hub.SendBuffer,
	})
	var server = gateway.NewServer(ctx, b, st, gateway.Config{
		AuthKey:      Config.API.AuthKey,
		AwaitTimeout: Config.API.AwaitTimeout,
		Verify: gateway.VerifyConfig{
			Disabled:    Config.Verify.Disabled,
			Delay:       Config.Verify.Delay,
			Interval:    Config.Verify.Interval,
			MaxAttempts: Config.Verify.MaxAttempts,
		},
	})

	listener, err := net.Listen("tcp", Config.API.Address)
	ops.Must(err, "binding public listener", "address", Config.API.Address)
	listener = netutil.LimitListener(listener, Config.API.MaxConnections)

	var srv = &http.Server{Handler: server.Router(quoteHub.ServeWS)}
	var group, groupCtx = errgroup.WithContext(ctx)

	group.Go(func() error { return quoteHub.Run(groupCtx) })
	group.Go(func() error {
		if err := srv.Serve(listener); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		var shutdownCtx, done = context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})
	group.Go(func() error { return ops.ServeDiagnostics(groupCtx, Config.Diagnostics) })
	group.Go(func() error {
		var signalCh = make(chan os.Signal, 1)
		signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			cancel()
		case <-groupCtx.Done():
		}
		return nil
	})

	log.WithField("address", Config.API.Address).Info("starting tradegate-api")
	ops.Must(group.Wait(), "api task failed")

	ops.Must(st.Close(), "closing history store")
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as API facade", `
Serve the HTTP facade and streaming quote hub with the provided
configuration, until signaled to exit (via SIGTERM).
`, &cmdServe{})

	ops.MustParseConfig(parser, iniFilename)
}
