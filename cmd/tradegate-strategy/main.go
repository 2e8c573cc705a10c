package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/windlass/tradegate/bus"
	"github.com/windlass/tradegate/ops"
	"github.com/windlass/tradegate/strategy"
)

const iniFilename = "tradegate.ini"

// Config is the top-level configuration object of the strategy runner.
var Config = new(struct {
	Strategy struct {
		Symbol          string        `long:"symbol" env:"SYMBOL" default:"MXFR1" description:"Traded alias, typically a near-month pseudo-symbol"`
		Quantity        int           `long:"quantity" env:"QUANTITY" default:"2" description:"Lots per entry"`
		KLineMinutes    int           `long:"kline-minutes" env:"KLINE_MINUTES" default:"3" description:"Bar interval in minutes"`
		FastPeriod      int           `long:"ma-fast" env:"MA_FAST" default:"5" description:"Fast SMA period"`
		SlowPeriod      int           `long:"ma-slow" env:"MA_SLOW" default:"20" description:"Slow SMA period"`
		StopLoss        float64       `long:"stop-loss" env:"STOP_LOSS" default:"50" description:"Fixed stop distance in points"`
		TrailingStop    float64       `long:"trailing-stop" env:"TRAILING_STOP" default:"30" description:"Trailing stop distance in points"`
		DailyMaxLoss    float64       `long:"daily-max-loss" env:"DAILY_MAX_LOSS" default:"200" description:"Halt after this many points lost in a day"`
		DailyMaxTrades  int           `long:"daily-max-trades" env:"DAILY_MAX_TRADES" default:"10" description:"Halt after this many entries in a day"`
		Simulation      bool          `long:"simulation" env:"SIMULATION" description:"Trade in simulation mode"`
		PersistInterval time.Duration `long:"persist-interval" env:"PERSIST_INTERVAL" default:"10s" description:"State persistence cadence"`
		SyncInterval    time.Duration `long:"sync-interval" env:"SYNC_INTERVAL" default:"60s" description:"Broker position reconciliation cadence"`
	} `group:"Strategy" namespace:"strategy" env-namespace:"STRATEGY"`

	Redis struct {
		URL string `long:"url" env:"URL" default:"redis://localhost:6379/0" description:"Redis URL backing the bus and state persistence"`
	} `group:"Redis" namespace:"redis" env-namespace:"REDIS"`

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
	}).Info("tradegate-strategy configuration")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	rdb, err := bus.Dial(ctx, Config.Redis.URL)
	ops.Must(err, "dialing redis")
	var b = bus.New(rdb, bus.Config{})

	var runner = strategy.NewRunner(b,
		strategy.NewStateStore(rdb, Config.Strategy.Symbol),
		strategy.Config{
			Symbol:       Config.Strategy.Symbol,
			Quantity:     Config.Strategy.Quantity,
			KLineMinutes: Config.Strategy.KLineMinutes,
			FastPeriod:   Config.Strategy.FastPeriod,
			SlowPeriod:   Config.Strategy.SlowPeriod,
			Risk: strategy.RiskConfig{
				StopLossPoints:     Config.Strategy.StopLoss,
				TrailingStopPoints: Config.Strategy.TrailingStop,
				DailyMaxLossPoints: Config.Strategy.DailyMaxLoss,
				DailyMaxTrades:     Config.Strategy.DailyMaxTrades,
			},
			Simulation:      Config.Strategy.Simulation,
			PersistInterval: Config.Strategy.PersistInterval,
			SyncInterval:    Config.Strategy.SyncInterval,
		})

	var group, groupCtx = errgroup.WithContext(ctx)

	group.Go(func() error { return runner.Run(groupCtx) })
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

	log.WithField("symbol", Config.Strategy.Symbol).Info("starting tradegate-strategy")
	ops.Must(group.Wait(), "strategy task failed")
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as strategy runner", `
Serve the moving-average cross strategy runner with the provided
configuration, until signaled to exit (via SIGTERM).
`, &cmdServe{})

	ops.MustParseConfig(parser, iniFilename)
}
