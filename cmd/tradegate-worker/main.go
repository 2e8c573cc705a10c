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
	"github.com/windlass/tradegate/store"
	"github.com/windlass/tradegate/upstream"
	"github.com/windlass/tradegate/upstream/paper"
	"github.com/windlass/tradegate/worker"
)

const iniFilename = "tradegate.ini"

// Config is the top-level configuration object of the trading worker.
var Config = new(struct {
	Worker struct {
		Simulation      bool          `long:"simulation" env:"SIMULATION" description:"Trade in simulation mode"`
		BlockInterval   time.Duration `long:"block-interval" env:"BLOCK_INTERVAL" default:"2s" description:"Request queue read timeout"`
		ReplyTTL        time.Duration `long:"reply-ttl" env:"REPLY_TTL" default:"60s" description:"Reply key lifetime"`
		BackoffInitial  time.Duration `long:"backoff-initial" env:"BACKOFF_INITIAL" default:"1s" description:"Initial session login retry delay"`
		BackoffMax      time.Duration `long:"backoff-max" env:"BACKOFF_MAX" default:"30s" description:"Maximum session login retry delay"`
		BackoffAttempts int           `long:"backoff-attempts" env:"BACKOFF_ATTEMPTS" default:"5" description:"Login attempts before the session degrades"`
	} `group:"Worker" namespace:"worker" env-namespace:"WORKER"`

	Redis struct {
		URL string `long:"url" env:"URL" default:"redis://localhost:6379/0" description:"Redis URL backing the bus"`
	} `group:"Redis" namespace:"redis" env-namespace:"REDIS"`

	Store struct {
		Path         string `long:"path" env:"PATH" default:"tradegate.db" description:"SQLite database path for order and quote history"`
		RecordQuotes bool   `long:"record-quotes" env:"RECORD_QUOTES" description:"Batch published quotes into quote_history"`
	} `group:"Store" namespace:"store" env-namespace:"STORE"`

	Upstream struct {
		Driver  string  `long:"driver" env:"DRIVER" default:"paper" choice:"paper" description:"Upstream brokerage driver"`
		Balance float64 `long:"balance" env:"BALANCE" default:"1000000" description:"Paper driver starting balance"`
	} `group:"Upstream" namespace:"upstream" env-namespace:"UPSTREAM"`

	Log         ops.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics ops.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

// demoCatalog is the paper driver's contract universe: the TMF and MXF
// futures families with near- and next-month pseudo-symbols.
func demoCatalog() *upstream.Catalog {
	return upstream.NewCatalog([]*upstream.Contract{
		{Symbol: "TMF202606", Code: "TMFF6", Name: "Micro TAIEX Futures 2026/06", Category: "TMF", DeliveryMonth: "202606", Reference: 23100},
		{Symbol: "TMF202607", Code: "TMFG6", Name: "Micro TAIEX Futures 2026/07", Category: "TMF", DeliveryMonth: "202607", Reference: 23150},
		{Symbol: "TMFR1", Code: "", Name: "Micro TAIEX Futures near-month", Category: "TMF"},
		{Symbol: "TMFR2", Code: "", Name: "Micro TAIEX Futures next-month", Category: "TMF"},
		{Symbol: "MXF202606", Code: "MXFF6", Name: "Mini TAIEX Futures 2026/06", Category: "MXF", DeliveryMonth: "202606", Reference: 23100},
		{Symbol: "MXF202607", Code: "MXFG6", Name: "Mini TAIEX Futures 2026/07", Category: "MXF", DeliveryMonth: "202607", Reference: 23150},
		{Symbol: "MXFR1", Code: "", Name: "Mini TAIEX Futures near-month", Category: "MXF"},
		{Symbol: "MXFR2", Code: "", Name: "Mini TAIEX Futures next-month", Category: "MXF"},
	})
}

// sessionFactory builds upstream sessions for the configured driver.
// go-flags' choice tag has already rejected unknown drivers.
func sessionFactory() worker.Factory {
	var catalog = demoCatalog()
	return func(simulation bool) (upstream.Session, error) {
		return paper.New(catalog, paper.Config{
			InitialBalance: Config.Upstream.Balance,
			Marks: map[string]float64{
				"TMFF6": 23100, "TMFG6": 23150,
				"MXFF6": 23100, "MXFG6": 23150,
			},
		}), nil
	}
}

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	ops.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   ops.Version,
		"buildDate": ops.BuildDate,
	}).Info("tradegate-worker configuration")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	rdb, err := bus.Dial(ctx, Config.Redis.URL)
	ops.Must(err, "dialing redis")
	var b = bus.New(rdb, bus.Config{ReplyTTL: Config.Worker.ReplyTTL})

	st, err := store.Open(ctx, Config.Store.Path)
	ops.Must(err, "opening history store", "path", Config.Store.Path)

	var recorder = store.NewRecorder(st, store.RecorderConfig{
		Enabled: Config.Store.RecordQuotes,
	})
	recorder.Start(ctx)

	w, err := worker.New(ctx, b, st, sessionFactory(), func(q bus.Quote) { recorder.Record(q) }, worker.Config{
		Simulation:    Config.Worker.Simulation,
		BlockInterval: Config.Worker.BlockInterval,
		Backoff: worker.BackoffConfig{
			Initial:  Config.Worker.BackoffInitial,
			Max:      Config.Worker.BackoffMax,
			Attempts: Config.Worker.BackoffAttempts,
		},
	})
	ops.Must(err, "building worker")

	var group, groupCtx = errgroup.WithContext(ctx)

	group.Go(func() error { return w.Serve(groupCtx) })
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

	log.Info("starting tradegate-worker")
	ops.Must(group.Wait(), "worker task failed")

	recorder.Stop()
	ops.Must(st.Close(), "closing history store")
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as trading worker", `
Serve the single-session trading worker with the provided configuration,
until signaled to exit (via SIGTERM).
`, &cmdServe{})

	ops.MustParseConfig(parser, iniFilename)
}
