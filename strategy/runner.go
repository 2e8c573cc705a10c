package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/windlass/tradegate/bus"
)

// Config parameterizes a Runner.
type Config struct {
	// Symbol is the traded alias, typically a near-month pseudo-symbol.
	Symbol string
	// Quantity is the lots entered per signal.
	Quantity int
	// KLineMinutes is the bar interval fed to the engine.
	KLineMinutes int
	// FastPeriod and SlowPeriod are the SMA cross periods.
	FastPeriod int
	SlowPeriod int
	// Risk bounds stops and daily limits.
	Risk RiskConfig
	// Simulation selects the trading mode of submitted orders.
	Simulation bool
	// CommandTimeout bounds each bus round-trip.
	CommandTimeout time.Duration
	// PersistInterval is the state persistence cadence.
	PersistInterval time.Duration
	// SyncInterval is the broker position reconciliation cadence.
	SyncInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Symbol == "" {
		c.Symbol = "MXFR1"
	}
	if c.Quantity <= 0 {
		c.Quantity = 2
	}
	if c.KLineMinutes <= 0 {
		c.KLineMinutes = 3
	}
	if c.FastPeriod <= 0 {
		c.FastPeriod = 5
	}
	if c.SlowPeriod <= 0 {
		c.SlowPeriod = 20
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = 10 * time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Minute
	}
	return c
}

// Runner wires the strategy together: quotes stream in from the bus, klines
// feed the engine, and resulting orders travel through the same request
// queue the HTTP facade uses. All state mutations happen on the Run loop's
// goroutine.
type Runner struct {
	cfg       Config
	bus       *bus.Bus
	states    *StateStore
	builder   *KLineBuilder
	engine    *Engine
	risk      *RiskManager
	positions *PositionTracker

	// ctx is the Run loop's context, shared with bar-completion callbacks.
	ctx context.Context

	// pendingReverse carries a reversal entry across the exit that
	// precedes it. Stop-loss exits never reverse.
	pendingReverse Direction
	lastResetDate  string
}

// NewRunner builds a Runner trading through |b|, persisting state via
// |states| (which may be nil to disable persistence).
func NewRunner(b *bus.Bus, states *StateStore, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	var r = &Runner{
		cfg:       cfg,
		bus:       b,
		states:    states,
		engine:    NewEngine(cfg.FastPeriod, cfg.SlowPeriod),
		risk:      NewRiskManager(cfg.Risk),
		positions: NewPositionTracker(cfg.Symbol, cfg.Quantity, cfg.SyncInterval),
	}
	r.builder = NewKLineBuilder(cfg.KLineMinutes, cfg.SlowPeriod*3, r.onKLine)
	return r
}

func (r *Runner) log() *log.Entry {
	return log.WithFields(log.Fields{
		"symbol":     r.cfg.Symbol,
		"simulation": r.cfg.Simulation,
	})
}

// Run restores persisted state, subscribes to the symbol's quotes, and
// serves the strategy loop until |ctx| is cancelled. The final state is
// persisted on the way out.
func (r *Runner) Run(ctx context.Context) error {
	r.ctx = ctx
	r.restore(ctx)

	// Ask the worker to place the upstream subscription. A failure here is
	// not fatal: a facade client may already hold the subscription, and the
	// bus stream below delivers regardless of who placed it.
	if _, err := r.command(ctx, bus.SubscribeQuote, &bus.SymbolRef{Symbol: r.cfg.Symbol}); err != nil {
		r.log().WithField("err", err).Warn("quote subscription command failed")
	}

	var stream, err = r.bus.SubscribeQuotes(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("subscribing to quote channel: %w", err)
	}
	defer stream.Close()

	var persistTicker = time.NewTicker(r.cfg.PersistInterval)
	defer persistTicker.Stop()
	var syncTicker = time.NewTicker(time.Second)
	defer syncTicker.Stop()

	r.log().WithFields(log.Fields{
		"fast": r.cfg.FastPeriod,
		"slow": r.cfg.SlowPeriod,
		"bar":  r.cfg.KLineMinutes,
		"lots": r.cfg.Quantity,
	}).Info("strategy running")

	for {
		select {
		case <-ctx.Done():
			r.persist(context.Background())
			return nil
		case evt, ok := <-stream.Events():
			if !ok {
				if ctx.Err() != nil {
					r.persist(context.Background())
					return nil
				}
				return fmt.Errorf("quote stream closed")
			}
			r.onQuote(ctx, evt.Payload)
		case <-persistTicker.C:
			r.persist(ctx)
		case <-syncTicker.C:
			if r.positions.ShouldSync(time.Now()) {
				r.syncPositions(ctx)
			}
		}
	}
}

// onQuote folds one published quote into the strategy: stop checks run on
// every tick, while signal evaluation waits for a completed bar.
func (r *Runner) onQuote(ctx context.Context, payload []byte) {
	var q bus.Quote
	if err := json.Unmarshal(payload, &q); err != nil {
		r.log().WithField("err", err).Warn("dropping undecodable quote")
		return
	}
	if q.Type != bus.QuoteTick || q.Close <= 0 {
		return
	}
	var at = time.UnixMilli(q.Timestamp)

	r.checkDailyReset(at)
	if !InTradingSession(at) {
		return
	}

	r.builder.OnTick(q.Close, q.Volume, at)

	if !r.positions.IsFlat() {
		r.positions.MarkPrice(q.Close)

		if reason, tripped := r.risk.CheckStop(q.Close); tripped {
			r.log().WithFields(log.Fields{
				"reason": reason,
				"price":  q.Close,
			}).Warn("stop tripped")
			r.pendingReverse = Flat
			r.placeExit(ctx, q.Close)
		}
	}
}

// onKLine evaluates the engine against the completed bar history.
func (r *Runner) onKLine(k KLine) {
	klinesCompletedCounter.Inc()

	var signal = r.engine.Evaluate(r.builder.ClosePrices(), r.positions.Direction())
	signalsCounter.WithLabelValues(string(signal.Action)).Inc()

	if signal.Action == ActionNone {
		return
	}
	r.log().WithFields(log.Fields{
		"action": signal.Action,
		"reason": signal.Reason,
		"maFast": signal.MAFast,
		"maSlow": signal.MASlow,
	}).Info("strategy signal")

	var ctx = r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	switch signal.Action {
	case ActionBuy:
		r.placeEntry(ctx, Long, k.Close)
	case ActionSell:
		r.placeEntry(ctx, Short, k.Close)
	case ActionClose:
		r.pendingReverse = signal.Reverse
		r.placeExit(ctx, k.Close)
	}
}

func (r *Runner) placeEntry(ctx context.Context, direction Direction, price float64) {
	if ok, reason := r.risk.CanTrade(); !ok {
		haltedGauge.Set(1)
		r.log().WithField("reason", reason).Warn("entry refused by risk manager")
		return
	}

	var action = bus.LongEntry
	if direction == Short {
		action = bus.ShortEntry
	}
	var resp, err = r.command(ctx, bus.PlaceOrder, &bus.OrderCommand{
		Action:    action,
		Symbol:    r.cfg.Symbol,
		Quantity:  r.cfg.Quantity,
		PriceType: bus.Market,
	})
	if err != nil {
		ordersCounter.WithLabelValues(string(action), "error").Inc()
		r.log().WithField("err", err).Error("entry order failed")
		return
	}
	ordersCounter.WithLabelValues(string(action), string(resp.Status)).Inc()

	if resp.Status != bus.StatusOK {
		r.log().WithFields(log.Fields{
			"status":  resp.Status,
			"message": resp.Message,
		}).Error("entry order refused")
		return
	}
	r.positions.Open(direction, price)
	r.risk.OnEntry(price, direction)
}

func (r *Runner) placeExit(ctx context.Context, price float64) {
	var direction = r.positions.Direction()
	if direction == Flat {
		return
	}
	var action = bus.LongExit
	if direction == Short {
		action = bus.ShortExit
	}

	var resp, err = r.command(ctx, bus.PlaceOrder, &bus.OrderCommand{
		Action:    action,
		Symbol:    r.cfg.Symbol,
		Quantity:  r.cfg.Quantity,
		PriceType: bus.Market,
	})
	if err != nil {
		ordersCounter.WithLabelValues(string(action), "error").Inc()
		r.log().WithField("err", err).Error("exit order failed")
		r.pendingReverse = Flat
		return
	}
	ordersCounter.WithLabelValues(string(action), string(resp.Status)).Inc()

	// no_action means the broker holds nothing to exit; the local position
	// was stale either way, so both outcomes flatten it.
	if resp.Status == bus.StatusFailed {
		r.log().WithField("message", resp.Message).Error("exit order refused")
		r.pendingReverse = Flat
		return
	}

	var points = r.positions.Close(price)
	r.risk.OnExit(price)
	r.log().WithField("points", points).Info("position exited")

	if reverse := r.pendingReverse; reverse == Long || reverse == Short {
		r.pendingReverse = Flat
		r.log().WithField("direction", reverse).Info("reversing")
		r.placeEntry(ctx, reverse, price)
	}
}

// syncPositions reconciles the local position against the broker's view.
func (r *Runner) syncPositions(ctx context.Context) {
	var resp, err = r.command(ctx, bus.ListPositions, nil)
	if err != nil || resp.Status != bus.StatusOK {
		r.log().WithField("err", err).Debug("position sync skipped")
		return
	}
	var result bus.PositionsResult
	if err = resp.DecodeData(&result); err != nil {
		r.log().WithField("err", err).Warn("position sync undecodable")
		return
	}
	if r.positions.Sync(result.Positions, time.Now()) {
		r.log().Warn("position corrected from broker")
	}
}

func (r *Runner) checkDailyReset(at time.Time) {
	var today = at.Format("2006-01-02")
	if r.lastResetDate == "" {
		r.lastResetDate = today
		return
	}
	if today != r.lastResetDate {
		r.log().WithField("date", today).Info("new trading day")
		r.risk.ResetDaily()
		haltedGauge.Set(0)
		r.lastResetDate = today
	}
}

func (r *Runner) persist(ctx context.Context) {
	if r.states == nil {
		return
	}
	var state = &State{
		Risk:           r.risk.State(),
		Position:       r.positions.State(),
		PendingReverse: r.pendingReverse,
		LastResetDate:  r.lastResetDate,
	}
	if err := r.states.Save(ctx, state); err != nil {
		r.log().WithField("err", err).Warn("state persistence failed")
	}
}

func (r *Runner) restore(ctx context.Context) {
	if r.states == nil {
		return
	}
	var state, err = r.states.Load(ctx)
	if err != nil {
		r.log().WithField("err", err).Warn("state restore failed")
		return
	} else if state == nil {
		r.log().Info("no persisted state; starting fresh")
		return
	}
	r.risk.Restore(state.Risk)
	r.positions.Restore(state.Position)
	r.pendingReverse = state.PendingReverse
	r.lastResetDate = state.LastResetDate
	r.log().Info("state restored")
}

// command submits one request and awaits its correlated reply.
func (r *Runner) command(ctx context.Context, cmd bus.Command, payload interface{}) (*bus.Response, error) {
	var req, err = bus.NewRequest(cmd, payload, r.cfg.Simulation)
	if err != nil {
		return nil, err
	}
	requestID, err := r.bus.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submitting %s: %w", cmd, err)
	}
	resp, err := r.bus.AwaitResponse(ctx, requestID, r.cfg.CommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("awaiting %s reply: %w", cmd, err)
	}
	return resp, nil
}
