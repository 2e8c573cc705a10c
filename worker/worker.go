// Package worker consumes trading commands from the bus, executes them
// against a managed upstream session, and publishes normalized quotes.
// Dispatch is serial: requests are consumed one at a time and answered with
// exactly one reply each.
package worker

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"github.com/windlass/tradegate/bus"
	"github.com/windlass/tradegate/store"
	"github.com/windlass/tradegate/upstream"
)

// contractCacheSize bounds the alias -> contract LRU.
const contractCacheSize = 128

// Config parameterizes a Worker.
type Config struct {
	// Simulation selects the worker's own trading mode, used at startup and
	// for the quote plane. Commands carry their own mode flag.
	Simulation bool
	// Backoff bounds session login retries.
	Backoff BackoffConfig
	// BlockInterval is the queue read timeout, default 2s.
	BlockInterval time.Duration
}

// Worker is the trading command processor.
type Worker struct {
	cfg       Config
	bus       *bus.Bus
	store     *store.Store
	sessions  *SessionManager
	quotes    *QuoteManager
	contracts *lru.Cache[string, *upstream.Contract]
}

// New builds a Worker. Session healing and quote publishing are bounded
// by |ctx|. A non-nil |recorder| observes every published quote.
func New(ctx context.Context, b *bus.Bus, st *store.Store, factory Factory, recorder func(bus.Quote), cfg Config) (*Worker, error) {
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 2 * time.Second
	}
	var contracts, err = lru.New[string, *upstream.Contract](contractCacheSize)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:       cfg,
		bus:       b,
		store:     st,
		sessions:  NewSessionManager(ctx, factory, cfg.Backoff),
		quotes:    NewQuoteManager(b, recorder),
		contracts: contracts,
	}, nil
}

// Sessions exposes the session manager, for diagnostics.
func (w *Worker) Sessions() *SessionManager { return w.sessions }

// Quotes exposes the quote manager, for diagnostics.
func (w *Worker) Quotes() *QuoteManager { return w.quotes }

// Serve establishes the worker's own session, binds quote callbacks, and
// consumes requests until |ctx| is cancelled. A failed startup login leaves
// the session degraded but the loop serving: commands are rejected as
// retryable while background healing proceeds.
func (w *Worker) Serve(ctx context.Context) error {
	var sess, err = w.sessions.Session(ctx, w.cfg.Simulation)
	if err != nil {
		log.WithFields(log.Fields{
			"mode": modeName(w.cfg.Simulation),
			"err":  err,
		}).Warn("startup session not ready")
	}
	if sess == nil {
		sess = w.sessions.Peek(w.cfg.Simulation)
	}
	if sess != nil {
		w.quotes.Bind(sess)
	}
	go w.quotes.Serve(ctx)

	log.WithField("mode", modeName(w.cfg.Simulation)).Info("worker serving requests")

	for {
		req, err := w.bus.NextRequest(ctx, w.cfg.BlockInterval)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			log.WithField("err", err).Warn("failed to read request queue")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if req == nil {
			continue
		}
		if req.RequestID == "" {
			log.WithField("command", req.Command).Warn("dropping request without request_id")
			continue
		}
		requestsStartedCounter.WithLabelValues(string(req.Command)).Inc()
		if depth, err := w.bus.Depth(ctx); err == nil {
			queueDepthGauge.Set(float64(depth))
		}

		var began = time.Now()
		var resp = w.dispatch(ctx, req)
		handlerLatency.WithLabelValues(string(req.Command)).Observe(time.Since(began).Seconds())
		if err = w.bus.Reply(ctx, resp); err != nil {
			log.WithFields(log.Fields{
				"requestID": req.RequestID,
				"err":       err,
			}).Error("failed to deposit reply")
		}
		requestsHandledCounter.WithLabelValues(string(req.Command), string(resp.Status)).Inc()
	}

	w.sessions.Retire(context.Background())
	return nil
}

// dispatch routes one request to its handler and normalizes the outcome
// into a Response. Handler panics become failed responses.
func (w *Worker) dispatch(ctx context.Context, req *bus.Request) (resp *bus.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"command":   req.Command,
				"requestID": req.RequestID,
				"panic":     r,
			}).Error("recovered handler panic")
			resp = bus.Failed(req.RequestID, false, "internal error: %v", r)
		}
	}()

	if err := req.Validate(); err != nil {
		return bus.Failed(req.RequestID, false, "%s", err)
	}
	if req.Command == bus.Ping {
		return bus.OK(req.RequestID, w.ping(req))
	}

	var simulation = req.Simulation
	switch req.Command {
	case bus.SubscribeQuote, bus.UnsubscribeQuote:
		// The quote plane always runs on the worker's own mode.
		simulation = w.cfg.Simulation
	}

	var sess, err = w.sessions.Session(ctx, simulation)
	if err != nil {
		return bus.Failed(req.RequestID, true, "%s", err)
	}

	var handler func(context.Context, *bus.Request, upstream.Session) (interface{}, error)
	switch req.Command {
	case bus.PlaceOrder:
		handler = w.handlePlaceOrder
	case bus.RecheckOrder:
		handler = w.handleRecheckOrder
	case bus.CancelOrder:
		handler = w.handleCancelOrder
	case bus.ListPositions:
		handler = w.handleListPositions
	case bus.QueryMargin:
		handler = w.handleQueryMargin
	case bus.QueryProfitLoss:
		handler = w.handleQueryProfitLoss
	case bus.ListTrades:
		handler = w.handleListTrades
	case bus.ListSettlements:
		handler = w.handleListSettlements
	case bus.QueryUsage:
		handler = w.handleQueryUsage
	case bus.ListSymbols:
		handler = w.handleListSymbols
	case bus.SymbolInfo:
		handler = w.handleSymbolInfo
	case bus.SymbolSnapshot:
		handler = w.handleSymbolSnapshot
	case bus.SubscribeQuote:
		handler = w.handleSubscribeQuote
	case bus.UnsubscribeQuote:
		handler = w.handleUnsubscribeQuote
	default:
		return bus.Failed(req.RequestID, false, "unknown command %q", req.Command)
	}

	result, err := handler(ctx, req, sess)
	if err != nil {
		return w.failure(req, simulation, err)
	}
	if na, ok := result.(noAction); ok {
		return bus.NoAction(req.RequestID, "%s", na.message)
	}
	return bus.OK(req.RequestID, result)
}

// failure classifies a handler error into a Response, healing the session
// on transient upstream faults.
func (w *Worker) failure(req *bus.Request, simulation bool, err error) *bus.Response {
	var class = upstream.Classify(err)
	switch {
	case class.Transient():
		w.sessions.Heal(simulation, err)
		return bus.Failed(req.RequestID, true, "%s", err)
	case class == upstream.RateLimited:
		return bus.Failed(req.RequestID, true, "%s", err)
	default:
		return bus.Failed(req.RequestID, false, "%s", err)
	}
}

func (w *Worker) ping(req *bus.Request) bus.PingResult {
	var state = w.sessions.State(req.Simulation)
	var status = "healthy"
	if state == Reconnecting || state == Degraded {
		status = state.String()
	}
	return bus.PingResult{
		Status:     status,
		State:      state.String(),
		Simulation: req.Simulation,
		At:         time.Now().UTC(),
	}
}
