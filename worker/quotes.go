package worker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/windlass/tradegate/bus"
	"github.com/windlass/tradegate/upstream"
)

// quoteBufferSize bounds the callback-to-publisher bridge. Callbacks never
// block: a full bridge drops the quote.
const quoteBufferSize = 1024

// QuoteManager owns refcounted upstream quote subscriptions and the bridge
// from session callbacks to bus publishes. Subscribing a symbol already held
// only bumps its count; dropping to zero unsubscribes upstream.
//
// Exchange codes resolve to client-facing aliases through a reverse map.
// A pushed code with no entry may bind dynamically: a subscribed pseudo
// alias whose product family prefixes the code adopts it (near-month R1
// preferred). Codes that resolve to no alias are dropped.
type QuoteManager struct {
	bus      *bus.Bus
	session  upstream.Session
	recorder func(bus.Quote)

	mu          sync.Mutex
	subs        map[string]*subscription
	codeToAlias map[string]string

	events chan bus.Quote
}

type subscription struct {
	contract *upstream.Contract
	refcount int
	codes    []string
}

// NewQuoteManager builds a QuoteManager publishing through |b|. A non-nil
// |recorder| observes every published quote.
func NewQuoteManager(b *bus.Bus, recorder func(bus.Quote)) *QuoteManager {
	return &QuoteManager{
		bus:         b,
		recorder:    recorder,
		subs:        make(map[string]*subscription),
		codeToAlias: make(map[string]string),
		events:      make(chan bus.Quote, quoteBufferSize),
	}
}

// Bind installs the manager's callbacks on |session| and routes subsequent
// subscription calls through it. Called once, before any subscription.
func (qm *QuoteManager) Bind(session upstream.Session) {
	qm.session = session
	session.OnTick(qm.onTick)
	session.OnBidAsk(qm.onBidAsk)
	log.Info("quote callbacks installed")
}

// Subscribe adds a subscriber of |contract|, subscribing upstream on the
// 0 -> 1 transition. It returns the resulting subscriber count.
func (qm *QuoteManager) Subscribe(ctx context.Context, contract *upstream.Contract) (int, error) {
	var alias = contract.Symbol

	qm.mu.Lock()
	if sub, ok := qm.subs[alias]; ok {
		sub.refcount++
		var n = sub.refcount
		qm.mu.Unlock()
		log.WithFields(log.Fields{
			"symbol":      alias,
			"subscribers": n,
		}).Debug("quote already subscribed, bumped count")
		return n, nil
	}
	qm.mu.Unlock()

	if err := qm.session.SubscribeTick(ctx, contract); err != nil {
		return 0, errors.Wrapf(err, "subscribing ticks of %s", alias)
	}
	if err := qm.session.SubscribeBidAsk(ctx, contract); err != nil {
		// Roll back the half-made subscription.
		_ = qm.session.UnsubscribeTick(ctx, contract)
		return 0, errors.Wrapf(err, "subscribing bid/ask of %s", alias)
	}

	qm.mu.Lock()
	qm.subs[alias] = &subscription{
		contract: contract,
		refcount: 1,
		codes:    []string{contract.Code},
	}
	qm.codeToAlias[contract.Code] = alias
	var total = len(qm.subs)
	qm.mu.Unlock()
	activeSubscriptionsGauge.Set(float64(total))

	log.WithFields(log.Fields{
		"symbol": alias,
		"total":  total,
	}).Info("subscribed quote")
	return 1, nil
}

// Unsubscribe removes a subscriber of |alias|, unsubscribing upstream on
// the 1 -> 0 transition. It returns the remaining subscriber count.
func (qm *QuoteManager) Unsubscribe(ctx context.Context, alias string) (int, error) {
	qm.mu.Lock()
	var sub, ok = qm.subs[alias]
	if !ok {
		qm.mu.Unlock()
		return 0, errors.Errorf("symbol %q is not subscribed", alias)
	}
	if sub.refcount > 1 {
		sub.refcount--
		var n = sub.refcount
		qm.mu.Unlock()
		log.WithFields(log.Fields{
			"symbol":      alias,
			"subscribers": n,
		}).Debug("quote still held, dropped count")
		return n, nil
	}
	qm.mu.Unlock()

	// Last subscriber: tear down upstream before clearing the table, so a
	// failed call leaves the subscription intact for a retry.
	if err := qm.session.UnsubscribeTick(ctx, sub.contract); err != nil {
		return 1, errors.Wrapf(err, "unsubscribing ticks of %s", alias)
	}
	if err := qm.session.UnsubscribeBidAsk(ctx, sub.contract); err != nil {
		return 1, errors.Wrapf(err, "unsubscribing bid/ask of %s", alias)
	}

	qm.mu.Lock()
	for _, code := range sub.codes {
		delete(qm.codeToAlias, code)
	}
	delete(qm.subs, alias)
	var total = len(qm.subs)
	qm.mu.Unlock()
	activeSubscriptionsGauge.Set(float64(total))

	log.WithFields(log.Fields{
		"symbol": alias,
		"total":  total,
	}).Info("unsubscribed quote")
	return 0, nil
}

// Subscriptions returns the subscribed aliases, sorted.
func (qm *QuoteManager) Subscriptions() []string {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	var out = make([]string, 0, len(qm.subs))
	for alias := range qm.subs {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the subscriber count of |alias|.
func (qm *QuoteManager) Subscribers(alias string) int {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if sub, ok := qm.subs[alias]; ok {
		return sub.refcount
	}
	return 0
}

// resolveCode maps an exchange code to its subscribed alias, binding pseudo
// aliases on first sight of a new code.
func (qm *QuoteManager) resolveCode(code string) (string, bool) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if alias, ok := qm.codeToAlias[code]; ok {
		return alias, true
	}

	// The code is unknown. A subscribed pseudo alias of the code's product
	// family adopts it, preferring the near-month role.
	var bound string
	for alias, sub := range qm.subs {
		if !sub.contract.IsPseudo() {
			continue
		}
		var family = sub.contract.Category
		if family == "" {
			family = strings.TrimSuffix(strings.TrimSuffix(alias, "R1"), "R2")
		}
		if !strings.HasPrefix(code, family) {
			continue
		}
		if strings.HasSuffix(alias, "R1") {
			bound = alias
			break
		}
		if bound == "" {
			bound = alias
		}
	}
	if bound == "" {
		return "", false
	}

	qm.codeToAlias[code] = bound
	var sub = qm.subs[bound]
	sub.codes = append(sub.codes, code)
	log.WithFields(log.Fields{
		"code":   code,
		"symbol": bound,
	}).Info("bound exchange code to subscribed alias")
	return bound, true
}

func quoteStamp(at time.Time) int64 {
	if at.IsZero() {
		return time.Now().UnixMilli()
	}
	return at.UnixMilli()
}

func (qm *QuoteManager) onTick(evt upstream.TickEvent) {
	var alias, ok = qm.resolveCode(evt.Code)
	if !ok {
		quotesDroppedCounter.Inc()
		log.WithField("code", evt.Code).Debug("dropping tick for unbound code")
		return
	}
	qm.push(bus.Quote{
		Symbol:      alias,
		Code:        evt.Code,
		Type:        bus.QuoteTick,
		Close:       evt.Close,
		Open:        evt.Open,
		High:        evt.High,
		Low:         evt.Low,
		ChangePrice: evt.ChangePrice,
		ChangeRate:  evt.ChangeRate,
		Volume:      evt.Volume,
		TotalVolume: evt.TotalVolume,
		Timestamp:   quoteStamp(evt.At),
	})
}

func (qm *QuoteManager) onBidAsk(evt upstream.BidAskEvent) {
	var alias, ok = qm.resolveCode(evt.Code)
	if !ok {
		quotesDroppedCounter.Inc()
		log.WithField("code", evt.Code).Debug("dropping bid/ask for unbound code")
		return
	}
	qm.push(bus.Quote{
		Symbol:     alias,
		Code:       evt.Code,
		Type:       bus.QuoteBidAsk,
		BuyPrice:   evt.BidPrice,
		BuyVolume:  evt.BidVolume,
		SellPrice:  evt.AskPrice,
		SellVolume: evt.AskVolume,
		Timestamp:  quoteStamp(evt.At),
	})
}

// push hands a normalized quote to the publisher goroutine. It never blocks
// the upstream callback thread.
func (qm *QuoteManager) push(q bus.Quote) {
	select {
	case qm.events <- q:
	default:
		quotesOverflowCounter.Inc()
	}
}

// Serve publishes bridged quotes until |ctx| is cancelled.
func (qm *QuoteManager) Serve(ctx context.Context) {
	for {
		select {
		case q := <-qm.events:
			qm.publish(ctx, q)
		case <-ctx.Done():
			return
		}
	}
}

func (qm *QuoteManager) publish(ctx context.Context, q bus.Quote) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("recovered panic of quote publish")
		}
	}()

	if err := qm.bus.PublishQuote(ctx, &q); err != nil {
		log.WithFields(log.Fields{
			"symbol": q.Symbol,
			"err":    err,
		}).Warn("failed to publish quote")
	} else {
		quotesPublishedCounter.WithLabelValues(string(q.Type)).Inc()
	}

	if qm.recorder != nil {
		qm.recorder(q)
	}
}
