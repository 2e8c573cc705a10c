package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/windlass/tradegate/bus"
	"github.com/windlass/tradegate/upstream"
)

func awaitQuote(t *testing.T, stream *bus.QuoteStream) bus.Quote {
	t.Helper()
	select {
	case evt, ok := <-stream.Events():
		require.True(t, ok, "quote stream closed")
		var q bus.Quote
		require.NoError(t, json.Unmarshal(evt.Payload, &q))
		return q
	case <-time.After(5 * time.Second):
		t.Fatal("no quote arrived")
		return bus.Quote{}
	}
}

func TestQuoteSubscriptionRefcounts(t *testing.T) {
	var rig = newTestRig(t)
	rig.start(t)

	// Case: the first subscriber triggers exactly one upstream subscribe
	// per stream; later ones only bump the count.
	var resp = rig.worker.dispatch(rig.ctx, testRequest(t, "req-1", bus.SubscribeQuote, bus.SymbolRef{Symbol: "TMFR1"}))
	require.Equal(t, bus.StatusOK, resp.Status)

	var sub bus.SubscriptionResult
	require.NoError(t, resp.DecodeData(&sub))
	require.Equal(t, "TMFR1", sub.Symbol)
	require.Equal(t, 1, sub.Subscribers)

	resp = rig.worker.dispatch(rig.ctx, testRequest(t, "req-2", bus.SubscribeQuote, bus.SymbolRef{Symbol: "TMFR1"}))
	require.Equal(t, bus.StatusOK, resp.Status)
	require.NoError(t, resp.DecodeData(&sub))
	require.Equal(t, 2, sub.Subscribers)

	var counts = rig.driver.Counts()
	require.Equal(t, 1, counts.TickSubs)
	require.Equal(t, 1, counts.BidAskSubs)

	// Case: only the last unsubscribe reaches upstream.
	resp = rig.worker.dispatch(rig.ctx, testRequest(t, "req-3", bus.UnsubscribeQuote, bus.SymbolRef{Symbol: "TMFR1"}))
	require.Equal(t, bus.StatusOK, resp.Status)
	require.NoError(t, resp.DecodeData(&sub))
	require.Equal(t, 1, sub.Subscribers)
	require.Zero(t, rig.driver.Counts().TickUnsubs)

	resp = rig.worker.dispatch(rig.ctx, testRequest(t, "req-4", bus.UnsubscribeQuote, bus.SymbolRef{Symbol: "TMFR1"}))
	require.Equal(t, bus.StatusOK, resp.Status)
	require.NoError(t, resp.DecodeData(&sub))
	require.Zero(t, sub.Subscribers)

	counts = rig.driver.Counts()
	require.Equal(t, 1, counts.TickUnsubs)
	require.Equal(t, 1, counts.BidAskUnsubs)

	// Case: unsubscribing a symbol nobody holds is a hard failure.
	resp = rig.worker.dispatch(rig.ctx, testRequest(t, "req-5", bus.UnsubscribeQuote, bus.SymbolRef{Symbol: "TMFR1"}))
	require.Equal(t, bus.StatusFailed, resp.Status)
	require.False(t, resp.Retryable)
	require.Contains(t, resp.Message, "not subscribed")
}

// flakyBidAsk refuses a number of bid/ask subscribes to exercise rollback.
type flakyBidAsk struct {
	upstream.Session
	refusals int
}

func (s *flakyBidAsk) SubscribeBidAsk(ctx context.Context, contract *upstream.Contract) error {
	if s.refusals > 0 {
		s.refusals--
		return upstream.Errorf(upstream.Business, "bid/ask stream refused")
	}
	return s.Session.SubscribeBidAsk(ctx, contract)
}

func TestSubscribeRollsBackOnPartialFailure(t *testing.T) {
	var rig = newTestRig(t)
	rig.worker.sessions = NewSessionManager(rig.ctx, func(simulation bool) (upstream.Session, error) {
		return &flakyBidAsk{Session: rig.driver, refusals: 1}, nil
	}, BackoffConfig{Initial: time.Millisecond, Max: time.Millisecond, Attempts: 1})
	rig.start(t)

	// Case: a refused bid/ask subscribe rolls back the tick half, leaving
	// nothing subscribed.
	var resp = rig.worker.dispatch(rig.ctx, testRequest(t, "req-1", bus.SubscribeQuote, bus.SymbolRef{Symbol: "TMFR1"}))
	require.Equal(t, bus.StatusFailed, resp.Status)
	require.False(t, resp.Retryable)
	require.Contains(t, resp.Message, "subscribing bid/ask of TMFR1")
	require.Zero(t, rig.worker.quotes.Subscribers("TMFR1"))

	var counts = rig.driver.Counts()
	require.Equal(t, 1, counts.TickSubs)
	require.Equal(t, 1, counts.TickUnsubs)
	require.Zero(t, counts.BidAskSubs)

	// Case: the retry after the refusal clears succeeds.
	resp = rig.worker.dispatch(rig.ctx, testRequest(t, "req-2", bus.SubscribeQuote, bus.SymbolRef{Symbol: "TMFR1"}))
	require.Equal(t, bus.StatusOK, resp.Status)

	var sub bus.SubscriptionResult
	require.NoError(t, resp.DecodeData(&sub))
	require.Equal(t, 1, sub.Subscribers)
}

func TestPseudoAliasBindsPushedCodes(t *testing.T) {
	var rig = newTestRig(t)
	rig.start(t)

	var resp = rig.worker.dispatch(rig.ctx, testRequest(t, "req-1", bus.SubscribeQuote, bus.SymbolRef{Symbol: "TMFR1"}))
	require.Equal(t, bus.StatusOK, resp.Status)

	stream, err := rig.bus.SubscribeQuotes(rig.ctx, "TMFR1")
	require.NoError(t, err)
	defer stream.Close()

	// Case: a never-before-seen exchange code of the TMF family binds to
	// the subscribed near-month alias and publishes under it.
	var at = time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	rig.driver.Push(upstream.TickEvent{Code: "TMFB6", Close: 22100, Volume: 2, TotalVolume: 10, At: at})

	var q = awaitQuote(t, stream)
	require.Equal(t, "TMFR1", q.Symbol)
	require.Equal(t, "TMFB6", q.Code)
	require.Equal(t, bus.QuoteTick, q.Type)
	require.Equal(t, 22100.0, q.Close)
	require.Equal(t, int64(2), q.Volume)
	require.Equal(t, at.UnixMilli(), q.Timestamp)

	// Case: a code of an unrelated family is dropped; the bound code keeps
	// flowing, and a missing event time is stamped on arrival.
	rig.driver.Push(upstream.TickEvent{Code: "ZEFB6", Close: 100})
	rig.driver.Push(upstream.TickEvent{Code: "TMFB6", Close: 22150, Volume: 1})

	q = awaitQuote(t, stream)
	require.Equal(t, 22150.0, q.Close)
	require.Positive(t, q.Timestamp)

	// Case: bid/ask frames ride the same binding.
	rig.driver.PushBidAsk(upstream.BidAskEvent{Code: "TMFB6", BidPrice: 22140, BidVolume: 3, AskPrice: 22150, AskVolume: 2})

	q = awaitQuote(t, stream)
	require.Equal(t, "TMFR1", q.Symbol)
	require.Equal(t, bus.QuoteBidAsk, q.Type)
	require.Equal(t, 22140.0, q.BuyPrice)
	require.Equal(t, int64(3), q.BuyVolume)
	require.Equal(t, 22150.0, q.SellPrice)
	require.Equal(t, int64(2), q.SellVolume)
}

func TestBindingPrefersNearMonthAndRebinds(t *testing.T) {
	var rig = newTestRig(t)
	rig.start(t)

	for i, symbol := range []string{"TMFR2", "TMFR1"} {
		var resp = rig.worker.dispatch(rig.ctx, testRequest(t, "req-"+symbol, bus.SubscribeQuote, bus.SymbolRef{Symbol: symbol}))
		require.Equal(t, bus.StatusOK, resp.Status, "subscribe %d", i)
	}

	stream, err := rig.bus.SubscribeQuotes(rig.ctx, "TMFR1", "TMFR2")
	require.NoError(t, err)
	defer stream.Close()

	// Case: with both roles subscribed, a fresh code binds to near-month.
	rig.driver.Push(upstream.TickEvent{Code: "TMFZ9", Close: 22200, Volume: 1})
	var q = awaitQuote(t, stream)
	require.Equal(t, "TMFR1", q.Symbol)

	// Case: once the near-month subscription is gone its bindings go with
	// it, and the next push adopts the remaining role alias.
	var resp = rig.worker.dispatch(rig.ctx, testRequest(t, "req-drop", bus.UnsubscribeQuote, bus.SymbolRef{Symbol: "TMFR1"}))
	require.Equal(t, bus.StatusOK, resp.Status)

	rig.driver.Push(upstream.TickEvent{Code: "TMFZ9", Close: 22210, Volume: 1})
	q = awaitQuote(t, stream)
	require.Equal(t, "TMFR2", q.Symbol)
	require.Equal(t, 22210.0, q.Close)
}
