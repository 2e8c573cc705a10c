package strategy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRisk() *RiskManager {
	return NewRiskManager(RiskConfig{
		StopLossPoints:     50,
		TrailingStopPoints: 30,
		DailyMaxLossPoints: 100,
		DailyMaxTrades:     3,
	})
}

func TestRiskFixedStop(t *testing.T) {
	var r = newTestRisk()

	// Case: a long entry seats stops below the entry.
	r.OnEntry(1000, Long)
	require.Equal(t, 950.0, r.State().StopPrice)
	require.Equal(t, 970.0, r.State().TrailPrice)

	_, tripped := r.CheckStop(975)
	require.False(t, tripped)

	// Case: touching the fixed stop trips it.
	reason, tripped := r.CheckStop(950)
	require.True(t, tripped)
	require.Equal(t, FixedStopLoss, reason)

	// Case: a short entry mirrors the stop placement.
	r = newTestRisk()
	r.OnEntry(1000, Short)
	require.Equal(t, 1050.0, r.State().StopPrice)
	reason, tripped = r.CheckStop(1050)
	require.True(t, tripped)
	require.Equal(t, FixedStopLoss, reason)
}

func TestRiskTrailingStop(t *testing.T) {
	var r = newTestRisk()
	r.OnEntry(1000, Long)

	// Case: the trailing stop follows new highs, and only new highs.
	_, tripped := r.CheckStop(1040)
	require.False(t, tripped)
	require.Equal(t, 1010.0, r.State().TrailPrice)

	_, tripped = r.CheckStop(1020)
	require.False(t, tripped)
	require.Equal(t, 1010.0, r.State().TrailPrice) // Did not retreat.

	// Case: falling back through the trailing line trips it.
	reason, tripped := r.CheckStop(1010)
	require.True(t, tripped)
	require.Equal(t, TrailingStop, reason)
}

func TestRiskDailyLossLimit(t *testing.T) {
	var r = newTestRisk()

	// Case: realized losses accumulate; hitting the limit halts trading.
	r.OnEntry(1000, Long)
	require.Equal(t, -60.0, r.OnExit(940))
	ok, _ := r.CanTrade()
	require.True(t, ok)

	r.OnEntry(1000, Long)
	r.OnExit(950)
	require.True(t, r.State().Halted)
	require.Equal(t, string(DailyLossLimit), r.State().HaltedReason)

	ok, reason := r.CanTrade()
	require.False(t, ok)
	require.Contains(t, reason, "halted")

	// Case: the daily reset lifts the halt.
	r.ResetDaily()
	ok, _ = r.CanTrade()
	require.True(t, ok)
	require.Zero(t, r.State().DailyPnL)
}

func TestRiskDailyTradeCap(t *testing.T) {
	var r = newTestRisk()

	// Case: the cap counts entries; exceeding it halts.
	for i := 0; i < 3; i++ {
		ok, _ := r.CanTrade()
		require.True(t, ok)
		r.OnEntry(1000, Long)
		r.OnExit(1001)
	}
	ok, _ := r.CanTrade()
	require.False(t, ok)
	require.Equal(t, string(DailyTradeLimit), r.State().HaltedReason)
}

func TestRiskStateRoundTrip(t *testing.T) {
	var r = newTestRisk()
	r.OnEntry(1000, Short)

	// Case: a restored state carries the seated stops.
	var other = newTestRisk()
	other.Restore(r.State())
	require.Equal(t, r.State(), other.State())

	// Case: flat managers never trip.
	_, tripped := newTestRisk().CheckStop(1)
	require.False(t, tripped)
}
