package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/windlass/tradegate/bus"
)

func tickQuote(n int64) bus.Quote {
	return bus.Quote{
		Symbol:    "TMFR1",
		Code:      "TMFI6",
		Type:      bus.QuoteTick,
		Close:     22000 + float64(n),
		Volume:    1,
		Timestamp: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC).UnixMilli() + n*1000,
	}
}

func TestRecorderFlushesOnCapacity(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)
	var r = NewRecorder(s, RecorderConfig{
		Enabled:       true,
		BufferSize:    5,
		FlushInterval: time.Hour, // Only the capacity kick should flush.
	})
	r.Start(ctx)
	defer r.Stop()

	for i := int64(0); i < 5; i++ {
		require.True(t, r.Record(tickQuote(i)))
	}

	require.Eventually(t, func() bool {
		var n, err = s.QuoteCount(ctx)
		return err == nil && n == 5
	}, 5*time.Second, 10*time.Millisecond)

	var stats = r.Stats()
	require.Equal(t, int64(5), stats.Stored)
	require.Equal(t, int64(1), stats.Flushes)
	require.Equal(t, 0, stats.Buffered)
}

func TestRecorderFlushesOnStop(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)
	var r = NewRecorder(s, RecorderConfig{
		Enabled:       true,
		BufferSize:    100,
		FlushInterval: time.Hour,
	})
	r.Start(ctx)

	require.True(t, r.Record(tickQuote(0)))
	require.True(t, r.Record(tickQuote(1)))
	require.True(t, r.Record(tickQuote(2)))
	r.Stop()

	var n, err = s.QuoteCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	// The recorded quote_time restores the original quote timestamp.
	rows, err := s.RecentQuotes(ctx, "TMFR1", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].QuoteTime.Equal(
		time.Date(2026, 8, 24, 9, 0, 2, 0, time.UTC)))
}

func TestRecorderDisabledDropsInput(t *testing.T) {
	var s = newTestStore(t)
	var r = NewRecorder(s, RecorderConfig{Enabled: false})
	r.Start(context.Background())

	require.False(t, r.Record(tickQuote(0)))
	r.Stop()

	var n, err = s.QuoteCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, r.Stats().Running)
}

func TestRecorderRejectsUnidentifiedQuotes(t *testing.T) {
	var s = newTestStore(t)
	var r = NewRecorder(s, RecorderConfig{Enabled: true, FlushInterval: time.Hour})
	r.Start(context.Background())
	defer r.Stop()

	// Case: quotes without both a symbol and a code are dropped.
	require.False(t, r.Record(bus.Quote{Code: "TMFI6", Type: bus.QuoteTick}))
	require.False(t, r.Record(bus.Quote{Symbol: "TMFR1", Type: bus.QuoteTick}))
	require.Zero(t, r.Stats().Buffered)
}
