// Package strategy implements the moving-average cross trading strategy
// runner: it consumes normalized quotes from the bus, composes fixed-interval
// klines, evaluates fast/slow SMA crosses, enforces stop-loss and daily risk
// limits, and submits orders through the same request queue the HTTP facade
// uses.
package strategy

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// KLine is one fixed-interval OHLCV bar.
type KLine struct {
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
	Start  time.Time `json:"start_time"`
	End    time.Time `json:"end_time"`
}

// KLineBuilder composes fixed-interval klines from a tick stream. Ticks are
// bucketed by their own timestamps, aligned down to N-minute boundaries, so
// replays and live feeds compose identical bars.
type KLineBuilder struct {
	interval   int // Minutes per bar.
	maxHistory int
	onComplete func(KLine)

	history  []KLine
	current  *KLine
	boundary time.Time
}

// NewKLineBuilder builds bars of |intervalMinutes|, retaining the most
// recent |maxHistory| completed bars. A non-nil |onComplete| observes each
// completed bar.
func NewKLineBuilder(intervalMinutes, maxHistory int, onComplete func(KLine)) *KLineBuilder {
	if intervalMinutes <= 0 {
		intervalMinutes = 3
	}
	if maxHistory <= 0 {
		maxHistory = 50
	}
	return &KLineBuilder{
		interval:   intervalMinutes,
		maxHistory: maxHistory,
		onComplete: onComplete,
	}
}

// alignBoundary floors |at| to the bar boundary containing it:
// with a 3 minute interval, 09:01 aligns to 09:00 and 09:04 to 09:03.
func (b *KLineBuilder) alignBoundary(at time.Time) time.Time {
	var aligned = (at.Hour()*60 + at.Minute()) / b.interval * b.interval
	return time.Date(at.Year(), at.Month(), at.Day(), aligned/60, aligned%60, 0, 0, at.Location())
}

// OnTick folds one trade tick into the current bar, completing and emitting
// the prior bar when the tick crosses into a new boundary.
func (b *KLineBuilder) OnTick(price float64, volume int64, at time.Time) {
	var boundary = b.alignBoundary(at)

	if b.current == nil || boundary.After(b.boundary) {
		if b.current != nil {
			b.finalize()
		}
		b.current = &KLine{
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: volume,
			Start:  boundary,
		}
		b.boundary = boundary
		return
	}

	if price > b.current.High {
		b.current.High = price
	}
	if price < b.current.Low {
		b.current.Low = price
	}
	b.current.Close = price
	b.current.Volume += volume
}

func (b *KLineBuilder) finalize() {
	b.current.End = b.boundary.Add(time.Duration(b.interval) * time.Minute)
	var completed = *b.current

	b.history = append(b.history, completed)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}

	log.WithFields(log.Fields{
		"start":  completed.Start,
		"open":   completed.Open,
		"high":   completed.High,
		"low":    completed.Low,
		"close":  completed.Close,
		"volume": completed.Volume,
	}).Debug("kline completed")

	if b.onComplete != nil {
		b.onComplete(completed)
	}
}

// History returns the completed bars, oldest first.
func (b *KLineBuilder) History() []KLine {
	return append([]KLine(nil), b.history...)
}

// ClosePrices returns the completed bars' closes, oldest first.
func (b *KLineBuilder) ClosePrices() []float64 {
	var out = make([]float64, len(b.history))
	for i, k := range b.history {
		out[i] = k.Close
	}
	return out
}

// Current returns the bar under construction, or nil before the first tick.
func (b *KLineBuilder) Current() *KLine { return b.current }
