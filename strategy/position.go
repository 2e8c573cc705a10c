package strategy

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/windlass/tradegate/upstream"
)

// PositionState is the serializable logical position.
type PositionState struct {
	Direction     Direction `json:"direction"`
	EntryPrice    float64   `json:"entry_price"`
	Quantity      int       `json:"quantity"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	LastSync      time.Time `json:"last_sync_time,omitempty"`
}

// PositionTracker tracks the strategy's logical position in one symbol and
// periodically reconciles it against the broker's view, which wins on any
// divergence.
type PositionTracker struct {
	symbol       string
	quantity     int
	syncInterval time.Duration
	state        PositionState
}

// NewPositionTracker tracks |symbol|, entering |quantity| lots at a time and
// reconciling with the broker every |syncInterval|.
func NewPositionTracker(symbol string, quantity int, syncInterval time.Duration) *PositionTracker {
	if quantity <= 0 {
		quantity = 1
	}
	if syncInterval <= 0 {
		syncInterval = time.Minute
	}
	return &PositionTracker{
		symbol:       symbol,
		quantity:     quantity,
		syncInterval: syncInterval,
		state:        PositionState{Direction: Flat},
	}
}

// Direction is the current logical direction.
func (p *PositionTracker) Direction() Direction { return p.state.Direction }

// IsFlat reports whether no position is held.
func (p *PositionTracker) IsFlat() bool { return p.state.Direction == Flat }

// EntryPrice is the held position's entry price, or 0 when flat.
func (p *PositionTracker) EntryPrice() float64 { return p.state.EntryPrice }

// Open records a newly opened position.
func (p *PositionTracker) Open(direction Direction, entryPrice float64) {
	p.state.Direction = direction
	p.state.EntryPrice = entryPrice
	p.state.Quantity = p.quantity
	p.state.UnrealizedPnL = 0

	log.WithFields(log.Fields{
		"symbol":    p.symbol,
		"direction": direction,
		"quantity":  p.quantity,
		"entry":     entryPrice,
	}).Info("position opened")
}

// Close records the position's exit and returns the realized point change.
func (p *PositionTracker) Close(exitPrice float64) float64 {
	var pnl float64
	switch p.state.Direction {
	case Long:
		pnl = exitPrice - p.state.EntryPrice
	case Short:
		pnl = p.state.EntryPrice - exitPrice
	}
	log.WithFields(log.Fields{
		"symbol":    p.symbol,
		"direction": p.state.Direction,
		"exit":      exitPrice,
		"points":    pnl,
	}).Info("position closed")

	p.state = PositionState{Direction: Flat, LastSync: p.state.LastSync}
	return pnl
}

// MarkPrice refreshes the unrealized point change at |price|.
func (p *PositionTracker) MarkPrice(price float64) float64 {
	switch p.state.Direction {
	case Long:
		p.state.UnrealizedPnL = price - p.state.EntryPrice
	case Short:
		p.state.UnrealizedPnL = p.state.EntryPrice - price
	default:
		p.state.UnrealizedPnL = 0
	}
	return p.state.UnrealizedPnL
}

// ShouldSync reports whether a broker reconciliation is due.
func (p *PositionTracker) ShouldSync(now time.Time) bool {
	return p.state.LastSync.IsZero() || now.Sub(p.state.LastSync) >= p.syncInterval
}

// matches reports whether a broker position code belongs to the tracked
// symbol. Pseudo-symbols match any code of their product family: MXFR1
// matches every MXF series.
func (p *PositionTracker) matches(code string) bool {
	if code == p.symbol {
		return true
	}
	if strings.HasSuffix(p.symbol, "R1") || strings.HasSuffix(p.symbol, "R2") {
		return strings.HasPrefix(code, p.symbol[:len(p.symbol)-2])
	}
	return false
}

// Sync reconciles the logical position against the broker's open positions.
// The broker wins: a missing broker position forces flat, and a diverging
// direction is adopted wholesale. It returns whether a correction was made.
func (p *PositionTracker) Sync(positions []upstream.Position, now time.Time) bool {
	p.state.LastSync = now

	var matched *upstream.Position
	for i := range positions {
		if p.matches(positions[i].Code) {
			matched = &positions[i]
			break
		}
	}

	if matched == nil {
		if p.state.Direction != Flat {
			log.WithFields(log.Fields{
				"symbol": p.symbol,
				"local":  p.state.Direction,
			}).Warn("broker holds no position; forcing flat")
			p.state = PositionState{Direction: Flat, LastSync: now}
			return true
		}
		return false
	}

	var brokerDirection = Long
	if matched.Direction == upstream.Sell {
		brokerDirection = Short
	}
	if brokerDirection != p.state.Direction {
		log.WithFields(log.Fields{
			"symbol": p.symbol,
			"local":  p.state.Direction,
			"broker": brokerDirection,
		}).Warn("position diverged; adopting broker view")
		p.state.Direction = brokerDirection
		p.state.EntryPrice = matched.Price
		p.state.Quantity = matched.Quantity
		return true
	}
	return false
}

// State returns the current (serializable) position state.
func (p *PositionTracker) State() PositionState { return p.state }

// Restore replaces the position state, typically from persisted state.
func (p *PositionTracker) Restore(state PositionState) {
	if state.Direction == "" {
		state.Direction = Flat
	}
	p.state = state
}
