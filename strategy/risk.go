package strategy

import (
	log "github.com/sirupsen/logrus"
)

// StopReason identifies which risk rule forced an exit or halt.
type StopReason string

const (
	FixedStopLoss   StopReason = "fixed_stop_loss"
	TrailingStop    StopReason = "trailing_stop"
	DailyLossLimit  StopReason = "daily_loss_limit"
	DailyTradeLimit StopReason = "daily_trade_limit"
)

// RiskConfig bounds the RiskManager.
type RiskConfig struct {
	// StopLossPoints is the fixed stop distance from the entry price.
	StopLossPoints float64
	// TrailingStopPoints is the trailing stop distance from the best price.
	TrailingStopPoints float64
	// DailyMaxLossPoints halts trading once the day's realized loss
	// reaches it.
	DailyMaxLossPoints float64
	// DailyMaxTrades halts trading after this many entries in one day.
	DailyMaxTrades int
}

func (c RiskConfig) withDefaults() RiskConfig {
	if c.StopLossPoints <= 0 {
		c.StopLossPoints = 50
	}
	if c.TrailingStopPoints <= 0 {
		c.TrailingStopPoints = 30
	}
	if c.DailyMaxLossPoints <= 0 {
		c.DailyMaxLossPoints = 200
	}
	if c.DailyMaxTrades <= 0 {
		c.DailyMaxTrades = 10
	}
	return c
}

// RiskState is the serializable risk bookkeeping, persisted between runs.
type RiskState struct {
	EntryPrice   float64   `json:"entry_price"`
	Direction    Direction `json:"position_direction"`
	StopPrice    float64   `json:"stop_loss_price"`
	TrailPrice   float64   `json:"trailing_stop_price"`
	BestPrice    float64   `json:"best_price"`
	DailyPnL     float64   `json:"daily_pnl"`
	DailyTrades  int       `json:"daily_trade_count"`
	Halted       bool      `json:"trading_halted"`
	HaltedReason string    `json:"halt_reason,omitempty"`
}

// RiskManager tracks fixed and trailing stops for the open position and the
// daily loss and trade-count limits.
type RiskManager struct {
	cfg   RiskConfig
	state RiskState
}

// NewRiskManager builds a RiskManager, applying RiskConfig defaults.
func NewRiskManager(cfg RiskConfig) *RiskManager {
	return &RiskManager{
		cfg:   cfg.withDefaults(),
		state: RiskState{Direction: Flat},
	}
}

// OnEntry seats the stop lines for a newly opened position and counts the
// trade against the daily cap.
func (r *RiskManager) OnEntry(entryPrice float64, direction Direction) {
	r.state.EntryPrice = entryPrice
	r.state.Direction = direction
	r.state.BestPrice = entryPrice
	r.state.DailyTrades++

	switch direction {
	case Long:
		r.state.StopPrice = entryPrice - r.cfg.StopLossPoints
		r.state.TrailPrice = entryPrice - r.cfg.TrailingStopPoints
	case Short:
		r.state.StopPrice = entryPrice + r.cfg.StopLossPoints
		r.state.TrailPrice = entryPrice + r.cfg.TrailingStopPoints
	}

	log.WithFields(log.Fields{
		"direction": direction,
		"entry":     entryPrice,
		"stop":      r.state.StopPrice,
		"trailing":  r.state.TrailPrice,
	}).Info("risk stops seated")
}

// OnExit books the realized point change of the closed position into the
// daily tally, clears the position state, and halts trading if the daily
// loss limit was reached. It returns the realized points.
func (r *RiskManager) OnExit(exitPrice float64) float64 {
	var pnl float64
	switch r.state.Direction {
	case Long:
		pnl = exitPrice - r.state.EntryPrice
	case Short:
		pnl = r.state.EntryPrice - exitPrice
	}
	r.state.DailyPnL += pnl

	r.state.EntryPrice = 0
	r.state.Direction = Flat
	r.state.StopPrice = 0
	r.state.TrailPrice = 0
	r.state.BestPrice = 0

	if r.state.DailyPnL <= -r.cfg.DailyMaxLossPoints {
		r.state.Halted = true
		r.state.HaltedReason = string(DailyLossLimit)
		log.WithField("dailyPnL", r.state.DailyPnL).Warn("daily loss limit reached; trading halted")
	}
	return pnl
}

// CheckStop advances the trailing stop for |price| (it only moves in the
// favorable direction) and reports which stop, if any, the price trips.
func (r *RiskManager) CheckStop(price float64) (StopReason, bool) {
	if r.state.Direction == Flat {
		return "", false
	}
	r.updateTrailing(price)

	switch r.state.Direction {
	case Long:
		if price <= r.state.StopPrice {
			return FixedStopLoss, true
		}
		if price <= r.state.TrailPrice {
			return TrailingStop, true
		}
	case Short:
		if price >= r.state.StopPrice {
			return FixedStopLoss, true
		}
		if price >= r.state.TrailPrice {
			return TrailingStop, true
		}
	}
	return "", false
}

func (r *RiskManager) updateTrailing(price float64) {
	switch {
	case r.state.Direction == Long && price > r.state.BestPrice:
		r.state.BestPrice = price
		if next := price - r.cfg.TrailingStopPoints; next > r.state.TrailPrice {
			r.state.TrailPrice = next
		}
	case r.state.Direction == Short && price < r.state.BestPrice:
		r.state.BestPrice = price
		if next := price + r.cfg.TrailingStopPoints; next < r.state.TrailPrice {
			r.state.TrailPrice = next
		}
	}
}

// CanTrade reports whether a new entry is allowed, with the refusal reason.
// Exhausting the daily trade cap halts trading on the spot.
func (r *RiskManager) CanTrade() (bool, string) {
	if r.state.Halted {
		return false, "trading halted: " + r.state.HaltedReason
	}
	if r.state.DailyTrades >= r.cfg.DailyMaxTrades {
		r.state.Halted = true
		r.state.HaltedReason = string(DailyTradeLimit)
		return false, "daily trade cap reached"
	}
	return true, ""
}

// ResetDaily clears the per-day tallies and any halt at the day boundary.
func (r *RiskManager) ResetDaily() {
	r.state.DailyPnL = 0
	r.state.DailyTrades = 0
	r.state.Halted = false
	r.state.HaltedReason = ""
	log.Info("daily risk tallies reset")
}

// State returns the current (serializable) risk state.
func (r *RiskManager) State() RiskState { return r.state }

// Restore replaces the risk state, typically from persisted state.
func (r *RiskManager) Restore(state RiskState) {
	if state.Direction == "" {
		state.Direction = Flat
	}
	r.state = state
}
