package bus

import (
	"time"

	"github.com/windlass/tradegate/upstream"
)

// OrderResult acknowledges an accepted order. AuditID references the
// order_history row created for it.
type OrderResult struct {
	OrderID   string    `json:"order_id"`
	AuditID   int64     `json:"audit_id,omitempty"`
	Symbol    string    `json:"symbol"`
	Code      string    `json:"code"`
	Action    Direction `json:"action"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"`
	PriceType PriceType `json:"price_type"`
	OrderType OrderType `json:"order_type"`
	Status    string    `json:"status"`
}

// RecheckResult reports an order's progress since it was placed.
type RecheckResult struct {
	OrderID        string  `json:"order_id"`
	PreviousStatus string  `json:"previous_status"`
	CurrentStatus  string  `json:"current_status"`
	FillQuantity   int     `json:"fill_quantity"`
	FillPrice      float64 `json:"fill_price"`
	Final          bool    `json:"final"`
}

// CancelResult acknowledges a cancel attempt.
type CancelResult struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	CancelQuantity int    `json:"cancel_quantity"`
}

// PositionsResult lists the account's open positions.
type PositionsResult struct {
	Positions []upstream.Position `json:"positions"`
}

// ProfitLossResult lists realized profit/loss rows.
type ProfitLossResult struct {
	ProfitLoss []upstream.ProfitLoss `json:"profit_loss"`
}

// TradesResult lists account fills.
type TradesResult struct {
	Trades []upstream.Trade `json:"trades"`
}

// SettlementsResult lists daily settlement amounts.
type SettlementsResult struct {
	Settlements []upstream.Settlement `json:"settlements"`
}

// SymbolsResult lists tradeable symbols, flat and grouped by product family.
type SymbolsResult struct {
	Symbols  []string            `json:"symbols"`
	Families map[string][]string `json:"families"`
	Count    int                 `json:"count"`
}

// SubscriptionResult acknowledges a quote subscription change.
// Subscribers is the symbol's reference count after the change.
type SubscriptionResult struct {
	Symbol      string `json:"symbol"`
	Subscribers int    `json:"subscribers"`
}

// PingResult reports worker liveness.
type PingResult struct {
	Status     string    `json:"status"`
	State      string    `json:"state"`
	Simulation bool      `json:"simulation"`
	At         time.Time `json:"at"`
}
