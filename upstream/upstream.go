// Package upstream defines the contract between the trading worker and the
// one brokerage session it owns: the operations the worker invokes, the
// callbacks it expects, and the classification of faults that drive session
// healing. Concrete drivers (the paper simulator, a real vendor binding)
// implement Session.
package upstream

import "context"

// Session is a logged-in brokerage connection. Sessions are heavy: creation
// costs seconds and counts against a per-identity connection budget, and the
// upstream refuses concurrent logins. The worker is the sole caller, and
// serializes every call through its dispatch loop.
type Session interface {
	// Login establishes the session: credentialed login, contract catalog
	// warm-up, and default account selection.
	Login(ctx context.Context) error
	// Logout releases the upstream connection slot.
	Logout(ctx context.Context) error

	// Contracts is the catalog loaded at login. It's read-only thereafter
	// and safe to share.
	Contracts() *Catalog

	PlaceOrder(ctx context.Context, order Order) (*OrderTicket, error)
	// CancelOrder cancels the identified order. Cancelling an order already
	// in a terminal state returns its current ticket unchanged.
	CancelOrder(ctx context.Context, orderID string) (*OrderTicket, error)
	// RefreshOrder force-refreshes and returns the order's current status.
	RefreshOrder(ctx context.Context, orderID string) (*OrderTicket, error)

	Positions(ctx context.Context) ([]Position, error)
	Margin(ctx context.Context) (*Margin, error)
	ProfitLoss(ctx context.Context) ([]ProfitLoss, error)
	Trades(ctx context.Context) ([]Trade, error)
	Settlements(ctx context.Context) ([]Settlement, error)
	Usage(ctx context.Context) (*Usage, error)
	Snapshot(ctx context.Context, contract *Contract) (*Snapshot, error)

	// OnTick and OnBidAsk install push callbacks. Each is installed at most
	// once per session, before any subscription is placed. Callbacks run on
	// the driver's thread and must return quickly.
	OnTick(func(TickEvent))
	OnBidAsk(func(BidAskEvent))

	SubscribeTick(ctx context.Context, contract *Contract) error
	SubscribeBidAsk(ctx context.Context, contract *Contract) error
	UnsubscribeTick(ctx context.Context, contract *Contract) error
	UnsubscribeBidAsk(ctx context.Context, contract *Contract) error
}

// Side is the upstream order side.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Order is a fully-resolved order submission.
type Order struct {
	Contract  *Contract
	Side      Side
	Quantity  int
	Price     float64 // Ignored for market orders.
	PriceType string  // "MKT" or "LMT".
	OrderType string  // "ROD", "FOK" or "IOC".
}
