package bus

import "fmt"

// Direction is the directional intent of an order command.
// Entries open a position in the stated direction. Exits close only an
// existing position in that direction; an exit with no matching position
// resolves as no_action.
type Direction string

const (
	LongEntry  Direction = "long_entry"
	LongExit   Direction = "long_exit"
	ShortEntry Direction = "short_entry"
	ShortExit  Direction = "short_exit"
)

// IsExit returns whether the Direction closes an existing position.
func (d Direction) IsExit() bool { return d == LongExit || d == ShortExit }

// Validate returns an error if the Direction isn't a known intent.
func (d Direction) Validate() error {
	switch d {
	case LongEntry, LongExit, ShortEntry, ShortExit:
		return nil
	}
	return fmt.Errorf("unknown order action %q", string(d))
}

// PriceType selects market or limit pricing.
type PriceType string

const (
	Market PriceType = "MKT"
	Limit  PriceType = "LMT"
)

// OrderType is the order's time-in-force.
type OrderType string

const (
	RestOfDay         OrderType = "ROD"
	FillOrKill        OrderType = "FOK"
	ImmediateOrCancel OrderType = "IOC"
)

// OrderCommand is the payload of a place_order request.
type OrderCommand struct {
	Action    Direction `json:"action"`
	Symbol    string    `json:"symbol"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price,omitempty"`
	PriceType PriceType `json:"price_type,omitempty"`
	OrderType OrderType `json:"order_type,omitempty"`
}

// Validate checks the command and applies defaults (market pricing, IOC).
func (c *OrderCommand) Validate() error {
	if err := c.Action.Validate(); err != nil {
		return err
	}
	if c.Symbol == "" {
		return fmt.Errorf("order has no symbol")
	}
	if c.Quantity < 1 {
		return fmt.Errorf("order quantity must be >= 1 (got %d)", c.Quantity)
	}
	if c.PriceType == "" {
		c.PriceType = Market
	}
	if c.OrderType == "" {
		c.OrderType = ImmediateOrCancel
	}
	switch c.PriceType {
	case Market:
		// Price is ignored.
	case Limit:
		if c.Price <= 0 {
			return fmt.Errorf("limit order requires a positive price (got %v)", c.Price)
		}
	default:
		return fmt.Errorf("unknown price type %q", string(c.PriceType))
	}
	switch c.OrderType {
	case RestOfDay, FillOrKill, ImmediateOrCancel:
	default:
		return fmt.Errorf("unknown order type %q", string(c.OrderType))
	}
	return nil
}

// OrderRef is the payload of recheck_order and cancel_order requests.
// OrderID is the upstream order identifier returned by place_order.
type OrderRef struct {
	OrderID string `json:"order_id"`
}

// SymbolRef is the payload of symbol_info, symbol_snapshot, subscribe_quote
// and unsubscribe_quote requests.
type SymbolRef struct {
	Symbol string `json:"symbol"`
}
