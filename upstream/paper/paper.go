// Package paper implements upstream.Session as an in-process simulated
// brokerage. Market orders fill immediately at the marked price; resting
// limit orders fill when a pushed tick trades through them. Positions,
// margin, realized profit/loss, trades and settlements are tracked in
// memory. Tests and demo feeds drive quotes with Push and PushBidAsk, and
// inject classified faults with FailNext and FailLogins.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/windlass/tradegate/upstream"
)

// Config parameterizes a paper Driver.
type Config struct {
	// InitialBalance seeds the account, default 1,000,000.
	InitialBalance float64
	// MarginPerLot is the initial margin required per open lot,
	// default 46,000.
	MarginPerLot float64
	// UsageLimit is the simulated API data budget, default 2 GiB.
	UsageLimit int64
	// Marks seeds last-traded prices, keyed by exchange code.
	Marks map[string]float64
}

// Counts tallies session calls of interest to tests and diagnostics.
type Counts struct {
	Logins       int
	Logouts      int
	PlaceOrders  int
	TickSubs     int
	TickUnsubs   int
	BidAskSubs   int
	BidAskUnsubs int
}

type book struct {
	last      float64
	open      float64
	high      float64
	low       float64
	reference float64
	bidPrice  float64
	bidVolume int64
	askPrice  float64
	askVolume int64
	volume    int64
}

type paperOrder struct {
	ticket   upstream.OrderTicket
	contract *upstream.Contract
	side     upstream.Side
	quantity int
	price    float64
	resting  bool // Unfilled ROD limit order awaiting a crossing tick.
}

type position struct {
	side     upstream.Side
	quantity int
	price    float64
}

// Driver is a simulated upstream session.
type Driver struct {
	cfg     Config
	catalog *upstream.Catalog

	mu         sync.Mutex
	loggedIn   bool
	counts     Counts
	books      map[string]*book
	positions  map[string]*position
	orders     map[string]*paperOrder
	trades     []upstream.Trade
	realized   []upstream.ProfitLoss
	settles    []upstream.Settlement
	balance    float64
	usedBytes  int64
	nextID     int
	faults     []*upstream.Error
	failLogins int

	onTick   func(upstream.TickEvent)
	onBidAsk func(upstream.BidAskEvent)
}

var _ upstream.Session = (*Driver)(nil)

// New builds a Driver trading the given catalog.
func New(catalog *upstream.Catalog, cfg Config) *Driver {
	if cfg.InitialBalance == 0 {
		cfg.InitialBalance = 1_000_000
	}
	if cfg.MarginPerLot == 0 {
		cfg.MarginPerLot = 46_000
	}
	if cfg.UsageLimit == 0 {
		cfg.UsageLimit = 2 << 30
	}
	var d = &Driver{
		cfg:       cfg,
		catalog:   catalog,
		books:     make(map[string]*book),
		positions: make(map[string]*position),
		orders:    make(map[string]*paperOrder),
		balance:   cfg.InitialBalance,
	}
	for code, mark := range cfg.Marks {
		d.books[code] = &book{
			last: mark, open: mark, high: mark, low: mark, reference: mark,
			bidPrice: mark - 0.5, askPrice: mark + 0.5,
			bidVolume: 10, askVolume: 10,
		}
	}
	return d
}

// FailNext queues a classified fault returned by the next session call.
// Queued faults are consumed in order, one per call.
func (d *Driver) FailNext(class upstream.Class, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = append(d.faults, upstream.Errorf(class, "%s", msg))
}

// FailLogins makes the next n Login attempts fail.
func (d *Driver) FailLogins(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failLogins = n
}

// Counts returns a snapshot of the call tallies.
func (d *Driver) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

func (d *Driver) Login(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failLogins > 0 {
		d.failLogins--
		return upstream.Errorf(upstream.SocketDropped, "login refused")
	}
	d.counts.Logins++
	d.loggedIn = true
	return nil
}

func (d *Driver) Logout(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts.Logouts++
	d.loggedIn = false
	return nil
}

func (d *Driver) Contracts() *upstream.Catalog { return d.catalog }

// begin consumes a queued fault or verifies the session, and meters usage.
// Callers hold d.mu.
func (d *Driver) begin() error {
	if len(d.faults) != 0 {
		var fault = d.faults[0]
		d.faults = d.faults[1:]
		if fault.Class.Transient() {
			d.loggedIn = false
		}
		return fault
	}
	if !d.loggedIn {
		return upstream.Errorf(upstream.SocketDropped, "session is not logged in")
	}
	d.usedBytes += 512
	return nil
}

func (d *Driver) bookOf(code string) *book {
	var b, ok = d.books[code]
	if !ok {
		b = &book{}
		d.books[code] = b
	}
	return b
}

func (d *Driver) PlaceOrder(ctx context.Context, order upstream.Order) (*upstream.OrderTicket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return nil, err
	}
	d.counts.PlaceOrders++

	var series = d.catalog.Resolve(order.Contract)
	if series == nil {
		return nil, upstream.Errorf(upstream.Business,
			"contract %s has no active series", order.Contract.Symbol)
	}
	var b = d.books[series.Code]
	if b == nil || b.last == 0 {
		if series.Reference == 0 {
			return nil, upstream.Errorf(upstream.Business,
				"no market price for %s", series.Code)
		}
		b = d.bookOf(series.Code)
		b.last = series.Reference
		b.reference = series.Reference
	}

	d.nextID++
	var po = &paperOrder{
		ticket: upstream.OrderTicket{
			OrderID: fmt.Sprintf("paper-%06d", d.nextID),
			Seqno:   fmt.Sprintf("%06d", d.nextID),
			Ordno:   fmt.Sprintf("o%05d", d.nextID),
			Status:  upstream.Submitted,
		},
		contract: series,
		side:     order.Side,
		quantity: order.Quantity,
		price:    order.Price,
	}
	d.orders[po.ticket.OrderID] = po

	var fillable = order.PriceType == "MKT" ||
		(order.Side == upstream.Buy && order.Price >= b.last) ||
		(order.Side == upstream.Sell && order.Price <= b.last)

	switch {
	case fillable:
		d.fill(po, b.last)
	case order.OrderType == "ROD":
		po.resting = true
	default:
		// An unfillable IOC or FOK order cancels immediately.
		po.ticket.Status = upstream.Cancelled
		po.ticket.CancelQuantity = po.quantity
	}

	var ticket = po.ticket
	return &ticket, nil
}

// fill executes the order at price, updating positions, trades, realized
// profit/loss and settlements. Callers hold d.mu.
func (d *Driver) fill(po *paperOrder, price float64) {
	po.resting = false
	po.ticket.Status = upstream.Filled
	po.ticket.FillQuantity = po.quantity
	po.ticket.FillPrice = price
	po.ticket.Deals = append(po.ticket.Deals, upstream.Deal{
		Price: price, Quantity: po.quantity, At: time.Now(),
	})

	d.trades = append(d.trades, upstream.Trade{
		Code:     po.contract.Code,
		Side:     po.side,
		Price:    price,
		Quantity: po.quantity,
		Seqno:    po.ticket.Seqno,
		Ordno:    po.ticket.Ordno,
		At:       time.Now(),
	})
	d.applyFill(po.contract.Code, po.side, po.quantity, price)
}

// applyFill nets the fill against the current position, realizing
// profit/loss on closed lots and flipping direction when crossing zero.
func (d *Driver) applyFill(code string, side upstream.Side, quantity int, price float64) {
	var pos = d.positions[code]
	if pos == nil || pos.quantity == 0 {
		d.positions[code] = &position{side: side, quantity: quantity, price: price}
		return
	}
	if pos.side == side {
		// Extend: average the entry price.
		var total = pos.quantity + quantity
		pos.price = (pos.price*float64(pos.quantity) + price*float64(quantity)) / float64(total)
		pos.quantity = total
		return
	}

	var closed = quantity
	if closed > pos.quantity {
		closed = pos.quantity
	}
	var pnl float64
	if pos.side == upstream.Buy {
		pnl = (price - pos.price) * float64(closed)
	} else {
		pnl = (pos.price - price) * float64(closed)
	}
	d.balance += pnl
	d.realized = append(d.realized, upstream.ProfitLoss{
		Code:       code,
		Quantity:   closed,
		PnL:        pnl,
		EntryPrice: pos.price,
		CoverPrice: price,
		Date:       time.Now().Format("2006-01-02"),
	})
	d.settles = append(d.settles, upstream.Settlement{
		Date:   time.Now().Format("2006-01-02"),
		Amount: pnl,
	})

	switch {
	case quantity < pos.quantity:
		pos.quantity -= quantity
	case quantity == pos.quantity:
		delete(d.positions, code)
	default:
		// Crossed through zero: the remainder opens the other way.
		d.positions[code] = &position{side: side, quantity: quantity - pos.quantity, price: price}
	}
}

func (d *Driver) CancelOrder(ctx context.Context, orderID string) (*upstream.OrderTicket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return nil, err
	}
	var po, ok = d.orders[orderID]
	if !ok {
		return nil, upstream.Errorf(upstream.Business, "unknown order %s", orderID)
	}
	if !po.ticket.Status.IsFinal() {
		po.resting = false
		po.ticket.Status = upstream.Cancelled
		po.ticket.CancelQuantity = po.quantity - po.ticket.FillQuantity
	}
	var ticket = po.ticket
	return &ticket, nil
}

func (d *Driver) RefreshOrder(ctx context.Context, orderID string) (*upstream.OrderTicket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return nil, err
	}
	var po, ok = d.orders[orderID]
	if !ok {
		return nil, upstream.Errorf(upstream.Business, "unknown order %s", orderID)
	}
	var ticket = po.ticket
	return &ticket, nil
}

func (d *Driver) Positions(ctx context.Context) ([]upstream.Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return nil, err
	}
	var out []upstream.Position
	for code, pos := range d.positions {
		var last = pos.price
		if b := d.books[code]; b != nil && b.last != 0 {
			last = b.last
		}
		var pnl float64
		if pos.side == upstream.Buy {
			pnl = (last - pos.price) * float64(pos.quantity)
		} else {
			pnl = (pos.price - last) * float64(pos.quantity)
		}
		out = append(out, upstream.Position{
			Code:      code,
			Direction: pos.side,
			Quantity:  pos.quantity,
			Price:     pos.price,
			LastPrice: last,
			PnL:       pnl,
		})
	}
	return out, nil
}

func (d *Driver) Margin(ctx context.Context) (*upstream.Margin, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return nil, err
	}
	var lots, unrealized = 0, 0.0
	for code, pos := range d.positions {
		lots += pos.quantity
		if b := d.books[code]; b != nil && b.last != 0 {
			if pos.side == upstream.Buy {
				unrealized += (b.last - pos.price) * float64(pos.quantity)
			} else {
				unrealized += (pos.price - b.last) * float64(pos.quantity)
			}
		}
	}
	var initial = float64(lots) * d.cfg.MarginPerLot
	var equity = d.balance + unrealized
	var risk = 999.0
	if initial > 0 {
		risk = equity / initial
	}
	return &upstream.Margin{
		YesterdayBalance:  d.cfg.InitialBalance,
		TodayBalance:      d.balance,
		InitialMargin:     initial,
		MaintenanceMargin: initial * 0.75,
		RiskIndicator:     risk,
		Equity:            equity,
		AvailableMargin:   equity - initial,
	}, nil
}

func (d *Driver) ProfitLoss(ctx context.Context) ([]upstream.ProfitLoss, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return nil, err
	}
	return append([]upstream.ProfitLoss(nil), d.realized...), nil
}

func (d *Driver) Trades(ctx context.Context) ([]upstream.Trade, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return nil, err
	}
	return append([]upstream.Trade(nil), d.trades...), nil
}

func (d *Driver) Settlements(ctx context.Context) ([]upstream.Settlement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return nil, err
	}
	return append([]upstream.Settlement(nil), d.settles...), nil
}

func (d *Driver) Usage(ctx context.Context) (*upstream.Usage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return nil, err
	}
	return &upstream.Usage{
		Bytes:     d.usedBytes,
		Limit:     d.cfg.UsageLimit,
		Remaining: d.cfg.UsageLimit - d.usedBytes,
	}, nil
}

func (d *Driver) Snapshot(ctx context.Context, contract *upstream.Contract) (*upstream.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return nil, err
	}
	var series = d.catalog.Resolve(contract)
	if series == nil {
		return nil, upstream.Errorf(upstream.Business,
			"contract %s has no active series", contract.Symbol)
	}
	var b = d.books[series.Code]
	if b == nil || b.last == 0 {
		return nil, upstream.Errorf(upstream.Business,
			"no snapshot data for %s", series.Code)
	}
	var change = b.last - b.reference
	var rate float64
	if b.reference != 0 {
		rate = change / b.reference * 100
	}
	return &upstream.Snapshot{
		Code:        series.Code,
		Open:        b.open,
		High:        b.high,
		Low:         b.low,
		Close:       b.last,
		ChangePrice: change,
		ChangeRate:  rate,
		TotalVolume: b.volume,
		BuyPrice:    b.bidPrice,
		BuyVolume:   b.bidVolume,
		SellPrice:   b.askPrice,
		SellVolume:  b.askVolume,
		At:          time.Now(),
	}, nil
}

func (d *Driver) OnTick(fn func(upstream.TickEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTick = fn
}

func (d *Driver) OnBidAsk(fn func(upstream.BidAskEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onBidAsk = fn
}

func (d *Driver) SubscribeTick(ctx context.Context, contract *upstream.Contract) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return err
	}
	d.counts.TickSubs++
	return nil
}

func (d *Driver) SubscribeBidAsk(ctx context.Context, contract *upstream.Contract) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return err
	}
	d.counts.BidAskSubs++
	return nil
}

func (d *Driver) UnsubscribeTick(ctx context.Context, contract *upstream.Contract) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return err
	}
	d.counts.TickUnsubs++
	return nil
}

func (d *Driver) UnsubscribeBidAsk(ctx context.Context, contract *upstream.Contract) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(); err != nil {
		return err
	}
	d.counts.BidAskUnsubs++
	return nil
}

// Push marks the book with a traded tick, fills any resting limit orders it
// crosses, and delivers the tick to the installed callback.
func (d *Driver) Push(evt upstream.TickEvent) {
	d.mu.Lock()
	var b = d.bookOf(evt.Code)
	if b.open == 0 {
		b.open = evt.Close
		b.reference = evt.Close
	}
	b.last = evt.Close
	if evt.Close > b.high {
		b.high = evt.Close
	}
	if b.low == 0 || evt.Close < b.low {
		b.low = evt.Close
	}
	b.volume += evt.Volume

	for _, po := range d.orders {
		if !po.resting || po.contract.Code != evt.Code {
			continue
		}
		if (po.side == upstream.Buy && evt.Close <= po.price) ||
			(po.side == upstream.Sell && evt.Close >= po.price) {
			d.fill(po, po.price)
		}
	}

	var fn = d.onTick
	d.mu.Unlock()

	if fn != nil {
		fn(evt)
	}
}

// PushBidAsk marks the book's best bid/ask and delivers the update.
func (d *Driver) PushBidAsk(evt upstream.BidAskEvent) {
	d.mu.Lock()
	var b = d.bookOf(evt.Code)
	b.bidPrice, b.bidVolume = evt.BidPrice, evt.BidVolume
	b.askPrice, b.askVolume = evt.AskPrice, evt.AskVolume
	var fn = d.onBidAsk
	d.mu.Unlock()

	if fn != nil {
		fn(evt)
	}
}
