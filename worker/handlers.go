package worker

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/windlass/tradegate/bus"
	"github.com/windlass/tradegate/store"
	"github.com/windlass/tradegate/upstream"
)

// noAction is a handler outcome for exit orders with no matching position:
// not an error, but no upstream call was made.
type noAction struct {
	message string
}

// lookupContract resolves a client-facing symbol to its catalog contract,
// through a per-mode LRU.
func (w *Worker) lookupContract(simulation bool, sess upstream.Session, symbol string) (*upstream.Contract, error) {
	var key = modeName(simulation) + "/" + symbol
	if contract, ok := w.contracts.Get(key); ok {
		return contract, nil
	}
	var contract = sess.Contracts().Find(symbol)
	if contract == nil {
		return nil, errors.Errorf("unknown symbol %q", symbol)
	}
	w.contracts.Add(key, contract)
	return contract, nil
}

// netPosition sums the signed open position (long positive) matching the
// ordered contract. Pseudo contracts also match any position of their
// product family, since fills book under specific series codes.
func netPosition(positions []upstream.Position, contract, series *upstream.Contract) int {
	var net = 0
	for _, pos := range positions {
		var match = pos.Code == series.Code
		if !match && contract.IsPseudo() && contract.Category != "" {
			match = strings.HasPrefix(pos.Code, contract.Category)
		}
		if !match {
			continue
		}
		if pos.Direction == upstream.Buy {
			net += pos.Quantity
		} else {
			net -= pos.Quantity
		}
	}
	return net
}

func (w *Worker) handlePlaceOrder(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	var cmd bus.OrderCommand
	if err := req.DecodePayload(&cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	var contract, err = w.lookupContract(req.Simulation, sess, cmd.Symbol)
	if err != nil {
		return nil, err
	}
	var series = sess.Contracts().Resolve(contract)
	if series == nil {
		return nil, errors.Errorf("symbol %q has no active series", cmd.Symbol)
	}

	positions, err := sess.Positions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "querying positions")
	}
	var net = netPosition(positions, contract, series)

	var side upstream.Side
	var quantity = cmd.Quantity
	var priceType, orderType = cmd.PriceType, cmd.OrderType
	var price = cmd.Price

	switch cmd.Action {
	case bus.LongEntry:
		side = upstream.Buy
		if net < 0 {
			// Buying against a short first covers it.
			quantity = cmd.Quantity - net
		}
	case bus.ShortEntry:
		side = upstream.Sell
		if net > 0 {
			// Selling against a long first unwinds it.
			quantity = cmd.Quantity + net
		}
	case bus.LongExit:
		if net <= 0 {
			return noAction{message: "no long position to exit"}, nil
		}
		side, quantity = upstream.Sell, net
		priceType, orderType, price = bus.Market, bus.ImmediateOrCancel, 0
	case bus.ShortExit:
		if net >= 0 {
			return noAction{message: "no short position to exit"}, nil
		}
		side, quantity = upstream.Buy, -net
		priceType, orderType, price = bus.Market, bus.ImmediateOrCancel, 0
	}

	ticket, err := sess.PlaceOrder(ctx, upstream.Order{
		Contract:  contract,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		PriceType: string(priceType),
		OrderType: string(orderType),
	})
	if err != nil {
		return nil, err
	}
	var state = upstream.MapStatus(ticket.Status)

	var audit = &store.OrderRow{
		Mode:           store.ModeOf(req.Simulation),
		Symbol:         cmd.Symbol,
		Code:           series.Code,
		Action:         string(cmd.Action),
		Quantity:       quantity,
		Status:         state,
		OrderResult:    marshalTicket(ticket),
		OrderID:        ticket.OrderID,
		Seqno:          ticket.Seqno,
		Ordno:          ticket.Ordno,
		FillStatus:     string(ticket.Status),
		FillQuantity:   ticket.FillQuantity,
		FillPrice:      ticket.FillPrice,
		CancelQuantity: ticket.CancelQuantity,
	}
	if err = w.store.InsertOrder(ctx, audit); err != nil {
		// The order is already upstream; losing the audit row must not
		// fail the reply.
		log.WithFields(log.Fields{
			"orderID": ticket.OrderID,
			"err":     err,
		}).Error("failed to write order audit row")
	}

	return bus.OrderResult{
		OrderID:   ticket.OrderID,
		AuditID:   audit.ID,
		Symbol:    cmd.Symbol,
		Code:      series.Code,
		Action:    cmd.Action,
		Quantity:  quantity,
		Price:     price,
		PriceType: priceType,
		OrderType: orderType,
		Status:    state,
	}, nil
}

func marshalTicket(ticket *upstream.OrderTicket) string {
	var enc, err = json.Marshal(ticket)
	if err != nil {
		return ""
	}
	return string(enc)
}

func (w *Worker) handleRecheckOrder(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	var ref bus.OrderRef
	if err := req.DecodePayload(&ref); err != nil {
		return nil, err
	}
	if ref.OrderID == "" {
		return nil, errors.New("order_id is required")
	}

	var ticket, err = sess.RefreshOrder(ctx, ref.OrderID)
	if err != nil {
		return nil, err
	}
	var current = upstream.MapStatus(ticket.Status)

	var previous = "unknown"
	if row, err := w.store.GetOrder(ctx, ref.OrderID); err == nil {
		previous = row.Status
		w.reconcile(ctx, row.ID, ticket, current)
	} else if !errors.Is(err, store.ErrNotFound) {
		log.WithFields(log.Fields{
			"orderID": ref.OrderID,
			"err":     err,
		}).Warn("audit row lookup failed")
	}

	return bus.RecheckResult{
		OrderID:        ref.OrderID,
		PreviousStatus: previous,
		CurrentStatus:  current,
		FillQuantity:   ticket.FillQuantity,
		FillPrice:      ticket.FillPrice,
		Final:          ticket.Status.IsFinal(),
	}, nil
}

// reconcile folds an observed order ticket back into its audit row.
func (w *Worker) reconcile(ctx context.Context, auditID int64, ticket *upstream.OrderTicket, state string) {
	var failure string
	if ticket.Status == upstream.Failed {
		if failure = ticket.Message; failure == "" {
			failure = "order failed at exchange"
		}
	}
	var err = w.store.UpdateOrderFill(ctx, auditID, store.FillUpdate{
		FillStatus:     string(ticket.Status),
		Status:         state,
		FillQuantity:   ticket.FillQuantity,
		FillPrice:      ticket.FillPrice,
		CancelQuantity: ticket.CancelQuantity,
		ErrorMessage:   failure,
	})
	if err != nil {
		log.WithFields(log.Fields{
			"auditID": auditID,
			"err":     err,
		}).Error("failed to reconcile order audit row")
	}
}

func (w *Worker) handleCancelOrder(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	var ref bus.OrderRef
	if err := req.DecodePayload(&ref); err != nil {
		return nil, err
	}
	if ref.OrderID == "" {
		return nil, errors.New("order_id is required")
	}

	var row, lookupErr = w.store.GetOrder(ctx, ref.OrderID)
	if lookupErr == nil && upstream.IsFinalState(row.Status) {
		// Already terminal; cancelling would be a no-op upstream.
		return bus.CancelResult{
			OrderID:        ref.OrderID,
			Status:         row.Status,
			CancelQuantity: row.CancelQuantity,
		}, nil
	}

	var ticket, err = sess.CancelOrder(ctx, ref.OrderID)
	if err != nil {
		return nil, err
	}
	var state = upstream.MapStatus(ticket.Status)
	if lookupErr == nil {
		w.reconcile(ctx, row.ID, ticket, state)
	}

	return bus.CancelResult{
		OrderID:        ref.OrderID,
		Status:         state,
		CancelQuantity: ticket.CancelQuantity,
	}, nil
}

func (w *Worker) handleListPositions(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	var positions, err = sess.Positions(ctx)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []upstream.Position{}
	}
	return bus.PositionsResult{Positions: positions}, nil
}

func (w *Worker) handleQueryMargin(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	return sess.Margin(ctx)
}

func (w *Worker) handleQueryProfitLoss(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	var rows, err = sess.ProfitLoss(ctx)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []upstream.ProfitLoss{}
	}
	return bus.ProfitLossResult{ProfitLoss: rows}, nil
}

func (w *Worker) handleListTrades(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	var rows, err = sess.Trades(ctx)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []upstream.Trade{}
	}
	return bus.TradesResult{Trades: rows}, nil
}

func (w *Worker) handleListSettlements(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	var rows, err = sess.Settlements(ctx)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []upstream.Settlement{}
	}
	return bus.SettlementsResult{Settlements: rows}, nil
}

func (w *Worker) handleQueryUsage(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	return sess.Usage(ctx)
}

func (w *Worker) handleListSymbols(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	var catalog = sess.Contracts()
	var result = bus.SymbolsResult{
		Families: make(map[string][]string),
	}
	for _, family := range catalog.Families() {
		for _, contract := range catalog.Family(family) {
			result.Symbols = append(result.Symbols, contract.Symbol)
			result.Families[family] = append(result.Families[family], contract.Symbol)
		}
	}
	result.Count = len(result.Symbols)
	return result, nil
}

func (w *Worker) handleSymbolInfo(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	var ref bus.SymbolRef
	if err := req.DecodePayload(&ref); err != nil {
		return nil, err
	}
	return w.lookupContract(req.Simulation, sess, ref.Symbol)
}

func (w *Worker) handleSymbolSnapshot(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	var ref bus.SymbolRef
	if err := req.DecodePayload(&ref); err != nil {
		return nil, err
	}
	var contract, err = w.lookupContract(req.Simulation, sess, ref.Symbol)
	if err != nil {
		return nil, err
	}
	return sess.Snapshot(ctx, contract)
}

func (w *Worker) handleSubscribeQuote(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	var ref bus.SymbolRef
	if err := req.DecodePayload(&ref); err != nil {
		return nil, err
	}
	var contract, err = w.lookupContract(req.Simulation, sess, ref.Symbol)
	if err != nil {
		return nil, err
	}
	n, err := w.quotes.Subscribe(ctx, contract)
	if err != nil {
		return nil, err
	}
	return bus.SubscriptionResult{Symbol: ref.Symbol, Subscribers: n}, nil
}

func (w *Worker) handleUnsubscribeQuote(ctx context.Context, req *bus.Request, sess upstream.Session) (interface{}, error) {
	var ref bus.SymbolRef
	if err := req.DecodePayload(&ref); err != nil {
		return nil, err
	}
	var n, err = w.quotes.Unsubscribe(ctx, ref.Symbol)
	if err != nil {
		return nil, err
	}
	return bus.SubscriptionResult{Symbol: ref.Symbol, Subscribers: n}, nil
}
