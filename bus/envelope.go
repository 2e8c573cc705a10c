package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command enumerates the closed set of request kinds served by the worker.
type Command string

const (
	PlaceOrder       Command = "place_order"
	CancelOrder      Command = "cancel_order"
	RecheckOrder     Command = "recheck_order"
	ListPositions    Command = "list_positions"
	QueryMargin      Command = "query_margin"
	QueryProfitLoss  Command = "query_profit_loss"
	ListTrades       Command = "list_trades"
	ListSettlements  Command = "list_settlements"
	ListSymbols      Command = "list_symbols"
	SymbolInfo       Command = "symbol_info"
	SymbolSnapshot   Command = "symbol_snapshot"
	QueryUsage       Command = "query_usage"
	SubscribeQuote   Command = "subscribe_quote"
	UnsubscribeQuote Command = "unsubscribe_quote"
	Ping             Command = "ping"
)

var commands = map[Command]struct{}{
	PlaceOrder:       {},
	CancelOrder:      {},
	RecheckOrder:     {},
	ListPositions:    {},
	QueryMargin:      {},
	QueryProfitLoss:  {},
	ListTrades:       {},
	ListSettlements:  {},
	ListSymbols:      {},
	SymbolInfo:       {},
	SymbolSnapshot:   {},
	QueryUsage:       {},
	SubscribeQuote:   {},
	UnsubscribeQuote: {},
	Ping:             {},
}

// Validate returns an error if the Command isn't a member of the closed set.
func (c Command) Validate() error {
	if _, ok := commands[c]; !ok {
		return fmt.Errorf("unknown command %q", string(c))
	}
	return nil
}

// Status of a completed Response.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"
	StatusNoAction Status = "no_action"
)

// Request is the command envelope enqueued by facades and consumed by the
// worker. A Request is enqueued exactly once; once consumed it is never
// re-queued. Failures are encoded in the Response, not retried by re-enqueue.
type Request struct {
	RequestID   string          `json:"request_id"`
	Command     Command         `json:"command"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Simulation  bool            `json:"simulation"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// NewRequest builds a Request envelope for the given command and payload.
func NewRequest(cmd Command, payload interface{}, simulation bool) (*Request, error) {
	var enc []byte
	if payload != nil {
		var err error
		if enc, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", cmd, err)
		}
	}
	return &Request{
		Command:    cmd,
		Payload:    enc,
		Simulation: simulation,
	}, nil
}

// Validate returns an error if the Request is malformed.
func (r *Request) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request has no request_id")
	}
	return r.Command.Validate()
}

// DecodePayload unmarshals the Request payload into the given value.
func (r *Request) DecodePayload(into interface{}) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("command %s requires a payload", r.Command)
	}
	if err := json.Unmarshal(r.Payload, into); err != nil {
		return fmt.Errorf("decoding %s payload: %w", r.Command, err)
	}
	return nil
}

// Response answers exactly one Request, correlated by RequestID.
// The reply key it's written to is set at most once and expires after the
// configured TTL; a reader which observes the Response removes the key.
type Response struct {
	RequestID string          `json:"request_id"`
	Status    Status          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	// Retryable marks failures which may succeed if re-submitted,
	// such as a worker session that is still reconnecting.
	Retryable bool `json:"retryable,omitempty"`
}

// OK builds an ok Response carrying the given data.
func OK(requestID string, data interface{}) *Response {
	var enc, err = json.Marshal(data)
	if err != nil {
		// Data values are our own result structs; a failure here is a bug.
		panic(fmt.Sprintf("encoding response data: %v", err))
	}
	return &Response{RequestID: requestID, Status: StatusOK, Data: enc}
}

// Failed builds a failed Response with the given message.
func Failed(requestID string, retryable bool, format string, args ...interface{}) *Response {
	return &Response{
		RequestID: requestID,
		Status:    StatusFailed,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
	}
}

// NoAction builds a no_action Response. It's the outcome of an exit command
// which found no matching position, and is not an error.
func NoAction(requestID string, format string, args ...interface{}) *Response {
	return &Response{
		RequestID: requestID,
		Status:    StatusNoAction,
		Message:   fmt.Sprintf(format, args...),
	}
}

// DecodeData unmarshals the Response data into the given value.
func (r *Response) DecodeData(into interface{}) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response %s has no data", r.RequestID)
	}
	if err := json.Unmarshal(r.Data, into); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
