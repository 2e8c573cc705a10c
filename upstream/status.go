package upstream

// OrderStatus is an upstream exchange status string.
type OrderStatus string

const (
	PendingSubmit OrderStatus = "PendingSubmit"
	PreSubmitted  OrderStatus = "PreSubmitted"
	Submitted     OrderStatus = "Submitted"
	PartFilled    OrderStatus = "PartFilled"
	Filled        OrderStatus = "Filled"
	Cancelled     OrderStatus = "Cancelled"
	Inactive      OrderStatus = "Inactive"
	Failed        OrderStatus = "Failed"
)

// Order states recorded on audit rows and returned to callers.
const (
	StatusPending       = "pending"
	StatusSubmitted     = "submitted"
	StatusFilled        = "filled"
	StatusPartialFilled = "partial_filled"
	StatusCancelled     = "cancelled"
	StatusFailed        = "failed"
	StatusNoAction      = "no_action"
	StatusUnknown       = "unknown"
)

var statusMapping = map[OrderStatus]string{
	PendingSubmit: StatusSubmitted,
	PreSubmitted:  StatusSubmitted,
	Submitted:     StatusSubmitted,
	PartFilled:    StatusPartialFilled,
	Filled:        StatusFilled,
	Cancelled:     StatusCancelled,
	Inactive:      StatusCancelled, // A lapsed order is reported as cancelled.
	Failed:        StatusFailed,
}

// MapStatus translates an exchange status into the recorded order state.
func MapStatus(s OrderStatus) string {
	if mapped, ok := statusMapping[s]; ok {
		return mapped
	}
	return StatusUnknown
}

// IsFinal reports whether the exchange status can no longer change,
// ending any status polling.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case Filled, Cancelled, Inactive, Failed:
		return true
	}
	return false
}

// IsFinalState reports whether a recorded order state is terminal.
func IsFinalState(state string) bool {
	switch state {
	case StatusFilled, StatusCancelled, StatusFailed, StatusNoAction:
		return true
	}
	return false
}
