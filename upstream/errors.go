package upstream

import (
	"errors"
	"fmt"
)

// Class partitions upstream faults by the recovery they demand.
type Class int

const (
	// Business faults are upstream refusals (insufficient margin, market
	// closed, out-of-range price). They fail the request and nothing else.
	Business Class = iota
	// TokenExpired means the session token lapsed and login must repeat.
	TokenExpired
	// SocketDropped means the upstream connection was lost.
	SocketDropped
	// SignatureSkew means request signing drifted past the allowed window.
	SignatureSkew
	// RateLimited means the per-identity request budget is exhausted.
	RateLimited
)

func (c Class) String() string {
	switch c {
	case Business:
		return "business"
	case TokenExpired:
		return "token_expired"
	case SocketDropped:
		return "socket_dropped"
	case SignatureSkew:
		return "signature_skew"
	case RateLimited:
		return "rate_limited"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Transient reports whether the class requires re-establishing the session.
func (c Class) Transient() bool {
	return c == TokenExpired || c == SocketDropped || c == SignatureSkew
}

// Error is a classified upstream fault.
type Error struct {
	Class Class
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s: %s", e.Class, e.Msg)
}

// Errorf builds a classified *Error.
func Errorf(class Class, format string, args ...interface{}) *Error {
	return &Error{Class: class, Msg: fmt.Sprintf(format, args...)}
}

// Classify returns the Class of err. Errors a driver didn't classify are
// business faults: they fail the request without churning the session.
func Classify(err error) Class {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	return Business
}
