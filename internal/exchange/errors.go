package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies exchange failures so callers can pick a policy:
// transient kinds may be retried or degraded around, permanent kinds are
// surfaced to the user and never retried.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "TIMEOUT"
	KindConnection        ErrorKind = "CONNECTION"
	KindAuth              ErrorKind = "AUTH"
	KindInsufficientFunds ErrorKind = "INSUFFICIENT_FUNDS"
	KindFilterFailure     ErrorKind = "FILTER_FAILURE"
	KindExchange          ErrorKind = "EXCHANGE"
)

// Error is the typed failure every Port method returns.
type Error struct {
	Kind    ErrorKind
	Op      string
	Symbol  string
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("exchange %s %s: %s (%s)", e.Op, e.Symbol, e.Message, e.Kind)
	}
	return fmt.Sprintf("exchange %s: %s (%s)", e.Op, e.Message, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether the failure is a timeout/connection class
// error that caller-specific fallback policies apply to.
func (e *Error) IsTransient() bool {
	return e.Kind == KindTimeout || e.Kind == KindConnection
}

// AsError extracts an *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var xe *Error
	if errors.As(err, &xe) {
		return xe, true
	}
	return nil, false
}

// IsTransient reports whether err is a transient exchange failure.
func IsTransient(err error) bool {
	if xe, ok := AsError(err); ok {
		return xe.IsTransient()
	}
	return false
}

func wrapTransportErr(op, symbol string, err error) *Error {
	kind := KindConnection
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Symbol: symbol, Message: err.Error(), Err: err}
}

// classifyAPIError maps Binance error codes onto the taxonomy. Codes taken
// from the spot API docs: -1013 filter failures, -2010 insufficient balance,
// -1022/-2014/-2015 signature and key problems.
func classifyAPIError(op, symbol string, httpStatus, code int, msg string) *Error {
	kind := KindExchange
	switch code {
	case -1013, -2010:
		if code == -2010 {
			kind = KindInsufficientFunds
		} else {
			kind = KindFilterFailure
		}
	case -1022, -2014, -2015:
		kind = KindAuth
	default:
		if httpStatus == 401 || httpStatus == 403 {
			kind = KindAuth
		}
	}
	// Binance reports "insufficient balance" under several codes.
	if kind == KindExchange && strings.Contains(strings.ToLower(msg), "insufficient") {
		kind = KindInsufficientFunds
	}
	return &Error{Kind: kind, Op: op, Symbol: symbol, Code: code, Message: msg}
}
