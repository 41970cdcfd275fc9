package exchange

import (
	"errors"
	"fmt"
)

// Kind classifies venue errors into the taxonomy callers branch on.
type Kind string

const (
	KindInsufficientFunds Kind = "insufficient_funds"
	KindInvalidOrder      Kind = "invalid_order"
	KindRateLimit         Kind = "rate_limit"
	KindNetwork           Kind = "network"
	KindAuth              Kind = "auth"
	KindUnknown           Kind = "unknown"
)

// Error wraps a venue failure with its classification and the operation
// that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified exchange error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified exchange error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification from err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is transient (rate limit or network) and
// worth retrying with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindNetwork:
		return true
	default:
		return false
	}
}
