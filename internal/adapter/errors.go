package adapter

import (
	"context"
	"errors"
	"fmt"
)

// Normalized error kinds. Every adapter method fails with exactly one of
// these, reachable through errors.Is.
var (
	ErrNetwork        = errors.New("network error")
	ErrRateLimit      = errors.New("rate limit exceeded")
	ErrAuthentication = errors.New("authentication failed")
	ErrInvalidOrder   = errors.New("invalid order")
	ErrMarketNotFound = errors.New("market not found")
	ErrNotSupported   = errors.New("not supported")
	ErrExchange       = errors.New("exchange error")
)

var kinds = []error{
	ErrNetwork,
	ErrRateLimit,
	ErrAuthentication,
	ErrInvalidOrder,
	ErrMarketNotFound,
	ErrNotSupported,
	ErrExchange,
}

// Error carries the kind plus the venue and operation that produced it.
type Error struct {
	Kind     error
	Exchange Exchange
	Op       string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Exchange != "" && e.Op != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Exchange, e.Op, msg)
	} else if e.Exchange != "" {
		msg = fmt.Sprintf("%s: %s", e.Exchange, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds an *Error of the given kind with a formatted cause.
func Errorf(kind error, exchange Exchange, op, format string, args ...any) error {
	return &Error{Kind: kind, Exchange: exchange, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap builds an *Error of the given kind around err.
func Wrap(kind error, exchange Exchange, op string, err error) error {
	return &Error{Kind: kind, Exchange: exchange, Op: op, Err: err}
}

// KindOf returns the taxonomy member err belongs to, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Normalize guarantees err is a taxonomy member. Errors that already carry a
// kind pass through untouched; context errors become ErrNetwork and anything
// else becomes ErrExchange.
func Normalize(exchange Exchange, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ErrNetwork, exchange, op, err)
	}
	return Wrap(ErrExchange, exchange, op, err)
}

// IsRetryable reports whether err is a transient kind.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimit)
}
