package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a delivery failure.
type Kind string

const (
	KindRateLimited        Kind = "rate_limited"
	KindAuthFailed         Kind = "auth_failed"
	KindContentRejected    Kind = "content_rejected"
	KindServiceUnavailable Kind = "service_unavailable"
	KindNetworkTimeout     Kind = "network_timeout"
	KindUnknown            Kind = "unknown"
	// KindCircuitOpen is assigned locally when the platform's breaker
	// rejected the attempt without a network call.
	KindCircuitOpen Kind = "circuit_open"
)

// Retryable reports whether failures of this kind go to the retry queue.
func (k Kind) Retryable() bool {
	switch k {
	case KindContentRejected, KindAuthFailed:
		return false
	}
	return true
}

// Permanent is the inverse of Retryable.
func (k Kind) Permanent() bool { return !k.Retryable() }

// Error is the classified failure returned by Publisher implementations.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is the platform's back-off hint, zero when absent.
	RetryAfter time.Duration
	// Local is set when the call was refused on this side and never reached
	// the platform.
	Local bool
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// RateLimited builds a rate_limited error carrying the platform's hint.
func RateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: msg, RetryAfter: retryAfter}
}

// Classify maps any error returned by a publish call to an *Error.
// Unclassified errors become unknown, which is retried.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) && pe != nil {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindNetworkTimeout, Message: "publish timed out", Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindNetworkTimeout, Message: err.Error(), Err: err}
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return &Error{Kind: KindServiceUnavailable, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
}
