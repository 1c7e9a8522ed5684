// Package guard defines the admission decision contract shared by the HTTP
// middleware, the realtime channel guard, and any service sitting behind them.
package guard

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies why an admission check failed.
type Kind string

const (
	// KindUnauthenticated means no credential was presented where one is required.
	KindUnauthenticated Kind = "unauthenticated"
	// KindInvalidSession means the presented token matches no live session.
	KindInvalidSession Kind = "invalid_session"
	// KindSessionExpired means the session exists but its lifetime is over.
	KindSessionExpired Kind = "session_expired"
	// KindRateLimited means the caller exhausted its quota for the window.
	KindRateLimited Kind = "rate_limited"
	// KindForbidden means the caller is authenticated but not allowed the target.
	KindForbidden Kind = "forbidden"
	// KindStoreUnavailable means the counter store could not answer and the
	// limiter is configured to fail closed.
	KindStoreUnavailable Kind = "store_unavailable"
)

// Error is a typed admission failure. Guards return it for every denial so
// transports can map the kind to a status code and a structured body without
// string matching.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // set for KindRateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an admission error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an admission error that carries an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// RateLimited creates a quota denial with a retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the admission kind from an error chain. The second return
// is false when err is not an admission error.
func KindOf(err error) (Kind, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return "", false
}

// AsError extracts the *Error from a chain, or wraps err as an internal
// forbidden failure so callers always get a typed value to render.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return Wrap(KindForbidden, "request rejected", err)
}

// HTTPStatus maps an admission kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated, KindInvalidSession, KindSessionExpired:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

// Rejection is the JSON body written for a denied request on any transport.
type Rejection struct {
	Error             string `json:"error"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// RejectionFrom builds the wire body for an admission error. RetryAfter is
// rounded up so a client that sleeps the advertised time never retries early.
func RejectionFrom(err error) Rejection {
	ge := AsError(err)
	r := Rejection{Error: string(ge.Kind), Message: ge.Message}
	if ge.RetryAfter > 0 {
		r.RetryAfterSeconds = int((ge.RetryAfter + time.Second - 1) / time.Second)
	}
	return r
}
