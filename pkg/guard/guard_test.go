package guard_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/breakroom/gatekeeper/pkg/guard"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := guard.New(guard.KindInvalidSession, "no such session")
	wrapped := fmt.Errorf("authorize: %w", err)

	kind, ok := guard.KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, guard.KindInvalidSession, kind)

	_, ok = guard.KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[guard.Kind]int{
		guard.KindUnauthenticated:  http.StatusUnauthorized,
		guard.KindInvalidSession:   http.StatusUnauthorized,
		guard.KindSessionExpired:   http.StatusUnauthorized,
		guard.KindForbidden:        http.StatusForbidden,
		guard.KindRateLimited:      http.StatusTooManyRequests,
		guard.KindStoreUnavailable: http.StatusServiceUnavailable,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), string(kind))
	}
}

func TestRejectionRoundsRetryUp(t *testing.T) {
	err := guard.RateLimited(1500 * time.Millisecond)
	r := guard.RejectionFrom(err)
	assert.Equal(t, string(guard.KindRateLimited), r.Error)
	assert.Equal(t, 2, r.RetryAfterSeconds)

	// A denial without a retry hint omits the field.
	r = guard.RejectionFrom(guard.New(guard.KindForbidden, "not a member"))
	assert.Zero(t, r.RetryAfterSeconds)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := guard.Wrap(guard.KindStoreUnavailable, "counter store down", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "counter store down")
}
