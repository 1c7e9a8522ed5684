package ratelimit_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/breakroom/gatekeeper/internal/ratelimit"
	"github.com/breakroom/gatekeeper/pkg/guard"
)

func newTestLimiter(t *testing.T, opts ratelimit.Options) (*ratelimit.Limiter, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts.Clock = clock
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), zap.NewNop(), opts)
	return limiter, clock
}

func slidingPolicy(requests int64) ratelimit.Policy {
	return ratelimit.Policy{
		Name:     "test",
		Requests: requests,
		Period:   time.Minute,
		Scope:    ratelimit.ScopeUser,
		Sliding:  true,
	}
}

func TestCheckAdmitsUpToLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, ratelimit.Options{})
	pol := slidingPolicy(5)
	key := ratelimit.NewKey(pol.Name, pol.Scope, "u1")

	for want := int64(4); want >= 0; want-- {
		res, err := limiter.Check(context.Background(), key, pol)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(5), res.Limit)
		assert.Equal(t, want, res.Remaining)
	}

	res, err := limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Minute, res.RetryAfter)
}

func TestCheckRetryAfterTracksOldestEntry(t *testing.T) {
	limiter, clock := newTestLimiter(t, ratelimit.Options{})
	pol := slidingPolicy(2)
	key := ratelimit.NewKey(pol.Name, pol.Scope, "u1")

	_, err := limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	_, err = limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)

	res, err := limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 30*time.Second, res.RetryAfter)
}

func TestCheckRecoversAfterWindowSlides(t *testing.T) {
	limiter, clock := newTestLimiter(t, ratelimit.Options{})
	pol := slidingPolicy(1)
	key := ratelimit.NewKey(pol.Name, pol.Scope, "u1")

	res, err := limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	clock.Advance(time.Minute + time.Second)
	res, err = limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheckBurstExtendsLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, ratelimit.Options{})
	pol := slidingPolicy(2)
	pol.Burst = 1
	key := ratelimit.NewKey(pol.Name, pol.Scope, "u1")

	for i := 0; i < 3; i++ {
		res, err := limiter.Check(context.Background(), key, pol)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should pass within burst headroom", i+1)
	}
	res, err := limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestCheckBlockPenaltyOutlivesWindow(t *testing.T) {
	limiter, clock := newTestLimiter(t, ratelimit.Options{})
	pol := slidingPolicy(1)
	pol.BlockFor = 5 * time.Minute
	key := ratelimit.NewKey(pol.Name, pol.Scope, "u1")

	res, err := limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// The window itself would reopen after a minute, but the penalty holds.
	clock.Advance(2 * time.Minute)
	res, err = limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3*time.Minute, res.RetryAfter)

	clock.Advance(3*time.Minute + time.Second)
	res, err = limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheckFixedWindow(t *testing.T) {
	limiter, clock := newTestLimiter(t, ratelimit.Options{})
	pol := ratelimit.Policy{
		Name:     "realtime",
		Requests: 3,
		Period:   10 * time.Second,
		Scope:    ratelimit.ScopeUser,
	}
	key := ratelimit.EventKey(pol.Name, "u1", "chat_message")

	for i := 0; i < 3; i++ {
		res, err := limiter.Check(context.Background(), key, pol)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.LessOrEqual(t, res.RetryAfter, 10*time.Second)

	clock.Advance(10 * time.Second)
	res, err = limiter.Check(context.Background(), key, pol)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestPeekDoesNotConsume(t *testing.T) {
	limiter, _ := newTestLimiter(t, ratelimit.Options{})
	pol := slidingPolicy(5)
	key := ratelimit.NewKey(pol.Name, pol.Scope, "u1")

	for i := 0; i < 2; i++ {
		_, err := limiter.Check(context.Background(), key, pol)
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		res, err := limiter.Peek(context.Background(), key, pol)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(3), res.Remaining, "peek must not consume a slot")
	}
}

func TestCheckFailOpenAllowsOnStoreOutage(t *testing.T) {
	store := &failingStore{}
	limiter := ratelimit.NewLimiter(store, zap.NewNop(), ratelimit.Options{
		FailMode:     ratelimit.FailOpen,
		RetryBackoff: time.Millisecond,
	})
	pol := slidingPolicy(5)

	res, err := limiter.Check(context.Background(), ratelimit.NewKey(pol.Name, pol.Scope, "u1"), pol)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), store.calls.Load(), "failed call should be retried once")
}

func TestCheckFailClosedDeniesOnStoreOutage(t *testing.T) {
	limiter := ratelimit.NewLimiter(&failingStore{}, zap.NewNop(), ratelimit.Options{
		FailMode:     ratelimit.FailClosed,
		RetryBackoff: time.Millisecond,
	})
	pol := slidingPolicy(5)

	res, err := limiter.Check(context.Background(), ratelimit.NewKey(pol.Name, pol.Scope, "u1"), pol)
	require.Error(t, err)
	assert.False(t, res.Allowed)

	kind, ok := guard.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, guard.KindStoreUnavailable, kind)
}

func TestPoliciesRegistry(t *testing.T) {
	reg := ratelimit.NewPolicies(ratelimit.Policy{
		Name:     "api",
		Requests: 10,
		Period:   time.Second,
		Scope:    ratelimit.ScopeUser,
		Sliding:  true,
	})

	pol, ok := reg.Get("api")
	require.True(t, ok)
	assert.Equal(t, int64(10), pol.Requests, "config entry overrides the built-in api policy")

	pol, ok = reg.Get("auth")
	require.True(t, ok, "built-in policies survive seeding")
	assert.Equal(t, 5*time.Minute, pol.BlockFor)

	assert.Equal(t, "default", reg.GetOrDefault("no-such-policy").Name)

	reg.Replace(nil)
	pol, ok = reg.Get("api")
	require.True(t, ok)
	assert.Equal(t, int64(120), pol.Requests, "replace restores built-in defaults")
}

type failingStore struct {
	calls atomic.Int64
}

func (f *failingStore) Slide(context.Context, ratelimit.Key, time.Time, time.Duration, int64, time.Duration) (ratelimit.SlideResult, error) {
	f.calls.Add(1)
	return ratelimit.SlideResult{}, errors.New("store down")
}

func (f *failingStore) Bump(context.Context, ratelimit.Key, time.Time, time.Duration) (int64, time.Duration, error) {
	f.calls.Add(1)
	return 0, 0, errors.New("store down")
}

func (f *failingStore) Peek(context.Context, ratelimit.Key, time.Time, time.Duration, bool) (ratelimit.SlideResult, error) {
	f.calls.Add(1)
	return ratelimit.SlideResult{}, errors.New("store down")
}

func (f *failingStore) Reset(context.Context, ratelimit.Key) error {
	f.calls.Add(1)
	return errors.New("store down")
}
