package ratelimit

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/breakroom/gatekeeper/pkg/guard"
)

var tracer = otel.Tracer("ratelimit")

// FailMode decides what happens to a check when the counter store is down.
type FailMode string

const (
	// FailOpen admits the request and logs the outage. Availability wins.
	FailOpen FailMode = "open"
	// FailClosed denies the request with a store_unavailable error.
	FailClosed FailMode = "closed"
)

// outageRetryAfter is the retry hint handed to clients while the store is
// unreachable and the limiter is failing closed.
const outageRetryAfter = time.Second

// Result is one admission decision, shaped for response headers.
type Result struct {
	Allowed    bool
	Policy     string
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Options tune a Limiter. Zero values select the defaults.
type Options struct {
	FailMode FailMode
	// Timeout bounds each store call so a slow Redis cannot stall the
	// request path.
	Timeout time.Duration
	// RetryBackoff is the pause before the single retry of a failed call.
	RetryBackoff time.Duration
	Clock        clockwork.Clock
}

// Limiter answers "may this request pass" for a key under a policy. It is
// safe for concurrent use; all state lives in the Store.
type Limiter struct {
	store        Store
	clock        clockwork.Clock
	logger       *zap.Logger
	failMode     FailMode
	timeout      time.Duration
	retryBackoff time.Duration
}

func NewLimiter(store Store, logger *zap.Logger, opts Options) *Limiter {
	if opts.FailMode == "" {
		opts.FailMode = FailOpen
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 150 * time.Millisecond
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 25 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		store:        store,
		clock:        opts.Clock,
		logger:       logger,
		failMode:     opts.FailMode,
		timeout:      opts.Timeout,
		retryBackoff: opts.RetryBackoff,
	}
}

// Check consumes one slot for key under pol. A denial is reported in the
// Result, not as an error; the error return is reserved for store outages in
// fail-closed mode, already wrapped for the transport layer.
func (l *Limiter) Check(ctx context.Context, key Key, pol Policy) (Result, error) {
	ctx, span := tracer.Start(ctx, "ratelimit.Check")
	defer span.End()
	span.SetAttributes(
		attribute.String("ratelimit.policy", pol.Name),
		attribute.String("ratelimit.scope", string(pol.Scope)),
		attribute.Bool("ratelimit.sliding", pol.Sliding),
	)

	start := time.Now()
	defer func() {
		checkDuration.WithLabelValues(pol.Name).Observe(time.Since(start).Seconds())
	}()

	if pol.Sliding {
		return l.checkSliding(ctx, key, pol)
	}
	return l.checkFixed(ctx, key, pol)
}

func (l *Limiter) checkSliding(ctx context.Context, key Key, pol Policy) (Result, error) {
	limit := pol.Limit()

	var sr SlideResult
	err := l.withRetry(ctx, func(cctx context.Context) error {
		var err error
		sr, err = l.store.Slide(cctx, key, l.clock.Now(), pol.Period, limit, pol.BlockFor)
		return err
	})
	now := l.clock.Now()
	if err != nil {
		return l.storeFailure(ctx, key, pol, now, err)
	}

	if sr.Blocked {
		checkTotal.WithLabelValues(pol.Name, outcomeBlocked).Inc()
		l.logDenied(key, pol, sr.BlockTTL, true)
		return Result{
			Policy:     pol.Name,
			Limit:      limit,
			RetryAfter: sr.BlockTTL,
			ResetAt:    now.Add(sr.BlockTTL),
		}, nil
	}

	if sr.Allowed {
		checkTotal.WithLabelValues(pol.Name, outcomeAllowed).Inc()
		return Result{
			Allowed:   true,
			Policy:    pol.Name,
			Limit:     limit,
			Remaining: clampRemaining(limit - sr.Count),
			ResetAt:   now.Add(pol.Period),
		}, nil
	}

	retryAfter := pol.Period
	if sr.Oldest > 0 {
		retryAfter = clampDuration(time.Unix(0, sr.Oldest).Add(pol.Period).Sub(now))
	}
	checkTotal.WithLabelValues(pol.Name, outcomeDenied).Inc()
	l.logDenied(key, pol, retryAfter, false)
	return Result{
		Policy:     pol.Name,
		Limit:      limit,
		RetryAfter: retryAfter,
		ResetAt:    now.Add(retryAfter),
	}, nil
}

func (l *Limiter) checkFixed(ctx context.Context, key Key, pol Policy) (Result, error) {
	limit := pol.Limit()

	var (
		count int64
		ttl   time.Duration
	)
	err := l.withRetry(ctx, func(cctx context.Context) error {
		var err error
		count, ttl, err = l.store.Bump(cctx, key, l.clock.Now(), pol.Period)
		return err
	})
	now := l.clock.Now()
	if err != nil {
		return l.storeFailure(ctx, key, pol, now, err)
	}
	if ttl <= 0 {
		ttl = pol.Period
	}

	if count <= limit {
		checkTotal.WithLabelValues(pol.Name, outcomeAllowed).Inc()
		return Result{
			Allowed:   true,
			Policy:    pol.Name,
			Limit:     limit,
			Remaining: clampRemaining(limit - count),
			ResetAt:   now.Add(ttl),
		}, nil
	}

	checkTotal.WithLabelValues(pol.Name, outcomeDenied).Inc()
	l.logDenied(key, pol, ttl, false)
	return Result{
		Policy:     pol.Name,
		Limit:      limit,
		RetryAfter: ttl,
		ResetAt:    now.Add(ttl),
	}, nil
}

// Peek reports the state of key under pol without consuming a slot. Allowed
// means a request arriving now would pass.
func (l *Limiter) Peek(ctx context.Context, key Key, pol Policy) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.clock.Now()
	sr, err := l.store.Peek(cctx, key, now, pol.Period, pol.Sliding)
	if err != nil {
		storeErrors.WithLabelValues("peek").Inc()
		return Result{}, guard.Wrap(guard.KindStoreUnavailable, "counter store unavailable", err)
	}

	limit := pol.Limit()
	res := Result{
		Allowed:   true,
		Policy:    pol.Name,
		Limit:     limit,
		Remaining: clampRemaining(limit - sr.Count),
		ResetAt:   now.Add(pol.Period),
	}
	if sr.Oldest > 0 {
		res.ResetAt = time.Unix(0, sr.Oldest).Add(pol.Period)
	}

	if sr.Blocked {
		res.Allowed = false
		res.RetryAfter = sr.BlockTTL
		res.ResetAt = now.Add(sr.BlockTTL)
		return res, nil
	}
	if sr.Count >= limit {
		res.Allowed = false
		retryAfter := pol.Period
		if sr.Oldest > 0 {
			retryAfter = clampDuration(time.Unix(0, sr.Oldest).Add(pol.Period).Sub(now))
		}
		res.RetryAfter = retryAfter
		res.ResetAt = now.Add(retryAfter)
	}
	return res, nil
}

// Reset clears the window for key. Admin surface; not part of the request
// path.
func (l *Limiter) Reset(ctx context.Context, key Key) error {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.Reset(cctx, key); err != nil {
		storeErrors.WithLabelValues("reset").Inc()
		return guard.Wrap(guard.KindStoreUnavailable, "counter store unavailable", err)
	}
	return nil
}

// withRetry runs op with a per-call timeout and retries once after a short
// pause. Store blips should not turn into user-facing noise.
func (l *Limiter) withRetry(ctx context.Context, op func(context.Context) error) error {
	attempt := func() error {
		cctx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		return op(cctx)
	}
	err := attempt()
	if err == nil || ctx.Err() != nil {
		return err
	}
	l.clock.Sleep(l.retryBackoff)
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return attempt()
}

func (l *Limiter) storeFailure(ctx context.Context, key Key, pol Policy, now time.Time, err error) (Result, error) {
	storeErrors.WithLabelValues("check").Inc()
	trace.SpanFromContext(ctx).RecordError(err)

	if l.failMode == FailClosed {
		checkTotal.WithLabelValues(pol.Name, outcomeErrorDeny).Inc()
		l.logger.Error("counter store unavailable, denying",
			zap.String("policy", pol.Name),
			zap.String("key", string(key)),
			zap.Error(err))
		gerr := guard.Wrap(guard.KindStoreUnavailable, "counter store unavailable", err)
		gerr.RetryAfter = outageRetryAfter
		return Result{
			Policy:     pol.Name,
			Limit:      pol.Limit(),
			RetryAfter: outageRetryAfter,
			ResetAt:    now.Add(outageRetryAfter),
		}, gerr
	}

	checkTotal.WithLabelValues(pol.Name, outcomeErrorAllow).Inc()
	l.logger.Warn("counter store unavailable, allowing",
		zap.String("policy", pol.Name),
		zap.String("key", string(key)),
		zap.Error(err))
	return Result{
		Allowed:   true,
		Policy:    pol.Name,
		Limit:     pol.Limit(),
		Remaining: pol.Limit(),
		ResetAt:   now.Add(pol.Period),
	}, nil
}

func (l *Limiter) logDenied(key Key, pol Policy, retryAfter time.Duration, blocked bool) {
	l.logger.Warn("rate limit exceeded",
		zap.String("policy", pol.Name),
		zap.String("key", string(key)),
		zap.Bool("blocked", blocked),
		zap.Duration("retry_after", retryAfter))
}

func clampRemaining(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func clampDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
