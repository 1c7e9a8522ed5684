package ratelimit

import (
	"context"
	"time"
)

// SlideResult is the raw outcome of one store operation, before the limiter
// turns it into headers and retry hints.
type SlideResult struct {
	// Allowed reports whether the request was admitted and recorded.
	Allowed bool
	// Count is the number of live entries in the window, including this
	// request when it was admitted.
	Count int64
	// Oldest is the unix-nanosecond timestamp of the oldest live entry.
	// Zero when the window is empty or the store did not report one.
	Oldest int64
	// Blocked is set when the key is serving a BlockFor penalty. BlockTTL
	// is the remaining penalty duration.
	Blocked  bool
	BlockTTL time.Duration
}

// Store is the counter backend shared by every policy. Implementations must
// make Slide atomic: prune, count, decide and record may not interleave with
// a concurrent check for the same key.
type Store interface {
	// Slide runs one sliding-window check for key. On admission the entry
	// is recorded at now; on denial with blockFor > 0 the key is penalised
	// for the whole blockFor duration.
	Slide(ctx context.Context, key Key, now time.Time, period time.Duration, limit int64, blockFor time.Duration) (SlideResult, error)

	// Bump runs one fixed-window check: increment the counter, starting a
	// fresh window of length period when the counter is new. It returns
	// the incremented count and the time left in the current window.
	Bump(ctx context.Context, key Key, now time.Time, period time.Duration) (int64, time.Duration, error)

	// Peek reports the current window state without consuming a slot.
	// sliding selects between the sorted-window and counter layouts.
	Peek(ctx context.Context, key Key, now time.Time, period time.Duration, sliding bool) (SlideResult, error)

	// Reset clears the window and any penalty for key.
	Reset(ctx context.Context, key Key) error
}
