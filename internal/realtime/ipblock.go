package realtime

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// IPBlocker locks out source addresses that keep failing the authenticate
// handshake. State is node local; a blocked address simply retries against
// the budget on another node.
type IPBlocker struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	maxFailures int
	blockFor    time.Duration
	failures    map[string]*ipFailures
	blocked     map[string]time.Time
}

type ipFailures struct {
	count int
	last  time.Time
}

func NewIPBlocker(clock clockwork.Clock, maxFailures int, blockFor time.Duration) *IPBlocker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if blockFor <= 0 {
		blockFor = 15 * time.Minute
	}
	return &IPBlocker{
		clock:       clock,
		maxFailures: maxFailures,
		blockFor:    blockFor,
		failures:    make(map[string]*ipFailures),
		blocked:     make(map[string]time.Time),
	}
}

// Blocked reports whether ip is locked out and for how much longer.
func (b *IPBlocker) Blocked(ip string) (time.Duration, bool) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	until, ok := b.blocked[ip]
	if !ok {
		return 0, false
	}
	if !until.After(now) {
		delete(b.blocked, ip)
		return 0, false
	}
	return until.Sub(now), true
}

// Failure records one failed handshake and reports whether this failure
// tripped the block.
func (b *IPBlocker) Failure(ip string) bool {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.failures[ip]
	// Stale streaks restart; only failures inside one block window count
	// toward the threshold.
	if !ok || now.Sub(f.last) > b.blockFor {
		f = &ipFailures{}
		b.failures[ip] = f
	}
	f.count++
	f.last = now

	if f.count < b.maxFailures {
		return false
	}
	delete(b.failures, ip)
	b.blocked[ip] = now.Add(b.blockFor)
	return true
}

// Success clears the failure streak after a good handshake.
func (b *IPBlocker) Success(ip string) {
	b.mu.Lock()
	delete(b.failures, ip)
	b.mu.Unlock()
}

// Sweep drops expired blocks and stale streaks, returning how many entries
// were removed.
func (b *IPBlocker) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for ip, until := range b.blocked {
		if !until.After(now) {
			delete(b.blocked, ip)
			removed++
		}
	}
	for ip, f := range b.failures {
		if now.Sub(f.last) > b.blockFor {
			delete(b.failures, ip)
			removed++
		}
	}
	return removed
}
