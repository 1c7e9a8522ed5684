package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory. It backs tests and the
// degraded single-node mode the service falls back to when Redis is not
// reachable at startup. Counts are node local; two nodes each admit a full
// budget.
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[Key]*memoryWindow
	counters map[Key]*memoryCounter
	blocks   map[Key]int64
}

type memoryWindow struct {
	entries []int64
	// period is remembered from the last Slide so Sweep can prune each
	// window against its own policy, not a global one.
	period int64
}

type memoryCounter struct {
	count     int64
	expiresAt int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:  make(map[Key]*memoryWindow),
		counters: make(map[Key]*memoryCounter),
		blocks:   make(map[Key]int64),
	}
}

func (s *MemoryStore) Slide(ctx context.Context, key Key, now time.Time, period time.Duration, limit int64, blockFor time.Duration) (SlideResult, error) {
	if err := ctx.Err(); err != nil {
		return SlideResult{}, err
	}
	nowN := now.UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.blocks[key]; ok {
		if until > nowN {
			return SlideResult{Blocked: true, BlockTTL: time.Duration(until - nowN)}, nil
		}
		delete(s.blocks, key)
	}

	w, ok := s.windows[key]
	if !ok {
		w = &memoryWindow{}
		s.windows[key] = w
	}
	w.period = period.Nanoseconds()
	w.entries = trimExpired(w.entries, nowN-w.period)

	if int64(len(w.entries)) >= limit {
		if blockFor > 0 {
			s.blocks[key] = nowN + blockFor.Nanoseconds()
		}
		res := SlideResult{Count: int64(len(w.entries))}
		if len(w.entries) > 0 {
			res.Oldest = w.entries[0]
		}
		return res, nil
	}

	w.entries = append(w.entries, nowN)
	return SlideResult{Allowed: true, Count: int64(len(w.entries))}, nil
}

func (s *MemoryStore) Bump(ctx context.Context, key Key, now time.Time, period time.Duration) (int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	nowN := now.UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || c.expiresAt <= nowN {
		c = &memoryCounter{expiresAt: nowN + period.Nanoseconds()}
		s.counters[key] = c
	}
	c.count++
	return c.count, time.Duration(c.expiresAt - nowN), nil
}

func (s *MemoryStore) Peek(ctx context.Context, key Key, now time.Time, period time.Duration, sliding bool) (SlideResult, error) {
	if err := ctx.Err(); err != nil {
		return SlideResult{}, err
	}
	nowN := now.UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	res := SlideResult{}
	if until, ok := s.blocks[key]; ok && until > nowN {
		res.Blocked = true
		res.BlockTTL = time.Duration(until - nowN)
	}

	if sliding {
		if w, ok := s.windows[key]; ok {
			w.entries = trimExpired(w.entries, nowN-period.Nanoseconds())
			res.Count = int64(len(w.entries))
			if len(w.entries) > 0 {
				res.Oldest = w.entries[0]
			}
		}
		return res, nil
	}

	if c, ok := s.counters[key]; ok && c.expiresAt > nowN {
		res.Count = c.count
		// Counters reset all at once, so the window behaves as if every
		// entry landed at its start.
		res.Oldest = c.expiresAt - period.Nanoseconds()
	}
	return res, nil
}

func (s *MemoryStore) Reset(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	delete(s.counters, key)
	delete(s.blocks, key)
	return nil
}

// Sweep drops windows, counters and penalties that expired before now and
// returns how many keys it removed. The janitor calls this on a timer so an
// idle key does not pin memory forever.
func (s *MemoryStore) Sweep(now time.Time) int {
	nowN := now.UnixNano()
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.windows {
		w.entries = trimExpired(w.entries, nowN-w.period)
		if len(w.entries) == 0 {
			delete(s.windows, key)
			removed++
		}
	}
	for key, c := range s.counters {
		if c.expiresAt <= nowN {
			delete(s.counters, key)
			removed++
		}
	}
	for key, until := range s.blocks {
		if until <= nowN {
			delete(s.blocks, key)
			removed++
		}
	}
	return removed
}

// trimExpired drops entries at or before cutoff. Entries are appended in
// time order, so the live suffix starts at the first survivor.
func trimExpired(entries []int64, cutoff int64) []int64 {
	idx := 0
	for idx < len(entries) && entries[idx] <= cutoff {
		idx++
	}
	return entries[idx:]
}
