// Package ratelimit implements the shared sliding-window admission counters
// for HTTP and realtime traffic, backed by Redis with an in-process fallback.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Scope names the request attribute a policy counts by.
type Scope string

const (
	ScopeIP      Scope = "ip"
	ScopeUser    Scope = "user"
	ScopeAPIKey  Scope = "api_key"
	ScopeSession Scope = "session"
	ScopeNode    Scope = "node"
)

// Policy is a named admission budget. Policies are immutable once registered;
// tuning happens by replacing the registry contents, never by mutating a
// policy in place.
type Policy struct {
	Name     string        `mapstructure:"name" validate:"required"`
	Requests int64         `mapstructure:"requests" validate:"gt=0"`
	Period   time.Duration `mapstructure:"period" validate:"gt=0"`
	Scope    Scope         `mapstructure:"scope" validate:"required,oneof=ip user api_key session node"`
	Burst    int64         `mapstructure:"burst" validate:"gte=0"`
	Sliding  bool          `mapstructure:"sliding"`
	// BlockFor keeps a key denied for the whole duration after it trips the
	// limit, instead of letting single slots reopen as old entries expire.
	BlockFor time.Duration `mapstructure:"block_for" validate:"gte=0"`
}

// Limit is the effective window capacity including burst headroom.
func (p Policy) Limit() int64 { return p.Requests + p.Burst }

// Defaults returns the built-in policy table. Config entries override by name.
func Defaults() []Policy {
	return []Policy{
		{Name: "default", Requests: 60, Period: time.Minute, Scope: ScopeIP, Sliding: true},
		{Name: "auth", Requests: 5, Period: time.Minute, Scope: ScopeIP, Sliding: true, BlockFor: 5 * time.Minute},
		{Name: "api", Requests: 120, Period: time.Minute, Scope: ScopeUser, Burst: 20, Sliding: true},
		{Name: "game", Requests: 30, Period: time.Minute, Scope: ScopeUser, Sliding: true},
		{Name: "venue", Requests: 30, Period: time.Minute, Scope: ScopeUser, Sliding: true},
		{Name: "tournament", Requests: 20, Period: time.Minute, Scope: ScopeUser, Sliding: true},
		{Name: "realtime", Requests: 100, Period: time.Minute, Scope: ScopeUser, Sliding: false},
	}
}

// Policies is the registry the middleware and guards resolve names against.
// Reads vastly outnumber writes; writes only happen at startup and on config
// reload.
type Policies struct {
	mu     sync.RWMutex
	byName map[string]Policy
}

// NewPolicies builds a registry seeded with Defaults, with the given policies
// layered on top.
func NewPolicies(policies ...Policy) *Policies {
	r := &Policies{byName: make(map[string]Policy)}
	for _, p := range Defaults() {
		r.byName[p.Name] = p
	}
	for _, p := range policies {
		r.byName[p.Name] = p
	}
	return r
}

// Get looks up a policy by name.
func (r *Policies) Get(name string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// GetOrDefault resolves name, falling back to the "default" policy so a
// misspelled route annotation degrades to the base budget instead of
// disabling limiting.
func (r *Policies) GetOrDefault(name string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byName[name]; ok {
		return p
	}
	return r.byName["default"]
}

// Put registers or overrides a single policy.
func (r *Policies) Put(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[p.Name] = p
}

// Replace swaps the registry contents for Defaults plus the given policies.
// Used by config hot reload; the swap is atomic under the write lock.
func (r *Policies) Replace(policies []Policy) {
	next := make(map[string]Policy)
	for _, p := range Defaults() {
		next[p.Name] = p
	}
	for _, p := range policies {
		next[p.Name] = p
	}
	r.mu.Lock()
	r.byName = next
	r.mu.Unlock()
}

// All returns the registered policies sorted by name.
func (r *Policies) All() []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Policy, 0, len(r.byName))
	for _, p := range r.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
