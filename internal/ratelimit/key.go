package ratelimit

import "fmt"

// Key identifies one counted window in the store. Keys carry the policy name
// so the same subject can be tracked under several budgets at once.
type Key string

// NewKey builds the canonical window key for a policy, scope and subject id.
func NewKey(policy string, scope Scope, id string) Key {
	return Key(fmt.Sprintf("rl:%s:%s:%s", policy, scope, id))
}

// EventKey builds the window key for a realtime event quota. Quotas count per
// user per event type, so a chat flood cannot starve a user's game moves.
func EventKey(policy, userID, event string) Key {
	return Key(fmt.Sprintf("rl:%s:%s:%s:%s", policy, ScopeUser, userID, event))
}

// blockKey is where Slide parks the penalty marker for a tripped window.
func blockKey(k Key) Key { return k + ":block" }
