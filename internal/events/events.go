// Package events publishes security events for downstream consumers such as
// abuse detection and audit pipelines. Publishing is best effort; the request
// path never blocks on a broker.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Type names a security event.
type Type string

const (
	TypeRateLimitExceeded    Type = "rate_limit_exceeded"
	TypeSessionRotated       Type = "session_rotated"
	TypeAuthFailure          Type = "auth_failure"
	TypeConnectionTerminated Type = "connection_terminated"
	TypeIPBlocked            Type = "ip_blocked"
)

// Event is one security occurrence. Only the fields relevant to the event
// type are set.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Time      time.Time `json:"time"`
	NodeID    string    `json:"node_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Policy    string    `json:"policy,omitempty"`
	Route     string    `json:"route,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// key picks the Kafka partition key: one subject's events stay ordered.
func (e Event) key() string {
	switch {
	case e.UserID != "":
		return e.UserID
	case e.ClientIP != "":
		return e.ClientIP
	default:
		return e.ID
	}
}

// Publisher emits security events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher drops every event. Used when events are disabled and in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// stamp fills the bookkeeping fields callers usually leave empty.
func stamp(e Event, nodeID string, clock clockwork.Clock) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = clock.Now().UTC()
	}
	if e.NodeID == "" {
		e.NodeID = nodeID
	}
	return e
}
