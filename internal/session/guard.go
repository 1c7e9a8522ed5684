package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/breakroom/gatekeeper/internal/events"
	"github.com/breakroom/gatekeeper/pkg/guard"
)

// Thresholds bound a session's lifetime.
type Thresholds struct {
	// TTL is the absolute expiry stamped on new and rotated sessions.
	TTL time.Duration
	// RotateAfter rotates any session older than this on its next request.
	RotateAfter time.Duration
	// RotateAfterRequests rotates a session once it has served this many
	// requests.
	RotateAfterRequests int64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TTL:                 24 * time.Hour,
		RotateAfter:         12 * time.Hour,
		RotateAfterRequests: 100,
	}
}

// Credential is what one request presents for admission.
type Credential struct {
	Token    string
	ClientIP string
	Route    string
}

// Grant is a successful admission.
type Grant struct {
	Session *Session
	UserID  uuid.UUID
	// RotatedToken carries the replacement token when this request
	// triggered a rotation, empty otherwise. It must reach the client in
	// the same response.
	RotatedToken string
}

// Guard validates session tokens and applies the rotation rules on every
// request.
type Guard struct {
	store      *Store
	logger     *zap.Logger
	publisher  events.Publisher
	clock      clockwork.Clock
	thresholds Thresholds
}

func NewGuard(store *Store, logger *zap.Logger, publisher events.Publisher, clock clockwork.Clock, th Thresholds) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	def := DefaultThresholds()
	if th.TTL <= 0 {
		th.TTL = def.TTL
	}
	if th.RotateAfter <= 0 {
		th.RotateAfter = def.RotateAfter
	}
	if th.RotateAfterRequests <= 0 {
		th.RotateAfterRequests = def.RotateAfterRequests
	}
	return &Guard{
		store:      store,
		logger:     logger,
		publisher:  publisher,
		clock:      clock,
		thresholds: th,
	}
}

// Authorize admits one request. It resolves the token, applies expiry and
// rotation rules and counts the request against the session. Failures come
// back as guard errors ready for the transport layer.
func (g *Guard) Authorize(ctx context.Context, cred Credential) (*Grant, error) {
	if cred.Token == "" {
		return nil, guard.New(guard.KindUnauthenticated, "session token required")
	}

	sess, err := g.store.FindByToken(ctx, cred.Token)
	if errors.Is(err, ErrNotFound) {
		return nil, guard.New(guard.KindInvalidSession, "unknown session token")
	}
	if err != nil {
		return nil, guard.Wrap(guard.KindStoreUnavailable, "session store unavailable", err)
	}
	if !sess.IsActive {
		return nil, guard.New(guard.KindInvalidSession, "session token superseded")
	}

	now := g.clock.Now()
	if !sess.ExpiresAt.After(now) {
		return nil, guard.New(guard.KindSessionExpired, "session expired")
	}

	if reason := g.rotationReason(sess, now); reason != "" {
		return g.rotate(ctx, sess, cred, reason)
	}

	if err := g.store.Touch(ctx, sess.ID); err != nil {
		if errors.Is(err, ErrRotationLost) {
			return nil, guard.New(guard.KindInvalidSession, "session token superseded")
		}
		return nil, guard.Wrap(guard.KindStoreUnavailable, "session store unavailable", err)
	}
	sess.RequestCount++
	sess.LastSeenAt = now

	return &Grant{Session: sess, UserID: sess.UserID}, nil
}

func (g *Guard) rotationReason(sess *Session, now time.Time) string {
	if now.Sub(sess.CreatedAt) > g.thresholds.RotateAfter {
		return "max_age"
	}
	if sess.RequestCount >= g.thresholds.RotateAfterRequests {
		return "max_requests"
	}
	return ""
}

func (g *Guard) rotate(ctx context.Context, sess *Session, cred Credential, reason string) (*Grant, error) {
	next, raw, err := g.store.Rotate(ctx, sess, g.thresholds.TTL)
	if errors.Is(err, ErrRotationLost) {
		return nil, guard.New(guard.KindInvalidSession, "session rotated concurrently")
	}
	if err != nil {
		return nil, guard.Wrap(guard.KindStoreUnavailable, "session store unavailable", err)
	}

	if err := g.publisher.Publish(ctx, events.Event{
		Type:      events.TypeSessionRotated,
		UserID:    next.UserID.String(),
		SessionID: next.ID.String(),
		ClientIP:  cred.ClientIP,
		Route:     cred.Route,
		Detail:    reason,
	}); err != nil {
		g.logger.Warn("failed to publish session rotation event", zap.Error(err))
	}

	return &Grant{Session: next, UserID: next.UserID, RotatedToken: raw}, nil
}
