// Package middleware binds the admission guards to gin routes as an explicit
// ordered chain: session validation first, then quota, so a request that
// triggers a rotation reaches the limiter under its new token and the fresh
// window starts empty.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/breakroom/gatekeeper/internal/events"
	"github.com/breakroom/gatekeeper/internal/ratelimit"
	"github.com/breakroom/gatekeeper/internal/session"
	"github.com/breakroom/gatekeeper/pkg/guard"
)

// Context keys under which the chain stores admission results.
const (
	ctxUserID       = "gatekeeper.user_id"
	ctxSessionID    = "gatekeeper.session_id"
	ctxSessionToken = "gatekeeper.session_token"
)

// CookieConfig shapes the session cookie the chain reads and, on rotation,
// replaces.
type CookieConfig struct {
	Name   string
	Domain string
	TTL    time.Duration
	// Secure is disabled only for plain-HTTP development setups.
	Secure bool
}

// Chain resolves policies and applies the guards per route. One Chain serves
// the whole router; per-route differences come from the policy name passed to
// RateLimit.
type Chain struct {
	sessions *session.Guard
	limiter  *ratelimit.Limiter
	policies *ratelimit.Policies
	pub      events.Publisher
	logger   *zap.Logger
	cookie   CookieConfig
	nodeID   string
}

func NewChain(sessions *session.Guard, limiter *ratelimit.Limiter, policies *ratelimit.Policies, pub events.Publisher, cookie CookieConfig, nodeID string, logger *zap.Logger) *Chain {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cookie.Name == "" {
		cookie.Name = "gk_session"
	}
	if cookie.TTL <= 0 {
		cookie.TTL = 24 * time.Hour
	}
	return &Chain{
		sessions: sessions,
		limiter:  limiter,
		policies: policies,
		pub:      pub,
		logger:   logger,
		cookie:   cookie,
		nodeID:   nodeID,
	}
}

// UserID returns the authenticated user for the request.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// SessionID returns the admitted session's ID.
func SessionID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ctxSessionID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// SessionToken returns the effective raw token for the request: the rotated
// replacement when this request triggered a rotation, otherwise the token the
// caller presented.
func SessionToken(c *gin.Context) string {
	return c.GetString(ctxSessionToken)
}

// Deny renders an admission error and aborts the chain. RateLimited denials
// carry a Retry-After header alongside the structured body.
func (m *Chain) Deny(c *gin.Context, err error) {
	ge := guard.AsError(err)
	if ge.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(retrySeconds(ge.RetryAfter)))
	}
	c.AbortWithStatusJSON(ge.Kind.HTTPStatus(), guard.RejectionFrom(ge))
}

// retrySeconds rounds a retry hint up to whole seconds for the header.
func retrySeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
