package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/breakroom/gatekeeper/internal/events"
	"github.com/breakroom/gatekeeper/internal/ratelimit"
	"github.com/breakroom/gatekeeper/internal/session"
	"github.com/breakroom/gatekeeper/pkg/guard"
)

// RateLimit enforces the named policy on every request through the route.
// Every response carries the window headers; denials add Retry-After and a
// structured body, no matter which guard produced the decision.
func (m *Chain) RateLimit(policyName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		pol := m.policies.GetOrDefault(policyName)
		key := ratelimit.NewKey(pol.Name, pol.Scope, m.Subject(c, pol.Scope))

		res, err := m.limiter.Check(c.Request.Context(), key, pol)
		writeRateHeaders(c, res)
		if err != nil {
			m.Deny(c, err)
			return
		}
		if !res.Allowed {
			m.publishDenial(c, pol, res)
			m.Deny(c, guard.RateLimited(res.RetryAfter))
			return
		}
		c.Next()
	}
}

// Subject resolves the counted identity for a policy scope from the live
// request. Scopes that need an authenticated attribute degrade to the client
// IP so anonymous traffic still lands in a bounded window. Exported because
// the introspection endpoint peeks at the same key a check would consume.
func (m *Chain) Subject(c *gin.Context, scope ratelimit.Scope) string {
	switch scope {
	case ratelimit.ScopeUser:
		if id, ok := UserID(c); ok {
			return id.String()
		}
	case ratelimit.ScopeAPIKey:
		if key := c.GetHeader("X-API-Key"); key != "" {
			return key
		}
	case ratelimit.ScopeSession:
		if token := SessionToken(c); token != "" {
			// Hashed so raw credentials never appear in store keys or
			// denial logs.
			return session.HashToken(token)
		}
	case ratelimit.ScopeNode:
		if m.nodeID != "" {
			return m.nodeID
		}
	}
	return c.ClientIP()
}

func writeRateHeaders(c *gin.Context, res ratelimit.Result) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	if !res.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
}

func (m *Chain) publishDenial(c *gin.Context, pol ratelimit.Policy, res ratelimit.Result) {
	e := events.Event{
		Type:     events.TypeRateLimitExceeded,
		ClientIP: c.ClientIP(),
		Policy:   pol.Name,
		Route:    c.FullPath(),
		Detail:   res.RetryAfter.String(),
	}
	if id, ok := UserID(c); ok {
		e.UserID = id.String()
	}
	if err := m.pub.Publish(c.Request.Context(), e); err != nil {
		m.logger.Warn("failed to publish rate limit event",
			zap.String("policy", pol.Name),
			zap.Error(err))
	}
}
