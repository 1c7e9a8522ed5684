package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/breakroom/gatekeeper/internal/ratelimit"
)

// limitStatus reports the caller's standing under a named policy without
// consuming a slot. The subject is resolved exactly as an enforced check
// would resolve it, so the numbers match what the next request will see.
func (s *Server) limitStatus(c *gin.Context) {
	name := c.Param("policy")
	pol, ok := s.policies.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown policy"})
		return
	}

	key := ratelimit.NewKey(pol.Name, pol.Scope, s.chain.Subject(c, pol.Scope))
	res, err := s.limiter.Peek(c.Request.Context(), key, pol)
	if err != nil {
		s.chain.Deny(c, err)
		return
	}

	body := gin.H{
		"policy":    pol.Name,
		"scope":     pol.Scope,
		"sliding":   pol.Sliding,
		"allowed":   res.Allowed,
		"limit":     res.Limit,
		"remaining": res.Remaining,
		"reset_at":  res.ResetAt.UTC(),
	}
	if res.RetryAfter > 0 {
		body["retry_after_seconds"] = int(res.RetryAfter.Seconds())
	}
	c.JSON(http.StatusOK, body)
}
