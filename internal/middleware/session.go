package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/breakroom/gatekeeper/internal/session"
)

// RequireSession admits only requests presenting a live session credential.
// When the request trips a rotation threshold the response carries the
// replacement cookie and downstream checks see the new token.
func (m *Chain) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := m.extractToken(c)
		grant, err := m.sessions.Authorize(c.Request.Context(), session.Credential{
			Token:    token,
			ClientIP: c.ClientIP(),
			Route:    c.FullPath(),
		})
		if err != nil {
			m.Deny(c, err)
			return
		}
		m.admit(c, grant, token)
		c.Next()
	}
}

// OptionalSession resolves a session when one is presented but lets anonymous
// requests pass; those fall through to IP-scoped limiting. A presented token
// that fails validation is still a denial, never silently anonymous.
func (m *Chain) OptionalSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := m.extractToken(c)
		if token == "" {
			c.Next()
			return
		}
		grant, err := m.sessions.Authorize(c.Request.Context(), session.Credential{
			Token:    token,
			ClientIP: c.ClientIP(),
			Route:    c.FullPath(),
		})
		if err != nil {
			m.Deny(c, err)
			return
		}
		m.admit(c, grant, token)
		c.Next()
	}
}

// IssueCookie attaches a session cookie for a freshly issued token. Login
// collaborators call this after creating the session.
func (m *Chain) IssueCookie(c *gin.Context, token string) {
	m.setSessionCookie(c, token)
}

// ClearCookie expires the session cookie. Logout collaborators call this
// after invalidating the session.
func (m *Chain) ClearCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     m.cookie.Name,
		Value:    "",
		Path:     "/",
		Domain:   m.cookie.Domain,
		MaxAge:   -1,
		Secure:   m.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (m *Chain) admit(c *gin.Context, grant *session.Grant, presented string) {
	effective := presented
	if grant.RotatedToken != "" {
		effective = grant.RotatedToken
		m.setSessionCookie(c, grant.RotatedToken)
	}
	c.Set(ctxUserID, grant.UserID)
	c.Set(ctxSessionID, grant.Session.ID)
	c.Set(ctxSessionToken, effective)
}

// extractToken reads the session credential from the cookie, falling back to
// a bearer header for non-browser clients.
func (m *Chain) extractToken(c *gin.Context) string {
	if cookie, err := c.Cookie(m.cookie.Name); err == nil && cookie != "" {
		return cookie
	}
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}

func (m *Chain) setSessionCookie(c *gin.Context, token string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     m.cookie.Name,
		Value:    token,
		Path:     "/",
		Domain:   m.cookie.Domain,
		MaxAge:   int(m.cookie.TTL.Seconds()),
		Secure:   m.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}
