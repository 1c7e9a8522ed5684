package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/breakroom/gatekeeper/internal/middleware"
	"github.com/breakroom/gatekeeper/internal/session"
)

// listSessions returns the caller's live sessions, newest first. The token
// hashes never leave the store, so the rows are safe to show.
func (s *Server) listSessions(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	sessions, err := s.sessions.ActiveSessions(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// revokeSession deactivates one of the caller's sessions. Revoking the
// session that authenticated this request also clears its cookie.
func (s *Server) revokeSession(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	err = s.sessions.InvalidateOwned(c.Request.Context(), id, userID)
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	if current, _ := middleware.SessionID(c); current == id {
		s.chain.ClearCookie(c)
	}
	c.JSON(http.StatusOK, gin.H{"message": "session revoked"})
}

// revokeAllSessions signs the caller out everywhere, including here.
func (s *Server) revokeAllSessions(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	count, err := s.sessions.InvalidateAllForUser(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.chain.ClearCookie(c)
	c.JSON(http.StatusOK, gin.H{
		"message": "sessions revoked",
		"count":   count,
	})
}

// logout invalidates the presenting session and expires its cookie.
func (s *Server) logout(c *gin.Context) {
	id, ok := middleware.SessionID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	if err := s.sessions.Invalidate(c.Request.Context(), id); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.writeError(c, err)
		return
	}

	s.chain.ClearCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}
