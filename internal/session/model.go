// Package session persists bearer sessions and enforces the rotation rules
// that bound how long any one token stays valid.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound reports an unknown token hash.
	ErrNotFound = errors.New("session not found")
	// ErrRotationLost reports that another request rotated the session
	// first. The loser's token is already superseded.
	ErrRotationLost = errors.New("session rotated concurrently")
)

// Session is one issued credential. The raw token is returned to the client
// exactly once; only its SHA-256 hash is stored.
type Session struct {
	ID           uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID       uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	TokenHash    string     `json:"-" gorm:"uniqueIndex;size:64"`
	IPAddress    string     `json:"ip_address"`
	UserAgent    string     `json:"user_agent"`
	IsActive     bool       `json:"is_active" gorm:"default:true"`
	RequestCount int64      `json:"request_count"`
	RotatedFrom  *uuid.UUID `json:"rotated_from,omitempty" gorm:"type:uuid"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewToken generates a fresh session token and its storable hash.
func NewToken() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate session token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// HashToken maps a raw token to the hex digest kept in the database.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
