package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store persists sessions in the relational database.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  clockwork.Clock
}

func NewStore(db *gorm.DB, logger *zap.Logger, clock clockwork.Clock) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := db.AutoMigrate(&Session{}); err != nil {
		return nil, fmt.Errorf("migrate sessions: %w", err)
	}
	return &Store{db: db, logger: logger, clock: clock}, nil
}

// Create issues a new session for userID and returns it with the raw token.
// The token cannot be recovered later.
func (s *Store) Create(ctx context.Context, userID uuid.UUID, ip, userAgent string, ttl time.Duration) (*Session, string, error) {
	raw, hash, err := NewToken()
	if err != nil {
		return nil, "", err
	}

	now := s.clock.Now()
	sess := &Session{
		ID:         uuid.New(),
		UserID:     userID,
		TokenHash:  hash,
		IPAddress:  ip,
		UserAgent:  userAgent,
		IsActive:   true,
		LastSeenAt: now,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}

	s.logger.Info("session created",
		zap.String("user_id", userID.String()),
		zap.String("session_id", sess.ID.String()))
	return sess, raw, nil
}

// FindByToken resolves a raw token to its session row, active or not. The
// caller decides how an inactive or expired row maps to a client error.
func (s *Store) FindByToken(ctx context.Context, raw string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).Where("token_hash = ?", HashToken(raw)).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &sess, nil
}

// Touch counts one served request against the session. The conditional write
// keeps the count accurate under concurrency and refuses sessions that were
// deactivated since they were read.
func (s *Store) Touch(ctx context.Context, id uuid.UUID) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"request_count": gorm.Expr("request_count + 1"),
			"last_seen_at":  now,
			"updated_at":    now,
		})
	if result.Error != nil {
		return fmt.Errorf("touch session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRotationLost
	}
	return nil
}

// Rotate retires old and issues its replacement in one transaction. Exactly
// one of any number of concurrent callers wins; the rest get ErrRotationLost.
// The new session starts with the triggering request already counted.
func (s *Store) Rotate(ctx context.Context, old *Session, ttl time.Duration) (*Session, string, error) {
	raw, hash, err := NewToken()
	if err != nil {
		return nil, "", err
	}

	now := s.clock.Now()
	next := &Session{
		ID:           uuid.New(),
		UserID:       old.UserID,
		TokenHash:    hash,
		IPAddress:    old.IPAddress,
		UserAgent:    old.UserAgent,
		IsActive:     true,
		RequestCount: 1,
		RotatedFrom:  &old.ID,
		LastSeenAt:   now,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Session{}).
			Where("id = ? AND is_active = ?", old.ID, true).
			Updates(map[string]interface{}{
				"is_active":  false,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRotationLost
		}
		return tx.Create(next).Error
	})
	if errors.Is(err, ErrRotationLost) {
		return nil, "", ErrRotationLost
	}
	if err != nil {
		return nil, "", fmt.Errorf("rotate session: %w", err)
	}

	s.logger.Info("session rotated",
		zap.String("user_id", old.UserID.String()),
		zap.String("old_session_id", old.ID.String()),
		zap.String("new_session_id", next.ID.String()),
		zap.Int64("request_count", old.RequestCount))
	return next, raw, nil
}

// Invalidate deactivates a single session.
func (s *Store) Invalidate(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": s.clock.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("invalidate session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("session invalidated", zap.String("session_id", id.String()))
	return nil
}

// InvalidateOwned deactivates a session only when it belongs to userID, so a
// caller cannot revoke another user's credential by guessing IDs. A foreign or
// unknown ID reports ErrNotFound either way.
func (s *Store) InvalidateOwned(ctx context.Context, id, userID uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND user_id = ? AND is_active = ?", id, userID, true).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": s.clock.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("invalidate session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("session invalidated",
		zap.String("session_id", id.String()),
		zap.String("user_id", userID.String()))
	return nil
}

// InvalidateAllForUser deactivates every session a user holds and reports how
// many were live.
func (s *Store) InvalidateAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Session{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": s.clock.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("invalidate sessions: %w", result.Error)
	}

	s.logger.Info("all sessions invalidated",
		zap.String("user_id", userID.String()),
		zap.Int64("sessions_count", result.RowsAffected))
	return result.RowsAffected, nil
}

// ActiveSessions lists a user's live sessions, newest first.
func (s *Store) ActiveSessions(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	var sessions []*Session
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND expires_at > ?", userID, true, s.clock.Now()).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// CleanupExpired deletes rows that expired, plus inactive rows older than a
// week. Rotated-away rows stay around for that grace period so audit trails
// can follow the RotatedFrom chain.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Where("expires_at < ? OR (is_active = ? AND updated_at < ?)", now, false, now.Add(-7*24*time.Hour)).
		Delete(&Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.logger.Info("expired sessions cleaned up", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
