package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/breakroom/gatekeeper/internal/ratelimit"
	"github.com/breakroom/gatekeeper/pkg/guard"
)

// maxChatRunes caps chat text after sanitisation.
const maxChatRunes = 500

var roomNameRe = regexp.MustCompile(`^[a-zA-Z0-9:_-]{1,64}$`)

// ValidRoomName reports whether a client-supplied room name is acceptable.
func ValidRoomName(room string) bool { return roomNameRe.MatchString(room) }

// RoomAuthorizer decides whether a user may join a room.
type RoomAuthorizer interface {
	AuthorizeRoom(ctx context.Context, userID, room string) error
}

// RoomAuthorizerFunc adapts a function to the RoomAuthorizer interface.
type RoomAuthorizerFunc func(ctx context.Context, userID, room string) error

func (f RoomAuthorizerFunc) AuthorizeRoom(ctx context.Context, userID, room string) error {
	return f(ctx, userID, room)
}

// DefaultRoomPolicy keeps personal rooms private to their owner and leaves
// every other room open.
func DefaultRoomPolicy() RoomAuthorizer {
	return RoomAuthorizerFunc(func(_ context.Context, userID, room string) error {
		if owner, ok := strings.CutPrefix(room, "user:"); ok && owner != userID {
			return guard.New(guard.KindForbidden, "room is private")
		}
		return nil
	})
}

// PersonalRoom names the room every authenticated connection joins
// automatically.
func PersonalRoom(userID string) string { return "user:" + userID }

// GuardConfig carries the channel guard's tunables.
type GuardConfig struct {
	// TokenSecret verifies the HS256 tokens presented on authenticate.
	TokenSecret []byte
	// EventPolicy is the fallback quota policy for inbound events. An
	// event-specific policy named "realtime.<event>" takes precedence.
	EventPolicy string
}

// ChannelGuard runs the admission gates for inbound realtime events.
type ChannelGuard struct {
	limiter     *ratelimit.Limiter
	policies    *ratelimit.Policies
	secret      []byte
	eventPolicy string
	authorizer  RoomAuthorizer
	sanitizer   *bluemonday.Policy
	clock       clockwork.Clock
	logger      *zap.Logger
}

func NewChannelGuard(limiter *ratelimit.Limiter, policies *ratelimit.Policies, cfg GuardConfig, authorizer RoomAuthorizer, clock clockwork.Clock, logger *zap.Logger) *ChannelGuard {
	if authorizer == nil {
		authorizer = DefaultRoomPolicy()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventPolicy == "" {
		cfg.EventPolicy = "realtime"
	}
	return &ChannelGuard{
		limiter:     limiter,
		policies:    policies,
		secret:      cfg.TokenSecret,
		eventPolicy: cfg.EventPolicy,
		authorizer:  authorizer,
		sanitizer:   bluemonday.StrictPolicy(),
		clock:       clock,
		logger:      logger,
	}
}

// SignToken mints an HS256 realtime token for userID. The HTTP login flow
// hands these out so browser clients can pass the authenticate gate.
func SignToken(secret []byte, userID string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign realtime token: %w", err)
	}
	return token, nil
}

// Authenticate verifies an authenticate-event token and returns the user ID.
func (g *ChannelGuard) Authenticate(ctx context.Context, tokenString string) (string, error) {
	if tokenString == "" {
		return "", guard.New(guard.KindUnauthenticated, "token required")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.clock.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", guard.Wrap(guard.KindSessionExpired, "realtime token expired", err)
		}
		return "", guard.Wrap(guard.KindInvalidSession, "invalid realtime token", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", guard.New(guard.KindInvalidSession, "invalid realtime token")
	}
	return claims.Subject, nil
}

// AdmitEvent runs the per-event gates in order: authentication, the
// connection flood throttle, then the per-user event quota.
func (g *ChannelGuard) AdmitEvent(ctx context.Context, c *Conn, event string) error {
	if !c.authenticated() && event != EventAuthenticate {
		return guard.New(guard.KindUnauthenticated, "authenticate first")
	}

	if res := c.flood.Reserve(); !res.OK() {
		return guard.RateLimited(time.Second)
	} else if d := res.Delay(); d > 0 {
		res.Cancel()
		return guard.RateLimited(d)
	}

	if !c.authenticated() {
		return nil
	}

	pol := g.policyFor(event)
	key := ratelimit.EventKey(pol.Name, c.UserID(), event)
	res, err := g.limiter.Check(ctx, key, pol)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return guard.RateLimited(res.RetryAfter)
	}
	return nil
}

// AuthorizeRoom applies the room policy. Non-guard errors from custom
// authorizers surface as forbidden.
func (g *ChannelGuard) AuthorizeRoom(ctx context.Context, userID, room string) error {
	err := g.authorizer.AuthorizeRoom(ctx, userID, room)
	if err == nil {
		return nil
	}
	if _, ok := guard.KindOf(err); ok {
		return err
	}
	return guard.Wrap(guard.KindForbidden, "room access denied", err)
}

// SanitizeText strips markup from chat text and bounds its length.
func (g *ChannelGuard) SanitizeText(text string) string {
	text = strings.TrimSpace(g.sanitizer.Sanitize(text))
	if utf8.RuneCountInString(text) <= maxChatRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxChatRunes])
}

func (g *ChannelGuard) policyFor(event string) ratelimit.Policy {
	if pol, ok := g.policies.Get("realtime." + event); ok {
		return pol
	}
	return g.policies.GetOrDefault(g.eventPolicy)
}
