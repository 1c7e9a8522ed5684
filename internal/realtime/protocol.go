// Package realtime guards the websocket channel: every inbound event passes
// the authentication gate, a per-connection flood throttle and the per-user
// event quotas before its handler runs.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/breakroom/gatekeeper/pkg/guard"
)

// Envelope is the wire frame. Every message in either direction is one JSON
// object carrying the event name and an event-specific payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client-to-server events.
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventChatMessage  = "chat_message"
)

// Server-to-client events.
const (
	EventWelcome       = "welcome"
	EventAuthenticated = "authenticated"
	EventRoomJoined    = "room_joined"
	EventRoomLeft      = "room_left"
	EventError         = "error"
)

// Error codes carried in error frames.
const (
	CodeAuthRequired = "AUTH_REQUIRED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeRateLimited  = "RATE_LIMITED"
	CodeForbidden    = "FORBIDDEN"
	CodeRoomFull     = "ROOM_FULL"
	CodeValidation   = "VALIDATION"
	CodeServerError  = "SERVER_ERROR"
	CodeIdleTimeout  = "IDLE_TIMEOUT"
)

type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type ChatPayload struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

type ChatBroadcast struct {
	Room   string    `json:"room"`
	UserID string    `json:"userId"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

type WelcomePayload struct {
	ConnID     string    `json:"connId"`
	ServerTime time.Time `json:"serverTime"`
}

type AuthenticatedPayload struct {
	UserID       string `json:"userId"`
	PersonalRoom string `json:"personalRoom"`
}

// marshalFrame encodes one outbound envelope.
func marshalFrame(event string, payload interface{}) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if payload != nil {
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// errorPayloadFrom translates a guard error into the wire representation.
func errorPayloadFrom(err error) ErrorPayload {
	ge := guard.AsError(err)
	p := ErrorPayload{Message: ge.Message}
	switch ge.Kind {
	case guard.KindUnauthenticated:
		p.Code = CodeAuthRequired
	case guard.KindInvalidSession, guard.KindSessionExpired:
		p.Code = CodeInvalidToken
	case guard.KindRateLimited:
		p.Code = CodeRateLimited
		p.RetryAfterSeconds = retrySeconds(ge.RetryAfter)
	case guard.KindForbidden:
		p.Code = CodeForbidden
	default:
		p.Code = CodeServerError
	}
	return p
}

// retrySeconds rounds a retry hint up to whole seconds for the wire.
func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
