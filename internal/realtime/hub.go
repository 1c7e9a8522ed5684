package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/breakroom/gatekeeper/internal/events"
	"github.com/breakroom/gatekeeper/pkg/guard"
)

// HubConfig carries the connection lifecycle tunables.
type HubConfig struct {
	AuthTimeout     time.Duration
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	FloodRate       float64
	FloodBurst      int
	AllowedOrigins  []string
}

func (c *HubConfig) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		// Must be shorter than PongTimeout or healthy peers get dropped.
		c.PingInterval = (c.PongTimeout * 9) / 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Minute
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4096
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.FloodRate <= 0 {
		c.FloodRate = 20
	}
	if c.FloodBurst <= 0 {
		c.FloodBurst = 40
	}
}

// Handler processes one inbound event on an admitted connection. Returned
// errors are rendered as error frames; handlers that need a custom frame send
// it themselves and return nil.
type Handler func(ctx context.Context, c *Conn, data json.RawMessage) error

// Hub owns the websocket endpoint: it upgrades connections, runs the read and
// write pumps, and routes every inbound event through the channel guard
// before its handler.
type Hub struct {
	cfg      HubConfig
	registry *Registry
	guard    *ChannelGuard
	blocker  *IPBlocker
	pub      events.Publisher
	clock    clockwork.Clock
	logger   *zap.Logger
	upgrader websocket.Upgrader
	handlers map[string]Handler
}

func NewHub(cfg HubConfig, registry *Registry, chGuard *ChannelGuard, blocker *IPBlocker, pub events.Publisher, clock clockwork.Clock, logger *zap.Logger) *Hub {
	cfg.applyDefaults()
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Hub{
		cfg:      cfg,
		registry: registry,
		guard:    chGuard,
		blocker:  blocker,
		pub:      pub,
		clock:    clock,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	h.handlers[EventAuthenticate] = h.handleAuthenticate
	h.handlers[EventJoinRoom] = h.handleJoinRoom
	h.handlers[EventLeaveRoom] = h.handleLeaveRoom
	h.handlers[EventChatMessage] = h.handleChatMessage
	return h
}

// Handle registers an application handler for a custom event. Register before
// serving; the handler table is not guarded against concurrent writes.
func (h *Hub) Handle(event string, handler Handler) {
	h.handlers[event] = handler
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and pumps the connection until the peer goes
// away or the hub terminates it. Blocked IPs are refused before the upgrade.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, clientIP string) {
	if ttl, blocked := h.blocker.Blocked(clientIP); blocked {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(ttl)))
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(guard.Rejection{
			Error:             "ip_blocked",
			Message:           "too many failed authentication attempts",
			RetryAfterSeconds: retrySeconds(ttl),
		})
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("client_ip", clientIP),
			zap.Error(err))
		return
	}

	flood := rate.NewLimiter(rate.Limit(h.cfg.FloodRate), h.cfg.FloodBurst)
	c := newConn(uuid.NewString(), clientIP, ws, h.cfg.SendBuffer, flood)
	c.touch(h.clock.Now())

	h.registry.Add(c)
	connectionsActive.Inc()
	h.logger.Debug("websocket connected",
		zap.String("conn_id", c.ID),
		zap.String("client_ip", clientIP))

	c.Send(EventWelcome, WelcomePayload{ConnID: c.ID, ServerTime: h.clock.Now().UTC()})

	authTimer := time.AfterFunc(h.cfg.AuthTimeout, func() {
		if c.authenticated() {
			return
		}
		h.terminate(c, CodeAuthRequired, "authentication deadline exceeded")
	})

	go h.writePump(c)
	h.readPump(r.Context(), c, authTimer)
}

func (h *Hub) readPump(ctx context.Context, c *Conn, authTimer *time.Timer) {
	defer func() {
		authTimer.Stop()
		h.registry.Remove(c)
		c.close()
		_ = c.ws.Close()
		connectionsActive.Dec()
		h.logger.Debug("websocket disconnected", zap.String("conn_id", c.ID))
	}()

	c.ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error",
					zap.String("conn_id", c.ID),
					zap.Error(err))
			}
			return
		}
		c.touch(h.clock.Now())
		h.dispatch(ctx, c, raw)
	}
}

func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch parses one frame, runs the admission gates, and hands the event to
// its handler. A handler panic closes only the offending frame, not the hub.
func (h *Hub) dispatch(ctx context.Context, c *Conn, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("handler panic",
				zap.String("conn_id", c.ID),
				zap.Any("panic", rec))
			h.sendError(c, CodeServerError, "internal error")
		}
	}()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		h.sendError(c, CodeValidation, "malformed frame")
		return
	}

	handler, known := h.handlers[env.Event]
	label := env.Event
	if !known {
		label = "unknown"
	}

	if err := h.guard.AdmitEvent(ctx, c, env.Event); err != nil {
		eventsTotal.WithLabelValues(label, outcomeRejected).Inc()
		if kind, ok := guard.KindOf(err); ok && kind == guard.KindUnauthenticated {
			// Speaking before authenticate is a protocol violation.
			h.terminate(c, CodeAuthRequired, "authenticate first")
			return
		}
		c.Send(EventError, errorPayloadFrom(err))
		return
	}

	if !known {
		eventsTotal.WithLabelValues(label, outcomeRejected).Inc()
		h.sendError(c, CodeValidation, "unknown event: "+env.Event)
		return
	}

	if err := handler(ctx, c, env.Data); err != nil {
		eventsTotal.WithLabelValues(label, outcomeFailed).Inc()
		c.Send(EventError, errorPayloadFrom(err))
		return
	}
	eventsTotal.WithLabelValues(label, outcomeHandled).Inc()
}

func (h *Hub) handleAuthenticate(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p AuthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(c, CodeValidation, "malformed authenticate payload")
		return nil
	}
	if c.authenticated() {
		h.sendError(c, CodeValidation, "already authenticated")
		return nil
	}

	userID, err := h.guard.Authenticate(ctx, p.Token)
	if err != nil {
		kind, _ := guard.KindOf(err)
		h.publish(events.Event{
			Type:     events.TypeAuthFailure,
			ClientIP: c.IP,
			Route:    "ws",
			Detail:   string(kind),
		})
		if h.blocker.Failure(c.IP) {
			h.publish(events.Event{
				Type:     events.TypeIPBlocked,
				ClientIP: c.IP,
				Detail:   "auth failure threshold",
			})
			h.logger.Warn("ip blocked after repeated auth failures",
				zap.String("client_ip", c.IP))
			h.terminate(c, CodeInvalidToken, "too many failed attempts")
			return nil
		}
		return err
	}

	h.blocker.Success(c.IP)
	h.registry.Authenticate(c, userID)
	if err := h.registry.Join(c, PersonalRoom(userID)); err != nil && !errors.Is(err, ErrAlreadyInRoom) {
		h.logger.Warn("personal room join failed",
			zap.String("conn_id", c.ID),
			zap.Error(err))
	}

	c.Send(EventAuthenticated, AuthenticatedPayload{
		UserID:       userID,
		PersonalRoom: PersonalRoom(userID),
	})
	return nil
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p RoomPayload
	if err := json.Unmarshal(data, &p); err != nil || !ValidRoomName(p.Room) {
		h.sendError(c, CodeValidation, "invalid room name")
		return nil
	}

	if err := h.guard.AuthorizeRoom(ctx, c.UserID(), p.Room); err != nil {
		return err
	}

	switch err := h.registry.Join(c, p.Room); {
	case errors.Is(err, ErrRoomFull):
		h.sendError(c, CodeRoomFull, "room at capacity")
	case errors.Is(err, ErrAlreadyInRoom):
		h.sendError(c, CodeValidation, "already in room")
	case err != nil:
		return err
	default:
		c.Send(EventRoomJoined, RoomPayload{Room: p.Room})
	}
	return nil
}

func (h *Hub) handleLeaveRoom(_ context.Context, c *Conn, data json.RawMessage) error {
	var p RoomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Room == "" {
		h.sendError(c, CodeValidation, "invalid room name")
		return nil
	}
	if !h.registry.Leave(c, p.Room) {
		h.sendError(c, CodeValidation, "not in room")
		return nil
	}
	c.Send(EventRoomLeft, RoomPayload{Room: p.Room})
	return nil
}

func (h *Hub) handleChatMessage(_ context.Context, c *Conn, data json.RawMessage) error {
	var p ChatPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Room == "" {
		h.sendError(c, CodeValidation, "malformed chat payload")
		return nil
	}
	if !c.InRoom(p.Room) {
		return guard.New(guard.KindForbidden, "join the room first")
	}

	text := h.guard.SanitizeText(p.Text)
	if text == "" {
		h.sendError(c, CodeValidation, "empty message")
		return nil
	}

	h.BroadcastRoom(p.Room, EventChatMessage, ChatBroadcast{
		Room:   p.Room,
		UserID: c.UserID(),
		Text:   text,
		SentAt: h.clock.Now().UTC(),
	})
	return nil
}

func (h *Hub) sendError(c *Conn, code, message string) {
	c.Send(EventError, ErrorPayload{Code: code, Message: message})
}

// terminate tells the peer why it is being dropped and closes the send
// channel; the write pump flushes the error frame and then the close frame.
func (h *Hub) terminate(c *Conn, code, message string) {
	c.Send(EventError, ErrorPayload{Code: code, Message: message})
	h.publish(events.Event{
		Type:     events.TypeConnectionTerminated,
		UserID:   c.UserID(),
		ClientIP: c.IP,
		Detail:   code,
	})
	terminationsTotal.WithLabelValues(code).Inc()
	c.close()
}

// CloseIdle drops connections with no inbound frame inside the idle window.
// Pings keep the transport alive indefinitely, so a janitor sweep has to
// reclaim sockets whose peers went quiet. Returns how many were closed.
func (h *Hub) CloseIdle() int {
	cutoff := h.clock.Now().Add(-h.cfg.IdleTimeout)
	closed := 0
	for _, c := range h.registry.All() {
		if c.lastActivity().Before(cutoff) {
			h.terminate(c, CodeIdleTimeout, "idle timeout")
			closed++
		}
	}
	if closed > 0 {
		h.logger.Info("idle connections closed", zap.Int("count", closed))
	}
	return closed
}

// DisconnectUser drops every connection the user holds. Session invalidation
// calls this so a revoked token cannot keep a live socket.
func (h *Hub) DisconnectUser(userID, reason string) int {
	conns := h.registry.ConnsForUser(userID)
	for _, c := range conns {
		h.terminate(c, CodeInvalidToken, reason)
	}
	return len(conns)
}

// BroadcastRoom fans a frame out to every connection in the room. Slow
// consumers are skipped, not waited on. Returns the number of deliveries.
func (h *Hub) BroadcastRoom(room, event string, payload interface{}) int {
	frame, err := marshalFrame(event, payload)
	if err != nil {
		h.logger.Error("broadcast marshal failed", zap.String("event", event), zap.Error(err))
		return 0
	}
	sent := 0
	for _, c := range h.registry.RoomConns(room) {
		if c.enqueue(frame) {
			sent++
		} else {
			framesDropped.Inc()
		}
	}
	return sent
}

// Broadcast fans a frame out to every open connection.
func (h *Hub) Broadcast(event string, payload interface{}) int {
	frame, err := marshalFrame(event, payload)
	if err != nil {
		h.logger.Error("broadcast marshal failed", zap.String("event", event), zap.Error(err))
		return 0
	}
	sent := 0
	for _, c := range h.registry.All() {
		if c.enqueue(frame) {
			sent++
		} else {
			framesDropped.Inc()
		}
	}
	return sent
}

func (h *Hub) publish(e events.Event) {
	if err := h.pub.Publish(context.Background(), e); err != nil {
		h.logger.Warn("security event publish failed",
			zap.String("type", string(e.Type)),
			zap.Error(err))
	}
}

