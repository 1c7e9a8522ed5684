package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/breakroom/gatekeeper/internal/events"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) byType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testHub(t *testing.T, clock clockwork.Clock, cfg HubConfig, blocker *IPBlocker, pub events.Publisher) (*Hub, *Registry) {
	t.Helper()
	if blocker == nil {
		blocker = NewIPBlocker(clock, 5, time.Minute)
	}
	registry := NewRegistry(0)
	g := testChannelGuard(t, clock, quotaPolicies(100))
	return NewHub(cfg, registry, g, blocker, pub, clock, zap.NewNop()), registry
}

// recvFrame pulls one buffered outbound frame. Dispatch tests run without a
// write pump, so frames queue on the send channel.
func recvFrame(t *testing.T, c *Conn) (Envelope, bool) {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		if !ok {
			return Envelope{}, false
		}
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env, true
	case <-time.After(time.Second):
		t.Fatal("no frame within deadline")
		return Envelope{}, false
	}
}

func errorFrom(t *testing.T, env Envelope) ErrorPayload {
	t.Helper()
	require.Equal(t, EventError, env.Event)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

func frameFor(t *testing.T, event string, payload interface{}) []byte {
	t.Helper()
	frame, err := marshalFrame(event, payload)
	require.NoError(t, err)
	return frame
}

func TestDispatchTerminatesUnauthenticatedEvent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &capturePublisher{}
	h, registry := testHub(t, clock, HubConfig{}, nil, pub)

	c := testConn("a")
	registry.Add(c)

	h.dispatch(context.Background(), c, frameFor(t, EventChatMessage, ChatPayload{Room: "lobby", Text: "hi"}))

	env, ok := recvFrame(t, c)
	require.True(t, ok)
	assert.Equal(t, CodeAuthRequired, errorFrom(t, env).Code)

	// Termination closes the outbound channel once the error frame drains.
	_, ok = recvFrame(t, c)
	assert.False(t, ok)
	assert.Len(t, pub.byType(events.TypeConnectionTerminated), 1)
}

func TestDispatchIsolatesHandlerPanic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h, registry := testHub(t, clock, HubConfig{}, nil, nil)
	h.Handle("boom", func(context.Context, *Conn, json.RawMessage) error {
		panic("handler bug")
	})

	c := testConn("a")
	c.setUser("u1")
	registry.Add(c)

	h.dispatch(context.Background(), c, frameFor(t, "boom", nil))

	env, ok := recvFrame(t, c)
	require.True(t, ok)
	assert.Equal(t, CodeServerError, errorFrom(t, env).Code)

	// The connection survives the panic and keeps handling events.
	h.dispatch(context.Background(), c, frameFor(t, EventLeaveRoom, RoomPayload{Room: "lobby"}))
	env, ok = recvFrame(t, c)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, errorFrom(t, env).Code)
}

func TestDispatchRejectsMalformedFrame(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h, registry := testHub(t, clock, HubConfig{}, nil, nil)

	c := testConn("a")
	c.setUser("u1")
	registry.Add(c)

	h.dispatch(context.Background(), c, []byte("{not json"))

	env, ok := recvFrame(t, c)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, errorFrom(t, env).Code)
}

func TestDispatchRejectsUnknownEvent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h, registry := testHub(t, clock, HubConfig{}, nil, nil)

	c := testConn("a")
	c.setUser("u1")
	registry.Add(c)

	h.dispatch(context.Background(), c, frameFor(t, "warp", nil))

	env, ok := recvFrame(t, c)
	require.True(t, ok)
	p := errorFrom(t, env)
	assert.Equal(t, CodeValidation, p.Code)
	assert.Contains(t, p.Message, "warp")
}

func TestDispatchAuthenticateJoinsPersonalRoom(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h, registry := testHub(t, clock, HubConfig{}, nil, nil)

	c := testConn("a")
	registry.Add(c)

	token, err := SignToken(testSecret, "u7", time.Hour, clock.Now())
	require.NoError(t, err)
	h.dispatch(context.Background(), c, frameFor(t, EventAuthenticate, AuthPayload{Token: token}))

	env, ok := recvFrame(t, c)
	require.True(t, ok)
	require.Equal(t, EventAuthenticated, env.Event)
	var p AuthenticatedPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "u7", p.UserID)
	assert.Equal(t, PersonalRoom("u7"), p.PersonalRoom)

	assert.True(t, c.InRoom(PersonalRoom("u7")))
	require.Len(t, registry.ConnsForUser("u7"), 1)
}

func TestDispatchAuthFailuresBlockIP(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &capturePublisher{}
	blocker := NewIPBlocker(clock, 2, time.Minute)
	h, registry := testHub(t, clock, HubConfig{}, blocker, pub)

	c := testConn("a")
	registry.Add(c)

	bad := frameFor(t, EventAuthenticate, AuthPayload{Token: "garbage"})
	h.dispatch(context.Background(), c, bad)
	env, ok := recvFrame(t, c)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidToken, errorFrom(t, env).Code)

	// Second failure crosses the threshold: terminate and block the IP.
	h.dispatch(context.Background(), c, bad)
	env, ok = recvFrame(t, c)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidToken, errorFrom(t, env).Code)
	_, ok = recvFrame(t, c)
	assert.False(t, ok)

	_, blocked := blocker.Blocked("127.0.0.1")
	assert.True(t, blocked)
	assert.Len(t, pub.byType(events.TypeAuthFailure), 2)
	assert.Len(t, pub.byType(events.TypeIPBlocked), 1)
}

func TestCloseIdleDropsQuietConnections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h, registry := testHub(t, clock, HubConfig{IdleTimeout: 10 * time.Minute}, nil, nil)

	stale := testConn("stale")
	stale.touch(clock.Now())
	registry.Add(stale)

	clock.Advance(11 * time.Minute)

	fresh := testConn("fresh")
	fresh.touch(clock.Now())
	registry.Add(fresh)

	assert.Equal(t, 1, h.CloseIdle())

	env, ok := recvFrame(t, stale)
	require.True(t, ok)
	assert.Equal(t, CodeIdleTimeout, errorFrom(t, env).Code)
	_, ok = recvFrame(t, stale)
	assert.False(t, ok)

	// The active connection is untouched.
	assert.True(t, fresh.Send(EventWelcome, nil))
}

func TestDisconnectUserDropsAllUserConnections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h, registry := testHub(t, clock, HubConfig{}, nil, nil)

	a, b, other := testConn("a"), testConn("b"), testConn("other")
	for _, c := range []*Conn{a, b, other} {
		registry.Add(c)
	}
	registry.Authenticate(a, "u1")
	registry.Authenticate(b, "u1")
	registry.Authenticate(other, "u2")

	assert.Equal(t, 2, h.DisconnectUser("u1", "session revoked"))

	for _, c := range []*Conn{a, b} {
		env, ok := recvFrame(t, c)
		require.True(t, ok)
		assert.Equal(t, CodeInvalidToken, errorFrom(t, env).Code)
		_, ok = recvFrame(t, c)
		assert.False(t, ok)
	}
	assert.True(t, other.Send(EventWelcome, nil))
}

func TestBroadcastRoomSkipsSlowConsumers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h, registry := testHub(t, clock, HubConfig{}, nil, nil)

	quick := testConn("quick")
	slow := newConn("slow", "127.0.0.1", nil, 1, nil)
	registry.Add(quick)
	registry.Add(slow)
	require.NoError(t, registry.Join(quick, "lobby"))
	require.NoError(t, registry.Join(slow, "lobby"))

	// Fill the slow consumer's buffer so the next frame has nowhere to go.
	require.True(t, slow.Send(EventWelcome, nil))

	assert.Equal(t, 1, h.BroadcastRoom("lobby", EventChatMessage, ChatBroadcast{Room: "lobby", Text: "hi"}))
}

func wsSend(t *testing.T, ws *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frameFor(t, event, payload)))
}

func wsRecv(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestServeWSRoundTrip(t *testing.T) {
	clock := clockwork.NewRealClock()
	h, _ := testHub(t, clock, HubConfig{}, nil, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "127.0.0.1")
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	env := wsRecv(t, ws)
	require.Equal(t, EventWelcome, env.Event)
	var welcome WelcomePayload
	require.NoError(t, json.Unmarshal(env.Data, &welcome))
	assert.NotEmpty(t, welcome.ConnID)

	token, err := SignToken(testSecret, "u7", time.Hour, clock.Now())
	require.NoError(t, err)
	wsSend(t, ws, EventAuthenticate, AuthPayload{Token: token})
	require.Equal(t, EventAuthenticated, wsRecv(t, ws).Event)

	wsSend(t, ws, EventJoinRoom, RoomPayload{Room: "lobby"})
	require.Equal(t, EventRoomJoined, wsRecv(t, ws).Event)

	wsSend(t, ws, EventChatMessage, ChatPayload{Room: "lobby", Text: "<b>hello</b>"})
	env = wsRecv(t, ws)
	require.Equal(t, EventChatMessage, env.Event)
	var chat ChatBroadcast
	require.NoError(t, json.Unmarshal(env.Data, &chat))
	assert.Equal(t, "u7", chat.UserID)
	assert.Equal(t, "hello", chat.Text)
}

func TestServeWSTerminatesUnauthenticatedSpeaker(t *testing.T) {
	clock := clockwork.NewRealClock()
	h, _ := testHub(t, clock, HubConfig{}, nil, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "127.0.0.1")
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Equal(t, EventWelcome, wsRecv(t, ws).Event)

	wsSend(t, ws, EventChatMessage, ChatPayload{Room: "lobby", Text: "hi"})
	env := wsRecv(t, ws)
	assert.Equal(t, CodeAuthRequired, errorFrom(t, env).Code)

	// The server closes the socket after the error frame.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestServeWSRefusesBlockedIP(t *testing.T) {
	clock := clockwork.NewFakeClock()
	blocker := NewIPBlocker(clock, 1, time.Minute)
	blocker.Failure("127.0.0.1")
	h, _ := testHub(t, clock, HubConfig{}, blocker, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "127.0.0.1")
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
