package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Conn is one tracked websocket connection. The zero value is not usable;
// connections are created by the hub during the upgrade.
type Conn struct {
	ID string
	IP string

	ws   *websocket.Conn
	send chan []byte
	// flood is the per-connection token bucket checked before any event
	// reaches a handler.
	flood *rate.Limiter

	// lastSeen holds the unix nanos of the last inbound frame; the idle
	// janitor reads it without taking the connection lock.
	lastSeen atomic.Int64

	mu     sync.RWMutex
	userID string
	rooms  map[string]struct{}

	closeOnce sync.Once
}

func newConn(id, ip string, ws *websocket.Conn, sendBuffer int, flood *rate.Limiter) *Conn {
	return &Conn{
		ID:    id,
		IP:    ip,
		ws:    ws,
		send:  make(chan []byte, sendBuffer),
		flood: flood,
		rooms: make(map[string]struct{}),
	}
}

func (c *Conn) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

func (c *Conn) lastActivity() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// UserID returns the authenticated user, or "" before authentication.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Conn) authenticated() bool { return c.UserID() != "" }

func (c *Conn) setUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Rooms snapshots the rooms this connection has joined.
func (c *Conn) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// InRoom reports membership without allocating.
func (c *Conn) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *Conn) trackJoin(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) trackLeave(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// Send marshals an envelope onto the outbound buffer. A full buffer drops the
// frame and reports false; slow consumers must not stall the hub.
func (c *Conn) Send(event string, payload interface{}) bool {
	frame, err := marshalFrame(event, payload)
	if err != nil {
		return false
	}
	return c.enqueue(frame)
}

func (c *Conn) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close shuts the outbound channel exactly once; the write pump answers with
// a close frame and tears down the socket.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
