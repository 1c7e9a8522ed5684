package realtime

import (
	"errors"
	"sync"
)

var (
	ErrRoomFull      = errors.New("room is full")
	ErrAlreadyInRoom = errors.New("already in room")
)

// Registry is the authoritative index of live connections, their users and
// their rooms. The hub mutates it from connection goroutines; everything is
// guarded by one RWMutex since membership churn is rare next to fan-out
// reads.
type Registry struct {
	mu sync.RWMutex
	// conns indexes by connection ID.
	conns map[string]*Conn
	// users indexes authenticated connections by user ID. One user may
	// hold several connections.
	users map[string]map[string]*Conn
	// rooms indexes room members by connection ID.
	rooms map[string]map[string]*Conn
	// capacity caps members per room; zero means unlimited.
	capacity int
}

func NewRegistry(roomCapacity int) *Registry {
	return &Registry{
		conns:    make(map[string]*Conn),
		users:    make(map[string]map[string]*Conn),
		rooms:    make(map[string]map[string]*Conn),
		capacity: roomCapacity,
	}
}

// Add tracks a freshly upgraded connection.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Remove forgets a connection and scrubs it from every index.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, c.ID)

	if userID := c.UserID(); userID != "" {
		if set, ok := r.users[userID]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(r.users, userID)
			}
		}
	}
	for _, room := range c.Rooms() {
		r.dropFromRoom(c, room)
	}
}

// Authenticate indexes the connection under its user.
func (r *Registry) Authenticate(c *Conn, userID string) {
	c.setUser(userID)

	r.mu.Lock()
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]*Conn)
		r.users[userID] = set
	}
	set[c.ID] = c
	r.mu.Unlock()
}

// Join adds the connection to a room, enforcing the capacity cap and
// rejecting duplicate joins.
func (r *Registry) Join(c *Conn, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		r.rooms[room] = members
	}
	if _, member := members[c.ID]; member {
		return ErrAlreadyInRoom
	}
	if r.capacity > 0 && len(members) >= r.capacity {
		return ErrRoomFull
	}

	members[c.ID] = c
	c.trackJoin(room)
	return nil
}

// Leave removes the connection from a room. It reports whether the
// connection was a member.
func (r *Registry) Leave(c *Conn, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, member := members[c.ID]; !member {
		return false
	}
	r.dropFromRoom(c, room)
	c.trackLeave(room)
	return true
}

// RoomConns snapshots a room's members for fan-out.
func (r *Registry) RoomConns(room string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]*Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// ConnsForUser snapshots every connection a user holds.
func (r *Registry) ConnsForUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.users[userID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// All snapshots every live connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomSize reports a room's member count.
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// dropFromRoom removes without touching the conn's own view. Caller holds the
// write lock.
func (r *Registry) dropFromRoom(c *Conn, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, c.ID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}
