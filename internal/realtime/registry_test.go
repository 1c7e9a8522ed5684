package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testConn(id string) *Conn {
	return newConn(id, "127.0.0.1", nil, 8, rate.NewLimiter(rate.Inf, 1))
}

func TestRegistryJoinEnforcesCapacity(t *testing.T) {
	r := NewRegistry(2)
	a, b, c := testConn("a"), testConn("b"), testConn("c")
	for _, cn := range []*Conn{a, b, c} {
		r.Add(cn)
	}

	require.NoError(t, r.Join(a, "lobby"))
	require.NoError(t, r.Join(b, "lobby"))
	require.ErrorIs(t, r.Join(c, "lobby"), ErrRoomFull)

	assert.Equal(t, 2, r.RoomSize("lobby"))
	assert.False(t, c.InRoom("lobby"))
}

func TestRegistryJoinRejectsDuplicates(t *testing.T) {
	// Capacity one: the duplicate check must win over the capacity check so
	// a member rejoining its own room never sees room-full.
	r := NewRegistry(1)
	a := testConn("a")
	r.Add(a)

	require.NoError(t, r.Join(a, "lobby"))
	require.ErrorIs(t, r.Join(a, "lobby"), ErrAlreadyInRoom)
	assert.Equal(t, 1, r.RoomSize("lobby"))
}

func TestRegistryRemoveScrubsAllIndexes(t *testing.T) {
	r := NewRegistry(0)
	a := testConn("a")
	r.Add(a)
	r.Authenticate(a, "u1")
	require.NoError(t, r.Join(a, "lobby"))
	require.NoError(t, r.Join(a, "user:u1"))

	r.Remove(a)

	assert.Zero(t, r.Len())
	assert.Empty(t, r.ConnsForUser("u1"))
	assert.Zero(t, r.RoomSize("lobby"))
	assert.Zero(t, r.RoomSize("user:u1"))
}

func TestRegistryTracksMultipleConnsPerUser(t *testing.T) {
	r := NewRegistry(0)
	a, b := testConn("a"), testConn("b")
	r.Add(a)
	r.Add(b)
	r.Authenticate(a, "u1")
	r.Authenticate(b, "u1")

	assert.Len(t, r.ConnsForUser("u1"), 2)

	r.Remove(a)
	conns := r.ConnsForUser("u1")
	require.Len(t, conns, 1)
	assert.Equal(t, "b", conns[0].ID)
}

func TestRegistryLeave(t *testing.T) {
	r := NewRegistry(0)
	a := testConn("a")
	r.Add(a)

	assert.False(t, r.Leave(a, "lobby"), "leaving a room never joined")

	require.NoError(t, r.Join(a, "lobby"))
	assert.True(t, r.Leave(a, "lobby"))
	assert.Zero(t, r.RoomSize("lobby"))
	assert.False(t, a.InRoom("lobby"))
}

func TestRegistrySnapshotsAreCopies(t *testing.T) {
	r := NewRegistry(0)
	a := testConn("a")
	r.Add(a)
	require.NoError(t, r.Join(a, "lobby"))

	snapshot := r.RoomConns("lobby")
	r.Remove(a)

	// The earlier snapshot must be unaffected by membership churn.
	assert.Len(t, snapshot, 1)
	assert.Empty(t, r.RoomConns("lobby"))
}
