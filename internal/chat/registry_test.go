package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn("c1")

	r.Register(conn)
	require.True(t, r.UpdateSession(conn, Session{Identity: "alice", RoomID: 7}))
	r.Register(conn)

	session, ok := r.SessionOf(conn)
	require.True(t, ok)
	assert.Equal(t, Session{Identity: "alice", RoomID: 7}, session, "re-register must not reset the session")
	assert.Equal(t, 1, r.Count())
}

func TestRegistryUpdateUnknownConn(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn("ghost")

	assert.False(t, r.UpdateSession(conn, Session{Identity: "alice"}))
	_, ok := r.SessionOf(conn)
	assert.False(t, ok, "update must not insert")
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn("c1")
	r.Register(conn)
	require.True(t, r.UpdateSession(conn, Session{Identity: "alice", RoomID: 7}))

	session, ok := r.Unregister(conn)
	require.True(t, ok)
	assert.Equal(t, uint(7), session.RoomID)
	assert.Empty(t, r.SnapshotByRoom(7))

	_, ok = r.Unregister(conn)
	assert.False(t, ok, "second unregister is a no-op")

	anon := newFakeConn("anon")
	r.Register(anon)
	_, ok = r.Unregister(anon)
	assert.True(t, ok, "unauthenticated sessions unregister cleanly")
	assert.Zero(t, r.Count())
}

func TestRegistrySnapshotByRoom(t *testing.T) {
	r := NewRegistry()
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	for _, conn := range []*fakeConn{a, b, c} {
		r.Register(conn)
	}
	r.UpdateSession(a, Session{Identity: "alice", RoomID: 7})
	r.UpdateSession(b, Session{Identity: "bob", RoomID: 7})
	r.UpdateSession(c, Session{Identity: "carol", RoomID: 8})

	snapshot := r.SnapshotByRoom(7)
	assert.ElementsMatch(t, []Conn{a, b}, snapshot)

	r.UpdateSession(b, Session{Identity: "bob", RoomID: 8})
	assert.Len(t, snapshot, 2, "snapshot is not a live view")
	assert.ElementsMatch(t, []Conn{a}, r.SnapshotByRoom(7))
	assert.ElementsMatch(t, []Conn{b, c}, r.SnapshotByRoom(8))
	assert.Equal(t, 2, r.CountInRoom(8))
	assert.False(t, r.InRoom(b, 7))
}

func TestRegistryAuthenticateInheritsRememberedRoom(t *testing.T) {
	r := NewRegistry()
	first := newFakeConn("first")
	r.Register(first)
	_, _, ok := r.Authenticate(first, "alice")
	require.True(t, ok)
	r.UpdateSession(first, Session{Identity: "alice", RoomID: 7})
	r.Remember("alice", 7)
	r.Unregister(first)

	second := newFakeConn("second")
	r.Register(second)
	assert.Equal(t, uint(7), r.ResumeRoom(second, "alice"))
	prev, session, ok := r.Authenticate(second, "alice")
	require.True(t, ok)
	assert.Equal(t, Session{}, prev)
	assert.Equal(t, Session{Identity: "alice", RoomID: 7}, session)
	assert.True(t, r.InRoom(second, 7))

	other := newFakeConn("other")
	r.Register(other)
	_, session, ok = r.Authenticate(other, "bob")
	require.True(t, ok)
	assert.Zero(t, session.RoomID)

	_, _, ok = r.Authenticate(newFakeConn("unregistered"), "alice")
	assert.False(t, ok)
}

func TestRegistryAuthenticateReturnsPreviousSession(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn("a")
	r.Register(conn)
	r.UpdateSession(conn, Session{Identity: "alice", RoomID: 7})

	prev, next, ok := r.Authenticate(conn, "dave")
	require.True(t, ok)
	assert.Equal(t, Session{Identity: "alice", RoomID: 7}, prev)
	assert.Equal(t, Session{Identity: "dave"}, next)
	assert.False(t, r.InRoom(conn, 7))
}

func TestRegistryRememberedRoomExpires(t *testing.T) {
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	r := NewRegistry(WithRememberTTL(time.Hour))
	r.now = func() time.Time { return clock }
	r.lastSweep = clock

	login := func(id string) Conn {
		conn := newFakeConn(id)
		r.Register(conn)
		_, _, ok := r.Authenticate(conn, "alice")
		require.True(t, ok)
		return conn
	}

	first := login("first")
	r.UpdateSession(first, Session{Identity: "alice", RoomID: 7})
	r.Remember("alice", 7)

	clock = clock.Add(3 * time.Hour)
	room, ok := r.RememberedRoom("alice")
	require.True(t, ok, "a connected identity never expires")
	assert.Equal(t, uint(7), room)

	r.Unregister(first)
	clock = clock.Add(30 * time.Minute)
	second := login("second")
	session, _ := r.SessionOf(second)
	assert.Equal(t, uint(7), session.RoomID, "reconnecting inside the window restores the room")

	r.Unregister(second)
	clock = clock.Add(2 * time.Hour)
	_, ok = r.RememberedRoom("alice")
	assert.False(t, ok)
	third := login("third")
	session, _ = r.SessionOf(third)
	assert.Zero(t, session.RoomID)
}

func TestRegistrySweepsExpiredRooms(t *testing.T) {
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	r := NewRegistry(WithRememberTTL(time.Hour))
	r.now = func() time.Time { return clock }
	r.lastSweep = clock

	bob := newFakeConn("bob")
	r.Register(bob)
	r.UpdateSession(bob, Session{Identity: "bob", RoomID: 8})
	r.Remember("bob", 8)
	r.Unregister(bob)

	clock = clock.Add(2 * time.Hour)
	other := newFakeConn("other")
	r.Register(other)
	r.Unregister(other)

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Empty(t, r.lastRoom, "expired entries are dropped on the next disconnect")
}

func TestRegistryForgetOnlyMatchingRoom(t *testing.T) {
	r := NewRegistry()
	r.Remember("alice", 8)

	r.Forget("alice", 7)
	room, ok := r.RememberedRoom("alice")
	require.True(t, ok)
	assert.Equal(t, uint(8), room)

	r.Forget("alice", 8)
	_, ok = r.RememberedRoom("alice")
	assert.False(t, ok)
}

func TestRegistryClearRoom(t *testing.T) {
	r := NewRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")
	r.Register(a)
	r.Register(b)
	r.UpdateSession(a, Session{Identity: "alice", RoomID: 7})
	r.UpdateSession(b, Session{Identity: "bob", RoomID: 8})
	r.Remember("alice", 7)
	r.Remember("bob", 8)

	moved := r.ClearRoom(7)
	assert.ElementsMatch(t, []Conn{a}, moved)

	session, _ := r.SessionOf(a)
	assert.Equal(t, StateAuthenticated, session.State())
	_, ok := r.RememberedRoom("alice")
	assert.False(t, ok)
	_, ok = r.RememberedRoom("bob")
	assert.True(t, ok)
}

func TestSessionState(t *testing.T) {
	assert.Equal(t, StateUnauthenticated, Session{}.State())
	assert.Equal(t, StateAuthenticated, Session{Identity: "alice"}.State())
	assert.Equal(t, StateRoomJoined, Session{Identity: "alice", RoomID: 7}.State())
	assert.Equal(t, "room-joined", StateRoomJoined.String())
}
