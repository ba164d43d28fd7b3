package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/store"
)

var errConnClosed = errors.New("connection closed")

// fakeConn records every payload it is sent.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.frames = append(c.frames, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) events(t *testing.T) []Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, 0, len(c.frames))
	for _, frame := range c.frames {
		var ev Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func eventsOfType(events []Event, typ string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// memIdentities accepts username/password pairs.
type memIdentities struct {
	passwords map[string]string
	err       error
}

func (m *memIdentities) VerifyCredentials(_ context.Context, username, secret string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	pw, ok := m.passwords[username]
	return ok && pw == secret, nil
}

// memRooms is an in-memory room store whose membership tests can mutate.
type memRooms struct {
	mu      sync.Mutex
	names   map[uint]string
	members map[uint]map[string]bool
	err     error
	// afterNameLookup runs once, after RoomName has read the name.
	afterNameLookup func()
}

func newMemRooms() *memRooms {
	return &memRooms{names: make(map[uint]string), members: make(map[uint]map[string]bool)}
}

func (m *memRooms) addRoom(id uint, name string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[id] = name
	m.members[id] = make(map[string]bool)
	for _, member := range members {
		m.members[id][member] = true
	}
}

func (m *memRooms) revoke(id uint, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[id], username)
}

func (m *memRooms) remove(id uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.names, id)
	delete(m.members, id)
}

func (m *memRooms) RoomExists(_ context.Context, id uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.names[id]
	return ok, nil
}

func (m *memRooms) RoomName(_ context.Context, id uint) (string, error) {
	m.mu.Lock()
	name, ok := m.names[id]
	hook := m.afterNameLookup
	m.afterNameLookup = nil
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if !ok {
		return "", store.ErrNotFound
	}
	return name, nil
}

func (m *memRooms) IsMember(_ context.Context, id uint, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.members[id][username], nil
}

// memLog is an in-memory message log.
type memLog struct {
	mu   sync.Mutex
	msgs []store.Message
	err  error
}

func (m *memLog) Append(_ context.Context, msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	msg.ID = uint(len(m.msgs) + 1)
	m.msgs = append(m.msgs, *msg)
	return nil
}

func (m *memLog) Recent(_ context.Context, roomID uint, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inRoom []store.Message
	for _, msg := range m.msgs {
		if msg.RoomID == roomID {
			inRoom = append(inRoom, msg)
		}
	}
	if len(inRoom) > limit {
		inRoom = inRoom[len(inRoom)-limit:]
	}
	return inRoom, nil
}

func (m *memLog) all() []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Message(nil), m.msgs...)
}

type fixture struct {
	registry *Registry
	router   *Router
	protocol *Protocol
	ids      *memIdentities
	rooms    *memRooms
	log      *memLog
}

func newFixture() *fixture {
	registry := NewRegistry()
	router := NewRouter(registry)
	ids := &memIdentities{passwords: map[string]string{
		"alice": "pw-alice",
		"bob":   "pw-bob",
		"carol": "pw-carol",
		"dave":  "pw-dave",
	}}
	rooms := newMemRooms()
	rooms.addRoom(7, "general", "alice", "bob", "carol")
	rooms.addRoom(8, "random", "alice", "dave")
	rooms.addRoom(9, "private", "carol")
	log := &memLog{}
	return &fixture{
		registry: registry,
		router:   router,
		protocol: NewProtocol(registry, router, ids, rooms, log, DefaultHistoryLimit),
		ids:      ids,
		rooms:    rooms,
		log:      log,
	}
}

// connect registers a conn and logs it in as username.
func (f *fixture) connect(t *testing.T, username string) *fakeConn {
	t.Helper()
	conn := newFakeConn(username + "-conn")
	f.protocol.Connect(conn)
	require.NoError(t, f.protocol.Login(context.Background(), conn, username, f.ids.passwords[username]))
	return conn
}

// joined connects username and joins roomID, discarding setup frames.
func (f *fixture) joined(t *testing.T, username string, roomID uint) *fakeConn {
	t.Helper()
	conn := f.connect(t, username)
	require.NoError(t, f.protocol.JoinRoom(context.Background(), conn, roomID))
	return conn
}

func (f *fixture) handle(t *testing.T, conn Conn, frame string) error {
	t.Helper()
	return f.protocol.Handle(context.Background(), conn, []byte(frame))
}
