// Package chat holds the connection/session/room core of the chat service:
// the Registry of live connections, the Router that fans room events out to
// them, and the Protocol state machine that drives each connection through
// login, join, leave and post.
package chat

import (
	"sync"
	"time"
)

// Conn is one live bidirectional transport stream. Send must not block; it
// returns an error when the payload cannot be queued.
type Conn interface {
	ID() string
	Send(payload []byte) error
}

// State is the protocol stage of a session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateRoomJoined
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateRoomJoined:
		return "room-joined"
	default:
		return "unauthenticated"
	}
}

// Session is the per-connection identity and current room. The zero value
// is an unauthenticated session outside any room.
type Session struct {
	Identity string
	RoomID   uint
}

// State derives the protocol stage from the session fields.
func (s Session) State() State {
	switch {
	case s.Identity == "":
		return StateUnauthenticated
	case s.RoomID == 0:
		return StateAuthenticated
	default:
		return StateRoomJoined
	}
}

// Registry maps live connections to their sessions. It is the authority on
// who is reachable right now. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Conn]Session
	rooms    map[uint]map[Conn]struct{}
	// lastRoom remembers the room each identity was last joined to. It
	// survives the connection so a reconnect can restore room context, and
	// is cleared by an explicit leave or once the identity has been gone
	// for longer than rememberTTL.
	lastRoom    map[string]rememberedRoom
	rememberTTL time.Duration
	lastSweep   time.Time
	now         func() time.Time
}

type rememberedRoom struct {
	roomID uint
	// idleSince is zero while the identity has a live session.
	idleSince time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRememberTTL expires a remembered room once its identity has had no
// live connection for ttl. A non-positive ttl keeps rooms until a leave.
func WithRememberTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.rememberTTL = ttl
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[Conn]Session),
		rooms:    make(map[uint]map[Conn]struct{}),
		lastRoom: make(map[string]rememberedRoom),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastSweep = r.now()
	return r
}

// Register adds conn with an empty session. Registering twice is a no-op.
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[conn]; ok {
		return
	}
	r.sessions[conn] = Session{}
}

// UpdateSession replaces the session of a registered conn. It reports false
// and changes nothing when conn is no longer registered.
func (r *Registry) UpdateSession(conn Conn, session Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setLocked(conn, session)
}

// SessionOf returns the session of conn.
func (r *Registry) SessionOf(conn Conn) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[conn]
	return session, ok
}

// Unregister removes conn and returns the session it had. It is safe to call
// for never-authenticated connections and more than once.
func (r *Registry) Unregister(conn Conn) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[conn]
	if !ok {
		return Session{}, false
	}
	r.unindexLocked(conn, session.RoomID)
	delete(r.sessions, conn)

	now := r.now()
	if remembered, ok := r.lastRoom[session.Identity]; ok && !r.hasSessionLocked(session.Identity) {
		remembered.idleSince = now
		r.lastRoom[session.Identity] = remembered
	}
	if r.rememberTTL > 0 && now.Sub(r.lastSweep) >= r.rememberTTL {
		r.sweepLocked(now)
	}
	return session, true
}

// SnapshotByRoom returns the connections whose session is in roomID at call
// time. The slice is a copy; later registry changes do not affect it.
func (r *Registry) SnapshotByRoom(roomID uint) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	conns := make([]Conn, 0, len(members))
	for conn := range members {
		conns = append(conns, conn)
	}
	return conns
}

// InRoom reports whether conn is registered and currently in roomID.
func (r *Registry) InRoom(conn Conn, roomID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][conn]
	return ok
}

// Authenticate sets identity on conn and resolves the room the new session
// starts in, as one atomic step. A conn re-authenticating as the same
// identity keeps its room; otherwise the identity's remembered room is
// inherited. It returns the previous and the new session, and reports false
// when conn is no longer registered.
func (r *Registry) Authenticate(conn Conn, identity string) (prev, next Session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok = r.sessions[conn]
	if !ok {
		return Session{}, Session{}, false
	}

	next = Session{Identity: identity, RoomID: r.resumeRoomLocked(prev, identity)}
	r.setLocked(conn, next)
	r.markActiveLocked(identity)
	return prev, next, true
}

// ResumeRoom returns the room conn would start in if it authenticated as
// identity now. A later Authenticate may still resolve differently.
func (r *Registry) ResumeRoom(conn Conn, identity string) uint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resumeRoomLocked(r.sessions[conn], identity)
}

func (r *Registry) resumeRoomLocked(current Session, identity string) uint {
	if current.Identity == identity && current.RoomID != 0 {
		return current.RoomID
	}
	if room, ok := r.rememberedLocked(identity); ok {
		return room
	}
	return 0
}

// Remember records roomID as the room identity is joined to.
func (r *Registry) Remember(identity string, roomID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRoom[identity] = rememberedRoom{roomID: roomID}
}

// Forget clears the remembered room of identity if it is still roomID.
func (r *Registry) Forget(identity string, roomID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if remembered, ok := r.lastRoom[identity]; ok && remembered.roomID == roomID {
		delete(r.lastRoom, identity)
	}
}

// RememberedRoom returns the room identity would inherit on login.
func (r *Registry) RememberedRoom(identity string) (uint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rememberedLocked(identity)
}

func (r *Registry) rememberedLocked(identity string) (uint, bool) {
	remembered, ok := r.lastRoom[identity]
	if !ok || r.expired(remembered, r.now()) {
		return 0, false
	}
	return remembered.roomID, true
}

func (r *Registry) expired(remembered rememberedRoom, now time.Time) bool {
	return r.rememberTTL > 0 && !remembered.idleSince.IsZero() && now.Sub(remembered.idleSince) >= r.rememberTTL
}

// markActiveLocked clears the idle mark of identity's remembered room, or
// drops the entry if it already expired.
func (r *Registry) markActiveLocked(identity string) {
	remembered, ok := r.lastRoom[identity]
	if !ok {
		return
	}
	if r.expired(remembered, r.now()) {
		delete(r.lastRoom, identity)
		return
	}
	remembered.idleSince = time.Time{}
	r.lastRoom[identity] = remembered
}

func (r *Registry) hasSessionLocked(identity string) bool {
	if identity == "" {
		return false
	}
	for _, session := range r.sessions {
		if session.Identity == identity {
			return true
		}
	}
	return false
}

func (r *Registry) sweepLocked(now time.Time) {
	for identity, remembered := range r.lastRoom {
		if r.expired(remembered, now) {
			delete(r.lastRoom, identity)
		}
	}
	r.lastSweep = now
}

// ClearRoom moves every session in roomID out of the room and drops the
// room from remembered rooms. It returns the connections that were moved.
func (r *Registry) ClearRoom(roomID uint) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]Conn, 0, len(r.rooms[roomID]))
	for conn := range r.rooms[roomID] {
		session := r.sessions[conn]
		session.RoomID = 0
		r.sessions[conn] = session
		conns = append(conns, conn)
	}
	delete(r.rooms, roomID)

	for identity, remembered := range r.lastRoom {
		if remembered.roomID == roomID {
			delete(r.lastRoom, identity)
		}
	}
	return conns
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountInRoom returns the number of connections currently in roomID.
func (r *Registry) CountInRoom(roomID uint) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

func (r *Registry) setLocked(conn Conn, session Session) bool {
	current, ok := r.sessions[conn]
	if !ok {
		return false
	}
	if current.RoomID != session.RoomID {
		r.unindexLocked(conn, current.RoomID)
		if session.RoomID != 0 {
			members, ok := r.rooms[session.RoomID]
			if !ok {
				members = make(map[Conn]struct{})
				r.rooms[session.RoomID] = members
			}
			members[conn] = struct{}{}
		}
	}
	r.sessions[conn] = session
	return true
}

func (r *Registry) unindexLocked(conn Conn, roomID uint) {
	if roomID == 0 {
		return
	}
	members := r.rooms[roomID]
	delete(members, conn)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}
