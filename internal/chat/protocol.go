package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/store"
)

// DefaultHistoryLimit is how many messages are replayed on join.
const DefaultHistoryLimit = 50

// IdentityStore verifies login credentials.
type IdentityStore interface {
	VerifyCredentials(ctx context.Context, username, secret string) (bool, error)
}

// RoomStore answers room and membership questions. It is the authority on
// membership; the protocol never writes to it.
type RoomStore interface {
	RoomExists(ctx context.Context, roomID uint) (bool, error)
	RoomName(ctx context.Context, roomID uint) (string, error)
	IsMember(ctx context.Context, roomID uint, username string) (bool, error)
}

// MessageLog persists and replays room messages.
type MessageLog interface {
	Append(ctx context.Context, msg *store.Message) error
	Recent(ctx context.Context, roomID uint, limit int) ([]store.Message, error)
}

// Protocol is the per-connection session state machine. Each transition
// validates the current session, consults the stores and then re-reads the
// registry, since the connection may have closed while a store call was
// pending.
type Protocol struct {
	registry     *Registry
	router       *Router
	identities   IdentityStore
	rooms        RoomStore
	messages     MessageLog
	historyLimit int
	seq          *sequencer
	now          func() time.Time
}

// NewProtocol wires the state machine to its registry, router and stores.
// A historyLimit <= 0 selects DefaultHistoryLimit.
func NewProtocol(registry *Registry, router *Router, identities IdentityStore, rooms RoomStore, messages MessageLog, historyLimit int) *Protocol {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Protocol{
		registry:     registry,
		router:       router,
		identities:   identities,
		rooms:        rooms,
		messages:     messages,
		historyLimit: historyLimit,
		seq:          newSequencer(),
		now:          time.Now,
	}
}

// Connect registers a freshly opened connection.
func (p *Protocol) Connect(conn Conn) {
	p.registry.Register(conn)
}

// Disconnect unregisters conn and tells its room it is gone.
func (p *Protocol) Disconnect(conn Conn) {
	session, ok := p.registry.Unregister(conn)
	if !ok || session.RoomID == 0 {
		return
	}
	p.announce(session.RoomID, session.Identity+" disconnected", nil)
}

// Handle decodes one inbound frame and runs the matching transition. Any
// failure is reported to conn as an error notice and returned; the
// connection stays open.
func (p *Protocol) Handle(ctx context.Context, conn Conn, raw []byte) error {
	err := p.dispatch(ctx, conn, raw)
	if err == nil || errors.Is(err, errConnectionGone) {
		return err
	}

	entry := logrus.WithError(err).WithField("conn", conn.ID())
	if errors.Is(err, ErrInternal) {
		entry.Error("Chat event failed")
	} else {
		entry.Debug("Chat event rejected")
	}

	if sendErr := p.router.Send(conn, ErrorEvent(NoticeText(err))); sendErr != nil {
		logrus.WithError(sendErr).WithField("conn", conn.ID()).Warn("Could not deliver error notice")
	}
	return err
}

func (p *Protocol) dispatch(ctx context.Context, conn Conn, raw []byte) error {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return protocolErr("Invalid message format")
	}

	switch in.Type {
	case TypeLogin:
		return p.Login(ctx, conn, in.Username, in.Secret)
	case TypeJoinRoom:
		return p.JoinRoom(ctx, conn, uint(in.RoomID))
	case TypeLeaveRoom:
		return p.LeaveRoom(conn)
	case TypeMessage, TypeImage, TypePDF, TypeEmoji:
		return p.PostMessage(ctx, conn, in.post())
	case "":
		return protocolErr("Invalid message format")
	default:
		return protocolErr("Unknown message type: " + in.Type)
	}
}

// Login authenticates conn. It is valid from any state. On success the
// session inherits the identity's remembered room, so a client reconnecting
// after a dropped connection lands back in its room without a new join and
// gets the room's recent history. A conn that switches identity leaves its
// old room.
func (p *Protocol) Login(ctx context.Context, conn Conn, username, secret string) error {
	username = strings.TrimSpace(username)
	if _, ok := p.registry.SessionOf(conn); !ok {
		return errConnectionGone
	}

	ok, err := p.identities.VerifyCredentials(ctx, username, secret)
	if err != nil {
		return fmt.Errorf("%w: verify credentials: %w", ErrInternal, err)
	}
	if !ok {
		return ErrAuthFailure
	}

	// Lock the room the session is expected to resume in before it becomes
	// visible there, so replayed history and live posts do not overlap.
	resume := p.registry.ResumeRoom(conn, username)
	unlock := func() {}
	if resume != 0 {
		unlock = p.seq.lock(resume)
	}

	prev, session, ok := p.registry.Authenticate(conn, username)
	if !ok {
		unlock()
		return errConnectionGone
	}
	if session.RoomID != resume {
		unlock()
		unlock = func() {}
		if session.RoomID != 0 {
			unlock = p.seq.lock(session.RoomID)
		}
	}

	logrus.WithFields(logrus.Fields{
		"conn":     conn.ID(),
		"username": username,
		"room_id":  session.RoomID,
	}).Info("Client authenticated")

	p.sendDirect(conn, SystemEvent(0, fmt.Sprintf("Welcome, %s!", username)))
	if session.RoomID != 0 {
		p.sendDirect(conn, SystemEvent(session.RoomID, "Reconnected to your previous room"))
		err = p.replayHistory(ctx, conn, session.RoomID)
	}
	unlock()

	if prev.Identity != "" && prev.Identity != username && prev.RoomID != 0 {
		p.announce(prev.RoomID, prev.Identity+" left the room", conn)
	}
	return err
}

// JoinRoom moves conn into roomID after checking membership, replays recent
// history to conn and announces the join to the rest of the room.
func (p *Protocol) JoinRoom(ctx context.Context, conn Conn, roomID uint) error {
	session, ok := p.registry.SessionOf(conn)
	if !ok {
		return errConnectionGone
	}
	if session.Identity == "" {
		return ErrNotLoggedIn
	}
	if roomID == 0 {
		return protocolErr("Room id is required")
	}
	identity := session.Identity

	exists, err := p.rooms.RoomExists(ctx, roomID)
	if err != nil {
		return fmt.Errorf("%w: room lookup: %w", ErrInternal, err)
	}
	if !exists {
		return ErrRoomNotFound
	}
	member, err := p.rooms.IsMember(ctx, roomID, identity)
	if err != nil {
		return fmt.Errorf("%w: membership check: %w", ErrInternal, err)
	}
	if !member {
		return ErrNotMember
	}
	name, err := p.rooms.RoomName(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: room name: %w", ErrInternal, err)
	}

	session, ok = p.registry.SessionOf(conn)
	if !ok {
		return errConnectionGone
	}
	if session.Identity != identity {
		return ErrNotLoggedIn
	}
	if previous := session.RoomID; previous != 0 && previous != roomID {
		session.RoomID = 0
		if !p.registry.UpdateSession(conn, session) {
			return errConnectionGone
		}
		p.announce(previous, identity+" left the room", conn)
	}

	// Holding the room lock until the join notice is out keeps concurrent
	// posts from slipping between the history replay and live delivery.
	unlock := p.seq.lock(roomID)
	defer unlock()

	// The room may have been deleted, and evicted, since the checks above.
	exists, err = p.rooms.RoomExists(ctx, roomID)
	if err != nil {
		return fmt.Errorf("%w: room lookup: %w", ErrInternal, err)
	}
	if !exists {
		return ErrRoomNotFound
	}

	session.RoomID = roomID
	if !p.registry.UpdateSession(conn, session) {
		return errConnectionGone
	}
	p.registry.Remember(identity, roomID)

	logrus.WithFields(logrus.Fields{
		"conn":     conn.ID(),
		"username": identity,
		"room_id":  roomID,
	}).Info("Client joined room")

	p.sendDirect(conn, SystemEvent(roomID, fmt.Sprintf("You joined %s", name)))

	err = p.replayHistory(ctx, conn, roomID)
	p.router.Broadcast(SystemEvent(roomID, identity+" joined the room"), conn)
	return err
}

// replayHistory sends the recent messages of roomID to conn, oldest first.
// The caller holds the room lock.
func (p *Protocol) replayHistory(ctx context.Context, conn Conn, roomID uint) error {
	history, err := p.messages.Recent(ctx, roomID, p.historyLimit)
	if err != nil {
		return fmt.Errorf("%w: history: %w", ErrInternal, err)
	}
	if !p.registry.InRoom(conn, roomID) {
		return errConnectionGone
	}
	for _, msg := range history {
		p.sendDirect(conn, MessageEvent(msg))
	}
	return nil
}

// LeaveRoom takes conn out of its room. Persisted membership is untouched;
// removing it is the room store's business.
func (p *Protocol) LeaveRoom(conn Conn) error {
	session, ok := p.registry.SessionOf(conn)
	if !ok {
		return errConnectionGone
	}
	if session.RoomID == 0 {
		return ErrNoRoom
	}

	roomID := session.RoomID
	session.RoomID = 0
	if !p.registry.UpdateSession(conn, session) {
		return errConnectionGone
	}
	p.registry.Forget(session.Identity, roomID)

	logrus.WithFields(logrus.Fields{
		"conn":     conn.ID(),
		"username": session.Identity,
		"room_id":  roomID,
	}).Info("Client left room")

	p.announce(roomID, session.Identity+" left the room", conn)
	p.sendDirect(conn, SystemEvent(0, "You left the room"))
	return nil
}

// PostMessage persists a content event from conn and broadcasts it to the
// other connections in the room. Membership is re-checked on every post.
func (p *Protocol) PostMessage(ctx context.Context, conn Conn, post Post) error {
	session, ok := p.registry.SessionOf(conn)
	if !ok {
		return errConnectionGone
	}
	if session.Identity == "" {
		return ErrNotLoggedIn
	}
	if session.RoomID == 0 {
		return ErrNoRoom
	}

	msg, err := post.message(session.RoomID, session.Identity)
	if err != nil {
		return err
	}

	unlock := p.seq.lock(session.RoomID)
	defer unlock()

	member, err := p.rooms.IsMember(ctx, session.RoomID, session.Identity)
	if err != nil {
		return fmt.Errorf("%w: membership check: %w", ErrInternal, err)
	}
	if !member {
		return ErrNotMember
	}

	msg.CreatedAt = p.now().UTC()
	if err := p.messages.Append(ctx, &msg); err != nil {
		return fmt.Errorf("%w: append message: %w", ErrInternal, err)
	}

	// The sender may have closed during the append; the message is
	// persisted regardless and still goes out to the rest of the room.
	p.router.Broadcast(MessageEvent(msg), conn)
	return nil
}

// EvictRoom drops every live session out of a deleted room and tells them.
func (p *Protocol) EvictRoom(roomID uint) int {
	unlock := p.seq.lock(roomID)
	defer unlock()

	conns := p.registry.ClearRoom(roomID)
	for _, conn := range conns {
		p.sendDirect(conn, SystemEvent(roomID, "This room has been deleted"))
	}
	return len(conns)
}

// OnlineCount returns the number of live connections joined to roomID.
func (p *Protocol) OnlineCount(roomID uint) int {
	return p.registry.CountInRoom(roomID)
}

func (p *Protocol) announce(roomID uint, text string, exclude Conn) {
	unlock := p.seq.lock(roomID)
	defer unlock()
	p.router.Broadcast(SystemEvent(roomID, text), exclude)
}

func (p *Protocol) sendDirect(conn Conn, ev Event) {
	if err := p.router.Send(conn, ev); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"conn": conn.ID(), "type": ev.Type}).Warn("Direct send failed")
	}
}

// sequencer hands out one mutex per room so that accept-and-broadcast runs
// in a single order per room while different rooms proceed in parallel.
type sequencer struct {
	mu    sync.Mutex
	rooms map[uint]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newSequencer() *sequencer {
	return &sequencer{rooms: make(map[uint]*roomLock)}
}

func (s *sequencer) lock(roomID uint) func() {
	s.mu.Lock()
	l, ok := s.rooms[roomID]
	if !ok {
		l = &roomLock{}
		s.rooms[roomID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.rooms, roomID)
		}
		s.mu.Unlock()
	}
}
