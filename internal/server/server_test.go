package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/api"
	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/store"
)

const eventTimeout = 2 * time.Second

type chatServer struct {
	ts      *httptest.Server
	hub     *Hub
	general store.Room
	random  store.Room
}

// newChatServer runs the full stack over an in-memory database seeded with
// alice and bob in "general" and carol in "random".
func newChatServer(t *testing.T, customize func(cfg *Config)) *chatServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	rooms := store.NewRooms(db)
	tokens, err := auth.NewTokens("e2e-secret", time.Hour)
	require.NoError(t, err)
	authService := auth.NewService(store.NewUsers(db), tokens)

	registry := chat.NewRegistry()
	protocol := chat.NewProtocol(registry, chat.NewRouter(registry), authService, rooms, store.NewMessages(db), chat.DefaultHistoryLimit)
	hub := NewHub(protocol)
	go hub.Run()

	restAPI := api.New(api.Options{
		Auth:      authService,
		Tokens:    tokens,
		Rooms:     rooms,
		Presence:  protocol,
		UploadDir: t.TempDir(),
	})
	ts := httptest.NewServer(SetupRoutes(hub, restAPI, nil))

	cfg := NewConfig()
	cfg.AllowedOrigins = []string{ts.URL}
	cfg.RateLimit.Burst = 100
	if customize != nil {
		customize(cfg)
	}
	SetConfig(cfg)

	t.Cleanup(func() {
		_ = hub.Shutdown(eventTimeout)
		ts.Close()
		SetConfig(nil)
	})

	ctx := t.Context()
	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := authService.Register(ctx, name, "pw-"+name, "")
		require.NoError(t, err)
	}
	general, err := rooms.Create(ctx, "general", "alice")
	require.NoError(t, err)
	require.NoError(t, rooms.AddMember(ctx, general.ID, "bob"))
	random, err := rooms.Create(ctx, "random", "carol")
	require.NoError(t, err)

	return &chatServer{ts: ts, hub: hub, general: *general, random: *random}
}

func (s *chatServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
}

func (s *chatServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", s.ts.URL)

	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *chatServer) login(t *testing.T, name string) *websocket.Conn {
	t.Helper()
	conn := s.dial(t)
	send(t, conn, map[string]any{"type": chat.TypeLogin, "username": name, "secret": "pw-" + name})
	expectEvent(t, conn, systemText("Welcome, "+name+"!"))
	return conn
}

func (s *chatServer) join(t *testing.T, conn *websocket.Conn, room store.Room) {
	t.Helper()
	send(t, conn, map[string]any{"type": chat.TypeJoinRoom, "roomId": room.ID})
	expectEvent(t, conn, systemText("You joined "+room.Name))
}

func (s *chatServer) apiRequest(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *chatServer) token(t *testing.T, name string) string {
	t.Helper()
	resp := s.apiRequest(t, http.MethodPost, "/api/login", "", map[string]string{"username": name, "password": "pw-" + name})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Token)
	return body.Token
}

func send(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func systemText(content string) func(chat.Event) bool {
	return func(ev chat.Event) bool { return ev.Type == chat.TypeSystem && ev.Content == content }
}

func errorText(content string) func(chat.Event) bool {
	return func(ev chat.Event) bool { return ev.Type == chat.TypeError && ev.Content == content }
}

func ofType(typ string) func(chat.Event) bool {
	return func(ev chat.Event) bool { return ev.Type == typ }
}

// expectEvent reads frames until one matches, failing after eventTimeout.
func expectEvent(t *testing.T, conn *websocket.Conn, match func(chat.Event) bool) chat.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventTimeout)))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var seen []chat.Event
	for {
		var ev chat.Event
		if err := conn.ReadJSON(&ev); err != nil {
			require.FailNow(t, "expected event not received", "error: %v, seen: %+v", err, seen)
		}
		if match(ev) {
			return ev
		}
		seen = append(seen, ev)
	}
}

// expectNoEvent fails if a matching frame arrives within wait.
func expectNoEvent(t *testing.T, conn *websocket.Conn, match func(chat.Event) bool, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		var ev chat.Event
		err := conn.ReadJSON(&ev)
		if err != nil {
			var netErr net.Error
			require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected read error: %v", err)
			return
		}
		require.False(t, match(ev), "unexpected event %+v", ev)
	}
}

func TestRoomMessageReachesOnlyOtherRoomMembers(t *testing.T) {
	s := newChatServer(t, nil)
	alice := s.login(t, "alice")
	bob := s.login(t, "bob")
	carol := s.login(t, "carol")

	s.join(t, alice, s.general)
	s.join(t, bob, s.general)
	s.join(t, carol, s.random)
	expectEvent(t, alice, systemText("bob joined the room"))

	send(t, alice, map[string]any{"type": chat.TypeMessage, "content": "hi", "roomId": s.general.ID})

	ev := expectEvent(t, bob, ofType(chat.TypeMessage))
	assert.Equal(t, "alice", ev.Username)
	assert.Equal(t, "hi", ev.Content)
	assert.Equal(t, s.general.ID, ev.RoomID)
	_, err := time.Parse(time.RFC3339Nano, ev.Timestamp)
	assert.NoError(t, err)

	expectNoEvent(t, alice, ofType(chat.TypeMessage), 300*time.Millisecond)
	expectNoEvent(t, carol, ofType(chat.TypeMessage), 300*time.Millisecond)
}

func TestJoinReplaysHistory(t *testing.T) {
	s := newChatServer(t, nil)
	alice := s.login(t, "alice")
	s.join(t, alice, s.general)
	for i := 0; i < 3; i++ {
		send(t, alice, map[string]any{"type": chat.TypeMessage, "content": fmt.Sprintf("m%d", i)})
	}
	send(t, alice, map[string]any{"type": chat.TypeEmoji, "emoji": "🎉"})
	send(t, alice, map[string]any{"type": chat.TypeLeaveRoom})
	expectEvent(t, alice, systemText("You left the room"))

	bob := s.login(t, "bob")
	s.join(t, bob, s.general)

	var replayed []string
	for i := 0; i < 4; i++ {
		ev := expectEvent(t, bob, func(ev chat.Event) bool { return ev.Username == "alice" })
		replayed = append(replayed, ev.Type+":"+ev.Content)
	}
	assert.Equal(t, []string{"message:m0", "message:m1", "message:m2", "emoji:🎉"}, replayed)
}

func TestPostWithoutRoom(t *testing.T) {
	s := newChatServer(t, nil)
	bob := s.login(t, "bob")

	send(t, bob, map[string]any{"type": chat.TypeMessage, "content": "anyone?"})
	expectEvent(t, bob, errorText("Please join a room first"))

	send(t, bob, map[string]any{"type": chat.TypeJoinRoom, "roomId": s.random.ID})
	expectEvent(t, bob, errorText("You are not a member of this room"))
}

func TestLoginWithToken(t *testing.T) {
	s := newChatServer(t, nil)
	token := s.token(t, "alice")

	conn := s.dial(t)
	send(t, conn, map[string]any{"type": chat.TypeLogin, "username": "alice", "secret": token})
	expectEvent(t, conn, systemText("Welcome, alice!"))

	other := s.dial(t)
	send(t, other, map[string]any{"type": chat.TypeLogin, "username": "bob", "secret": token})
	expectEvent(t, other, errorText("Invalid username or password"))
}

func TestRoomDeletionEvictsLiveSessions(t *testing.T) {
	s := newChatServer(t, nil)
	token := s.token(t, "alice")
	bob := s.login(t, "bob")
	s.join(t, bob, s.general)

	resp := s.apiRequest(t, http.MethodGet, "/api/rooms", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []struct {
		ID          uint `json:"id"`
		MemberCount int  `json:"memberCount"`
		OnlineCount int  `json:"onlineCount"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 2)
	assert.Equal(t, s.general.ID, listed[0].ID)
	assert.Equal(t, 2, listed[0].MemberCount)
	assert.Equal(t, 1, listed[0].OnlineCount)

	resp = s.apiRequest(t, http.MethodDelete, fmt.Sprintf("/api/rooms/%d", s.general.ID), token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	expectEvent(t, bob, systemText("This room has been deleted"))
	send(t, bob, map[string]any{"type": chat.TypeMessage, "content": "hello?"})
	expectEvent(t, bob, errorText("Please join a room first"))
}

func TestDisconnectIsAnnounced(t *testing.T) {
	s := newChatServer(t, nil)
	alice := s.login(t, "alice")
	bob := s.login(t, "bob")
	s.join(t, alice, s.general)
	s.join(t, bob, s.general)

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = bob.Close()

	expectEvent(t, alice, systemText("bob disconnected"))
}

func TestFrameRateLimit(t *testing.T) {
	s := newChatServer(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	alice := s.login(t, "alice")

	send(t, alice, map[string]any{"type": chat.TypeMessage, "content": "one"})
	expectEvent(t, alice, errorText("Please join a room first"))

	send(t, alice, map[string]any{"type": chat.TypeMessage, "content": "two"})
	expectEvent(t, alice, errorText("Rate limit exceeded, slow down"))
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	s := newChatServer(t, func(cfg *Config) {
		cfg.MaxMessageSize = 64
	})
	conn := s.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("a"), 256)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventTimeout)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		assert.Equal(t, websocket.CloseMessageTooBig, closeErr.Code)
	}
}

func TestDisallowedOriginIsRejected(t *testing.T) {
	s := newChatServer(t, nil)

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthAndTestPage(t *testing.T) {
	s := newChatServer(t, nil)
	s.login(t, "alice")

	resp := s.apiRequest(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Connections)

	resp = s.apiRequest(t, http.MethodGet, "/test", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestHubShutdownClosesClients(t *testing.T) {
	s := newChatServer(t, nil)
	clients := []*websocket.Conn{s.login(t, "alice"), s.login(t, "bob")}

	require.NoError(t, s.hub.Shutdown(eventTimeout))
	assert.Zero(t, s.hub.ClientCount())

	for i, conn := range clients {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventTimeout)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err, "client %d should be disconnected", i)
	}
}
