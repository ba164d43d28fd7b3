// Package api exposes the REST surface around the chat core: accounts,
// rooms, membership and file uploads.
package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/store"
)

// DefaultMaxUploadSize caps uploads when Options.MaxUploadSize is unset.
const DefaultMaxUploadSize = 10 << 20

// AuthService registers accounts and issues session tokens.
type AuthService interface {
	Register(ctx context.Context, username, password, email string) (*store.User, error)
	Login(ctx context.Context, username, password string) (string, error)
}

// RoomStore is the room and membership persistence the handlers use.
type RoomStore interface {
	Create(ctx context.Context, name, founder string) (*store.Room, error)
	Get(ctx context.Context, id uint) (*store.Room, error)
	List(ctx context.Context) ([]store.RoomSummary, error)
	Delete(ctx context.Context, id uint) error
	AddMember(ctx context.Context, id uint, username string) error
	RemoveMember(ctx context.Context, id uint, username string) error
}

// Presence reports and ends live room sessions.
type Presence interface {
	OnlineCount(roomID uint) int
	EvictRoom(roomID uint) int
}

// Options configures an API.
type Options struct {
	Auth          AuthService
	Tokens        *auth.Tokens
	Rooms         RoomStore
	Presence      Presence
	UploadDir     string
	MaxUploadSize int64
	// RateLimit runs in front of every /api route when set.
	RateLimit gin.HandlerFunc
}

// API holds the HTTP handlers.
type API struct {
	auth          AuthService
	tokens        *auth.Tokens
	rooms         RoomStore
	presence      Presence
	uploadDir     string
	maxUploadSize int64
	rateLimit     gin.HandlerFunc
}

// New creates an API. Auth, Tokens, Rooms and Presence are required.
func New(opts Options) *API {
	if opts.Auth == nil || opts.Tokens == nil || opts.Rooms == nil || opts.Presence == nil {
		panic("api: auth, tokens, rooms and presence are required")
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}

	return &API{
		auth:          opts.Auth,
		tokens:        opts.Tokens,
		rooms:         opts.Rooms,
		presence:      opts.Presence,
		uploadDir:     opts.UploadDir,
		maxUploadSize: opts.MaxUploadSize,
		rateLimit:     opts.RateLimit,
	}
}

// Register mounts the /api routes and the /uploads file server on r.
func (a *API) Register(r gin.IRouter) {
	group := r.Group("/api")
	if a.rateLimit != nil {
		group.Use(a.rateLimit)
	}

	group.POST("/register", a.register)
	group.POST("/login", a.login)

	authed := group.Group("")
	authed.Use(auth.Middleware(a.tokens))
	authed.GET("/rooms", a.listRooms)
	authed.POST("/rooms", a.createRoom)
	authed.POST("/rooms/:id/join", a.joinRoom)
	authed.POST("/rooms/:id/leave", a.leaveRoom)
	authed.DELETE("/rooms/:id", a.deleteRoom)
	authed.POST("/upload", a.upload)

	r.Static("/uploads", a.uploadDir)
}
