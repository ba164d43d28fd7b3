// Package store persists users, rooms, memberships and messages with GORM.
// It backs the identity, room and message-log collaborators of the chat core.
package store

import "time"

// Message kinds as they appear on the wire and in the messages table.
const (
	KindText  = "message"
	KindImage = "image"
	KindPDF   = "pdf"
	KindEmoji = "emoji"
)

// User is a registered account. Password holds the bcrypt hash.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"uniqueIndex;size:64;not null" json:"username"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	Email     string    `gorm:"uniqueIndex;size:191;not null" json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for User model.
func (User) TableName() string {
	return "users"
}

// Room is a named chat channel. The founder is recorded in CreatedBy and is
// added as the first member on creation.
type Room struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:100;not null" json:"name"`
	CreatedBy string    `gorm:"size:64;not null;index" json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName returns the table name for Room model.
func (Room) TableName() string {
	return "rooms"
}

// Membership records that a user belongs to a room.
type Membership struct {
	ID       uint      `gorm:"primaryKey"`
	RoomID   uint      `gorm:"uniqueIndex:idx_membership_pair;not null"`
	Username string    `gorm:"uniqueIndex:idx_membership_pair;size:64;not null"`
	JoinedAt time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for Membership model.
func (Membership) TableName() string {
	return "memberships"
}

// Message is one persisted chat message. Content carries the text, the
// emoji, or the upload URL depending on Kind; FileName is only set for PDFs.
type Message struct {
	ID        uint      `gorm:"primaryKey"`
	RoomID    uint      `gorm:"index:idx_messages_room_created;not null"`
	Sender    string    `gorm:"size:64;not null"`
	Content   string    `gorm:"type:text;not null"`
	Kind      string    `gorm:"size:16;not null"`
	FileName  string    `gorm:"size:255"`
	CreatedAt time.Time `gorm:"index:idx_messages_room_created"`
}

// TableName returns the table name for Message model.
func (Message) TableName() string {
	return "messages"
}

// RoomSummary is a room plus its persisted member count, as listed by the
// rooms endpoint.
type RoomSummary struct {
	Room
	MemberCount int64 `json:"memberCount"`
}
