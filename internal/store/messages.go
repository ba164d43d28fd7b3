package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Messages is the append-only message log.
type Messages struct {
	db *gorm.DB
}

// NewMessages creates a message log repository.
func NewMessages(db *gorm.DB) *Messages {
	if db == nil {
		panic("database connection cannot be nil for Messages")
	}
	return &Messages{db: db}
}

// Append stores msg and fills in its ID. CreatedAt is set to now when the
// caller left it zero.
func (r *Messages) Append(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return translate(r.db.WithContext(ctx).Create(msg).Error, "append message")
}

// Recent returns up to limit of the newest messages of a room, ordered
// oldest to newest.
func (r *Messages) Recent(ctx context.Context, roomID uint, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	var msgs []Message
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, translate(err, "recent messages")
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
