package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Rooms persists rooms and their memberships. It is the authority on who
// belongs to which room.
type Rooms struct {
	db *gorm.DB
}

// NewRooms creates a room repository.
func NewRooms(db *gorm.DB) *Rooms {
	if db == nil {
		panic("database connection cannot be nil for Rooms")
	}
	return &Rooms{db: db}
}

// Create stores a new room and adds its founder as the first member in the
// same transaction. A taken name yields ErrDuplicate.
func (r *Rooms) Create(ctx context.Context, name, founder string) (*Room, error) {
	room := &Room{Name: name, CreatedBy: founder}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		return tx.Create(&Membership{RoomID: room.ID, Username: founder}).Error
	})
	if err != nil {
		return nil, translate(err, "create room")
	}
	return room, nil
}

// Get returns the room with the given id.
func (r *Rooms) Get(ctx context.Context, id uint) (*Room, error) {
	var room Room
	if err := r.db.WithContext(ctx).First(&room, id).Error; err != nil {
		return nil, translate(err, "find room")
	}
	return &room, nil
}

// List returns every room with its member count, oldest first.
func (r *Rooms) List(ctx context.Context) ([]RoomSummary, error) {
	var rooms []RoomSummary
	err := r.db.WithContext(ctx).
		Model(&Room{}).
		Select("rooms.*, COUNT(memberships.id) AS member_count").
		Joins("LEFT JOIN memberships ON memberships.room_id = rooms.id").
		Group("rooms.id").
		Order("rooms.created_at ASC, rooms.id ASC").
		Scan(&rooms).Error
	if err != nil {
		return nil, translate(err, "list rooms")
	}
	return rooms, nil
}

// Delete removes a room together with its memberships and messages.
func (r *Rooms) Delete(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Room{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.Where("room_id = ?", id).Delete(&Membership{}).Error; err != nil {
			return err
		}
		return tx.Where("room_id = ?", id).Delete(&Message{}).Error
	})
	return translate(err, "delete room")
}

// RoomExists reports whether a room with the given id is stored.
func (r *Rooms) RoomExists(ctx context.Context, id uint) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Room{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, translate(err, "count rooms")
	}
	return count > 0, nil
}

// RoomName returns the display name of a room.
func (r *Rooms) RoomName(ctx context.Context, id uint) (string, error) {
	room, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return room.Name, nil
}

// IsMember reports whether username has a membership row for the room.
func (r *Rooms) IsMember(ctx context.Context, id uint, username string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Membership{}).
		Where("room_id = ? AND username = ?", id, username).
		Count(&count).Error
	if err != nil {
		return false, translate(err, "count memberships")
	}
	return count > 0, nil
}

// AddMember adds username to the room. Joining twice is not an error.
func (r *Rooms) AddMember(ctx context.Context, id uint, username string) error {
	exists, err := r.RoomExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	err = r.db.WithContext(ctx).Create(&Membership{RoomID: id, Username: username, JoinedAt: time.Now()}).Error
	if err = translate(err, "add member"); errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}

// RemoveMember deletes the membership row, if any.
func (r *Rooms) RemoveMember(ctx context.Context, id uint, username string) error {
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND username = ?", id, username).
		Delete(&Membership{}).Error
	return translate(err, "remove member")
}

// MemberCount returns the number of persisted members of the room.
func (r *Rooms) MemberCount(ctx context.Context, id uint) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Membership{}).Where("room_id = ?", id).Count(&count).Error; err != nil {
		return 0, translate(err, "count members")
	}
	return count, nil
}
