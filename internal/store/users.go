package store

import (
	"context"

	"gorm.io/gorm"
)

// Users provides access to registered accounts.
type Users struct {
	db *gorm.DB
}

// NewUsers creates a user repository.
func NewUsers(db *gorm.DB) *Users {
	if db == nil {
		panic("database connection cannot be nil for Users")
	}
	return &Users{db: db}
}

// Create saves a new user. It returns ErrDuplicate when the username or the
// email is already taken.
func (r *Users) Create(ctx context.Context, user *User) error {
	return translate(r.db.WithContext(ctx).Create(user).Error, "create user")
}

// FindByUsername looks a user up by username.
func (r *Users) FindByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err != nil {
		return nil, translate(err, "find user by username")
	}
	return &user, nil
}
