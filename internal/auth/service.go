// Package auth registers accounts, verifies credentials and issues the
// session tokens clients present to the HTTP API and the WebSocket login.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/roomchat/internal/store"
)

var (
	ErrAuthenticationFailed = errors.New("invalid username or password")
	ErrUsernameTaken        = errors.New("username or email already exists")
	ErrInvalidInput         = errors.New("username and password are required")
)

// UserStore is the persistence the auth service needs.
type UserStore interface {
	Create(ctx context.Context, user *store.User) error
	FindByUsername(ctx context.Context, username string) (*store.User, error)
}

// Service handles registration, login and credential checks.
type Service struct {
	users  UserStore
	tokens *Tokens
}

// NewService creates a Service. tokens must be non-nil.
func NewService(users UserStore, tokens *Tokens) *Service {
	if users == nil || tokens == nil {
		panic("auth: users and tokens are required")
	}
	return &Service{users: users, tokens: tokens}
}

// Register creates an account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, password, email string) (*store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidInput
	}
	logCtx := logrus.WithField("username", username)

	hash, err := hashPassword(password)
	if err != nil {
		logCtx.WithError(err).Error("Failed to hash password during registration")
		return nil, err
	}

	user := &store.User{Username: username, Password: hash, Email: strings.TrimSpace(email)}
	if user.Email == "" {
		user.Email = username + "@localhost"
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			logCtx.Warn("Registration rejected: username or email taken")
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	logCtx.WithField("user_id", user.ID).Info("User registered")
	user.Password = ""
	return user, nil
}

// Login checks the password and returns a signed session token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	ok, err := s.checkPassword(ctx, username, password)
	if err != nil {
		return "", err
	}
	if !ok {
		logrus.WithField("username", username).Warn("Login attempt failed")
		return "", ErrAuthenticationFailed
	}

	token, err := s.tokens.Issue(username)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	logrus.WithField("username", username).Info("User logged in")
	return token, nil
}

// VerifyCredentials accepts either a session token issued for username or
// the account password. It returns false, nil for bad credentials and an
// error only when the user store fails.
func (s *Service) VerifyCredentials(ctx context.Context, username, secret string) (bool, error) {
	if username == "" || secret == "" {
		return false, nil
	}
	if subject, err := s.tokens.Parse(secret); err == nil {
		return subject == username, nil
	}
	return s.checkPassword(ctx, username, secret)
}

func (s *Service) checkPassword(ctx context.Context, username, password string) (bool, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("find user: %w", err)
	}
	return bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) == nil, nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to generate hash from password: %w", err)
	}
	return string(hash), nil
}
