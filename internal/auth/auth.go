// Package auth issues and checks API bearer tokens. A token is
// "<user id>.<secret>"; only a bcrypt hash of the secret is stored.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/ao/litestack/internal/storage"
)

// ErrInvalidToken is returned for malformed, unknown or mismatched tokens
var ErrInvalidToken = errors.New("invalid token")

// UserStore persists users
type UserStore interface {
	CreateUser(ctx context.Context, user *storage.User) error
	GetUser(ctx context.Context, id string) (*storage.User, error)
}

// Manager creates users and authenticates tokens
type Manager struct {
	store  UserStore
	cost   int
	logger *logrus.Logger
}

// NewManager creates an auth manager
func NewManager(store UserStore, logger *logrus.Logger) *Manager {
	return &Manager{
		store:  store,
		cost:   bcrypt.DefaultCost,
		logger: logger,
	}
}

// WithCost sets the bcrypt cost
func (m *Manager) WithCost(cost int) *Manager {
	m.cost = cost
	return m
}

// CreateUser registers a user and returns its token. The token is not
// recoverable afterwards.
func (m *Manager) CreateUser(ctx context.Context, email string, superuser bool) (*storage.User, string, error) {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return nil, "", fmt.Errorf("invalid email %q: %w", email, err)
	}

	secret := generateSecret()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), m.cost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash token: %w", err)
	}

	user := &storage.User{
		ID:        uuid.NewString(),
		Email:     addr.Address,
		Superuser: superuser,
		TokenHash: string(hash),
	}
	if err := m.store.CreateUser(ctx, user); err != nil {
		return nil, "", err
	}

	m.logger.WithFields(logrus.Fields{
		"user_id":   user.ID,
		"superuser": superuser,
	}).Info("Created user")

	return user, user.ID + "." + secret, nil
}

// Authenticate resolves a token to its user
func (m *Manager) Authenticate(ctx context.Context, token string) (*storage.User, error) {
	userID, secret, ok := strings.Cut(token, ".")
	if !ok || userID == "" || secret == "" {
		return nil, ErrInvalidToken
	}

	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.TokenHash), []byte(secret)); err != nil {
		return nil, ErrInvalidToken
	}

	return user, nil
}

// generateSecret generates a random token secret
func generateSecret() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
