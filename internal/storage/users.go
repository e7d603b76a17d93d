package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateUser inserts a user. Emails are unique.
func (m *Manager) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	var count int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id = ? OR email = ?", user.ID, user.Email).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check if user exists: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("user %s: %w", user.Email, ErrAlreadyExists)
	}

	_, err = m.db.ExecContext(ctx,
		`INSERT INTO users (id, email, superuser, token_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Superuser, user.TokenHash, user.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by id
func (m *Manager) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	var createdAt int64
	err := m.db.QueryRowContext(ctx,
		`SELECT id, email, superuser, token_hash, created_at FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.Email, &user.Superuser, &user.TokenHash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &user, nil
}
