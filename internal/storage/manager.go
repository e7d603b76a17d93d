// Package storage persists owned servers, server configurations and API
// users in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when inserting a duplicate key
	ErrAlreadyExists = errors.New("already exists")
)

// OwnedServer is a cloud instance owned by a local user
type OwnedServer struct {
	InstanceID string
	OwnerID    string
	Image      string
	Tags       []string
	CreatedAt  time.Time
}

// ServerConfiguration is a named provisioning template
type ServerConfiguration struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Image       string   `json:"image" yaml:"image"`
	Flavor      string   `json:"flavor" yaml:"flavor"`
	Networks    []string `json:"networks" yaml:"networks"`
}

// User is an API caller
type User struct {
	ID        string
	Email     string
	Superuser bool
	TokenHash string
	CreatedAt time.Time
}

// Manager is the SQLite persistence layer
type Manager struct {
	db      *sql.DB
	dataDir string
	logger  *logrus.Logger
}

// NewManager opens (and creates if needed) the database under dataDir
func NewManager(dataDir string, logger *logrus.Logger) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "litestack.db")
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := initializeDatabase(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Manager{
		db:      db,
		dataDir: dataDir,
		logger:  logger,
	}, nil
}

// Close closes the database
func (m *Manager) Close() error {
	return m.db.Close()
}

// Ping checks that the database is reachable
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// initializeDatabase initializes the database schema
func initializeDatabase(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			superuser INTEGER NOT NULL DEFAULT 0,
			token_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS owned_servers (
			instance_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			image TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS owned_servers_owner ON owned_servers (owner_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS server_configurations (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			image TEXT NOT NULL,
			flavor TEXT NOT NULL,
			networks TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	return nil
}

func encodeTags(tags []string) (string, error) {
	sorted := append([]string{}, tags...)
	sort.Strings(sorted)
	data, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeTags(raw string) ([]string, error) {
	var tags []string
	if raw == "" {
		return tags, nil
	}
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return tags, nil
}

// InsertOwnedServer registers a new owned server
func (m *Manager) InsertOwnedServer(ctx context.Context, server *OwnedServer) error {
	tags, err := encodeTags(server.Tags)
	if err != nil {
		return err
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC()
	}

	var count int
	err = m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM owned_servers WHERE instance_id = ?", server.InstanceID).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check if server exists: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("server %s: %w", server.InstanceID, ErrAlreadyExists)
	}

	_, err = m.db.ExecContext(ctx,
		`INSERT INTO owned_servers (instance_id, owner_id, image, tags, created_at) VALUES (?, ?, ?, ?, ?)`,
		server.InstanceID, server.OwnerID, server.Image, tags, server.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert server: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"instance_id": server.InstanceID,
		"owner_id":    server.OwnerID,
	}).Debug("Registered owned server")

	return nil
}

func scanOwnedServer(row interface{ Scan(...any) error }) (*OwnedServer, error) {
	var server OwnedServer
	var tags string
	var createdAt int64
	if err := row.Scan(&server.InstanceID, &server.OwnerID, &server.Image, &tags, &createdAt); err != nil {
		return nil, err
	}

	decoded, err := decodeTags(tags)
	if err != nil {
		return nil, err
	}
	server.Tags = decoded
	server.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &server, nil
}

// GetOwnedServer returns the server with the given instance id
func (m *Manager) GetOwnedServer(ctx context.Context, instanceID string) (*OwnedServer, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT instance_id, owner_id, image, tags, created_at FROM owned_servers WHERE instance_id = ?`,
		instanceID,
	)

	server, err := scanOwnedServer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("server %s: %w", instanceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return server, nil
}

// ListOwnedServers returns the servers of an owner, or every server when
// ownerID is empty
func (m *Manager) ListOwnedServers(ctx context.Context, ownerID string) ([]*OwnedServer, error) {
	query := `SELECT instance_id, owner_id, image, tags, created_at FROM owned_servers`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at, instance_id`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query servers: %w", err)
	}
	defer rows.Close()

	var servers []*OwnedServer
	for rows.Next() {
		server, err := scanOwnedServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, server)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating servers: %w", err)
	}

	return servers, nil
}

// UpdateOwnedServerTags replaces the tag set of one server in a single
// transaction keyed by instance id
func (m *Manager) UpdateOwnedServerTags(ctx context.Context, instanceID string, tags []string) error {
	encoded, err := encodeTags(tags)
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "UPDATE owned_servers SET tags = ? WHERE instance_id = ?", encoded, instanceID)
	if err != nil {
		return fmt.Errorf("failed to update tags: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update tags: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("server %s: %w", instanceID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tags: %w", err)
	}
	return nil
}

// DeleteOwnedServer removes the ownership row
func (m *Manager) DeleteOwnedServer(ctx context.Context, instanceID string) error {
	result, err := m.db.ExecContext(ctx, "DELETE FROM owned_servers WHERE instance_id = ?", instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("server %s: %w", instanceID, ErrNotFound)
	}

	m.logger.WithField("instance_id", instanceID).Debug("Removed owned server")
	return nil
}
