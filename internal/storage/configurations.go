package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveConfiguration inserts or replaces a server configuration
func (m *Manager) SaveConfiguration(ctx context.Context, cfg ServerConfiguration) error {
	if cfg.Name == "" {
		return fmt.Errorf("configuration name is required")
	}

	networks, err := json.Marshal(cfg.Networks)
	if err != nil {
		return fmt.Errorf("failed to encode networks: %w", err)
	}

	_, err = m.db.ExecContext(ctx,
		`INSERT INTO server_configurations (name, description, image, flavor, networks)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			image = excluded.image,
			flavor = excluded.flavor,
			networks = excluded.networks`,
		cfg.Name, cfg.Description, cfg.Image, cfg.Flavor, string(networks),
	)
	if err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	return nil
}

func scanConfiguration(row interface{ Scan(...any) error }) (*ServerConfiguration, error) {
	var cfg ServerConfiguration
	var networks string
	if err := row.Scan(&cfg.Name, &cfg.Description, &cfg.Image, &cfg.Flavor, &networks); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(networks), &cfg.Networks); err != nil {
		return nil, fmt.Errorf("failed to decode networks: %w", err)
	}
	return &cfg, nil
}

// GetConfiguration returns a configuration by name
func (m *Manager) GetConfiguration(ctx context.Context, name string) (*ServerConfiguration, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT name, description, image, flavor, networks FROM server_configurations WHERE name = ?`,
		name,
	)

	cfg, err := scanConfiguration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("configuration %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return cfg, nil
}

// ListConfigurations returns every configuration ordered by name
func (m *Manager) ListConfigurations(ctx context.Context) ([]*ServerConfiguration, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT name, description, image, flavor, networks FROM server_configurations ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query configurations: %w", err)
	}
	defer rows.Close()

	var configs []*ServerConfiguration
	for rows.Next() {
		cfg, err := scanConfiguration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan configuration: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating configurations: %w", err)
	}
	return configs, nil
}
