// Package keys keeps the private half of each owner's keypair on local disk
// so that command jobs can log into the owner's instances.
package keys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoKey is returned when no private key is stored for an owner
var ErrNoKey = errors.New("no private key stored for owner")

// Suffix is appended to the owner id to form keypair and file names
const Suffix = "_litestack"

// KeyPairName returns the cloud keypair name for an owner
func KeyPairName(ownerID string) string {
	return ownerID + Suffix
}

// Store is a directory of private key files, one per owner
type Store struct {
	dir string
}

// NewStore creates the key directory if needed
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(ownerID string) (string, error) {
	if ownerID == "" || strings.ContainsAny(ownerID, `/\`) || ownerID == "." || ownerID == ".." {
		return "", fmt.Errorf("invalid owner id %q", ownerID)
	}
	return filepath.Join(s.dir, KeyPairName(ownerID)), nil
}

// Save writes the owner's private key, replacing any previous one
func (s *Store) Save(ownerID string, privateKey []byte) error {
	path, err := s.path(ownerID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".key-*")
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(privateKey); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set key file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close key file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store key file: %w", err)
	}
	return nil
}

// Load returns the owner's private key
func (s *Store) Load(ownerID string) ([]byte, error) {
	path, err := s.path(ownerID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoKey, ownerID)
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return data, nil
}

// Delete removes the owner's private key. Missing keys are ignored.
func (s *Store) Delete(ownerID string) error {
	path, err := s.path(ownerID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}
