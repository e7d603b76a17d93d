// Package catalog holds the static table of software packages that can be
// installed on or removed from an owned server, and the ordered shell scripts
// that do it.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownCommand is returned when a command id is not registered
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUnknownAction is returned when an action is neither install nor delete
	ErrUnknownAction = errors.New("unknown action")
	// ErrEntryExists is returned when an id is registered twice
	ErrEntryExists = errors.New("command already registered")
	// ErrInvalidEntry is returned when an entry fails validation
	ErrInvalidEntry = errors.New("invalid command entry")
)

// Action selects which script of an entry is run
type Action string

const (
	// ActionInstall installs the software
	ActionInstall Action = "install"
	// ActionDelete removes the software
	ActionDelete Action = "delete"
)

// ParseAction converts a user supplied string into an Action
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionInstall:
		return ActionInstall, nil
	case ActionDelete:
		return ActionDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Entry is one supported software package.
//
// Tag returns the marker stored on a server once the package is installed.
// An empty tag means the entry does not track installed state (diagnostics).
type Entry interface {
	ID() string
	Description() string
	Tag() string
	Commands(action Action) []string
}

// Metadata describes an entry for listings
type Metadata struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Tag         string `json:"tag,omitempty"`
}

// Catalog stores entries by stable identifier
type Catalog struct {
	items map[string]Entry
}

// New creates an empty catalog
func New() *Catalog {
	return &Catalog{items: make(map[string]Entry)}
}

// Register adds an entry to the catalog
func (c *Catalog) Register(entry Entry) error {
	if entry == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}

	id := entry.ID()
	if !isValidID(id) {
		return fmt.Errorf("%w: invalid id %q", ErrInvalidEntry, id)
	}
	if _, ok := c.items[id]; ok {
		return fmt.Errorf("%w: %s", ErrEntryExists, id)
	}

	c.items[id] = entry
	return nil
}

// Resolve returns the entry registered under id
func (c *Catalog) Resolve(id string) (Entry, bool) {
	entry, ok := c.items[id]
	return entry, ok
}

// Commands returns the ordered script for id and action
func (c *Catalog) Commands(id string, action Action) ([]string, error) {
	entry, ok := c.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}
	if action != ActionInstall && action != ActionDelete {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	commands := entry.Commands(action)
	out := make([]string, len(commands))
	copy(out, commands)
	return out, nil
}

// Tag returns the state tag of id
func (c *Catalog) Tag(id string) (string, error) {
	entry, ok := c.items[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}
	return entry.Tag(), nil
}

// List returns entry metadata ordered by id
func (c *Catalog) List() []Metadata {
	list := make([]Metadata, 0, len(c.items))
	for _, entry := range c.items {
		list = append(list, Metadata{
			ID:          entry.ID(),
			Description: entry.Description(),
			Tag:         entry.Tag(),
		})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if isSep && (i == 0 || i == len(id)-1) {
			return false
		}
	}
	return true
}
