package servers

import (
	"context"
	"fmt"
	"sort"

	"github.com/ao/litestack/internal/storage"
)

// Reserved tags managed by the command runner
const (
	TagLoading = "loading"
	TagError   = "error"
)

// TagStore persists the tag set of an owned server
type TagStore interface {
	UpdateOwnedServerTags(ctx context.Context, instanceID string, tags []string) error
}

// TagChange is a set of additions and removals applied in one write
type TagChange struct {
	Add    []string
	Remove []string
}

// TagManager mutates and persists server tags. Adding a present tag and
// removing an absent one are no-ops.
type TagManager struct {
	store TagStore
}

// NewTagManager creates a tag manager
func NewTagManager(store TagStore) *TagManager {
	return &TagManager{store: store}
}

// AddTag adds tag to the server and persists it
func (m *TagManager) AddTag(ctx context.Context, server *storage.OwnedServer, tag string) error {
	return m.Apply(ctx, server, TagChange{Add: []string{tag}})
}

// RemoveTag removes tag from the server and persists it
func (m *TagManager) RemoveTag(ctx context.Context, server *storage.OwnedServer, tag string) error {
	return m.Apply(ctx, server, TagChange{Remove: []string{tag}})
}

// Apply applies change and persists the result with a single write.
// server.Tags is only updated once the write succeeded.
func (m *TagManager) Apply(ctx context.Context, server *storage.OwnedServer, change TagChange) error {
	tags, changed := applyChange(server.Tags, change)
	if !changed {
		return nil
	}

	if err := m.store.UpdateOwnedServerTags(ctx, server.InstanceID, tags); err != nil {
		return fmt.Errorf("failed to update tags of %s: %w", server.InstanceID, err)
	}
	server.Tags = tags
	return nil
}

// HasTag reports whether tags contains tag
func HasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func applyChange(current []string, change TagChange) ([]string, bool) {
	set := make(map[string]struct{}, len(current)+len(change.Add))
	for _, t := range current {
		set[t] = struct{}{}
	}

	changed := len(set) != len(current)
	for _, t := range change.Remove {
		if _, ok := set[t]; ok {
			delete(set, t)
			changed = true
		}
	}
	for _, t := range change.Add {
		if t == "" {
			continue
		}
		if _, ok := set[t]; !ok {
			set[t] = struct{}{}
			changed = true
		}
	}

	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags, changed
}
