package storage

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m, err := NewManager(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestOwnedServerLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.InsertOwnedServer(ctx, &OwnedServer{
		InstanceID: "i-1",
		OwnerID:    "u-1",
		Image:      "ubuntu-22.04",
	}))

	err := m.InsertOwnedServer(ctx, &OwnedServer{InstanceID: "i-1", OwnerID: "u-2", Image: "x"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	server, err := m.GetOwnedServer(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", server.OwnerID)
	assert.Equal(t, "ubuntu-22.04", server.Image)
	assert.Empty(t, server.Tags)

	require.NoError(t, m.UpdateOwnedServerTags(ctx, "i-1", []string{"loading", "grafana"}))
	server, err = m.GetOwnedServer(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"grafana", "loading"}, server.Tags)

	require.NoError(t, m.DeleteOwnedServer(ctx, "i-1"))
	_, err = m.GetOwnedServer(ctx, "i-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.DeleteOwnedServer(ctx, "i-1"), ErrNotFound)
}

func TestUpdateTagsMissingServer(t *testing.T) {
	m := newTestManager(t)
	err := m.UpdateOwnedServerTags(context.Background(), "nope", []string{"error"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOwnedServers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.InsertOwnedServer(ctx, &OwnedServer{InstanceID: "a", OwnerID: "u-1", Image: "cirros"}))
	require.NoError(t, m.InsertOwnedServer(ctx, &OwnedServer{InstanceID: "b", OwnerID: "u-2", Image: "cirros"}))
	require.NoError(t, m.InsertOwnedServer(ctx, &OwnedServer{InstanceID: "c", OwnerID: "u-1", Image: "cirros"}))

	mine, err := m.ListOwnedServers(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.ElementsMatch(t, []string{"a", "c"}, []string{mine[0].InstanceID, mine[1].InstanceID})

	all, err := m.ListOwnedServers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestConfigurations(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cfg := ServerConfiguration{
		Name:        "small",
		Description: "small ubuntu",
		Image:       "ubuntu-22.04",
		Flavor:      "m1.small",
		Networks:    []string{"private"},
	}
	require.NoError(t, m.SaveConfiguration(ctx, cfg))

	cfg.Flavor = "m1.medium"
	require.NoError(t, m.SaveConfiguration(ctx, cfg))

	got, err := m.GetConfiguration(ctx, "small")
	require.NoError(t, err)
	assert.Equal(t, cfg, *got)

	_, err = m.GetConfiguration(ctx, "large")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SaveConfiguration(ctx, ServerConfiguration{Name: "alpha", Image: "cirros", Flavor: "m1.tiny", Networks: []string{}}))
	list, err := m.ListConfigurations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)

	assert.Error(t, m.SaveConfiguration(ctx, ServerConfiguration{}))
}

func TestUsers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateUser(ctx, &User{ID: "u-1", Email: "a@example.com", TokenHash: "hash", Superuser: true}))
	assert.ErrorIs(t, m.CreateUser(ctx, &User{ID: "u-2", Email: "a@example.com", TokenHash: "hash"}), ErrAlreadyExists)

	user, err := m.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", user.Email)
	assert.True(t, user.Superuser)

	_, err = m.GetUser(ctx, "u-9")
	assert.ErrorIs(t, err, ErrNotFound)
}
