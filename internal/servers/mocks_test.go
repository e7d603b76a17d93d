package servers

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ao/litestack/internal/cloud"
	"github.com/ao/litestack/internal/jobs"
	"github.com/ao/litestack/internal/keys"
	"github.com/ao/litestack/internal/mail"
	"github.com/ao/litestack/internal/observability"
	"github.com/ao/litestack/internal/remote"
	"github.com/ao/litestack/internal/storage"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) *storage.Manager {
	t.Helper()
	store, err := storage.NewManager(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestKeys(t *testing.T) *keys.Store {
	t.Helper()
	store, err := keys.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) FindImage(ctx context.Context, name string) (*cloud.Image, error) {
	args := m.Called(ctx, name)
	if v := args.Get(0); v != nil {
		return v.(*cloud.Image), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) FindFlavor(ctx context.Context, name string) (*cloud.Flavor, error) {
	args := m.Called(ctx, name)
	if v := args.Get(0); v != nil {
		return v.(*cloud.Flavor), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) FindNetwork(ctx context.Context, name string) (*cloud.Network, error) {
	args := m.Called(ctx, name)
	if v := args.Get(0); v != nil {
		return v.(*cloud.Network), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) ListImages(ctx context.Context) ([]cloud.Image, error) {
	args := m.Called(ctx)
	return args.Get(0).([]cloud.Image), args.Error(1)
}

func (m *mockProvider) ListFlavors(ctx context.Context) ([]cloud.Flavor, error) {
	args := m.Called(ctx)
	return args.Get(0).([]cloud.Flavor), args.Error(1)
}

func (m *mockProvider) ListNetworks(ctx context.Context) ([]cloud.Network, error) {
	args := m.Called(ctx)
	return args.Get(0).([]cloud.Network), args.Error(1)
}

func (m *mockProvider) GetKeyPair(ctx context.Context, name string) (*cloud.KeyPair, error) {
	args := m.Called(ctx, name)
	if v := args.Get(0); v != nil {
		return v.(*cloud.KeyPair), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) CreateKeyPair(ctx context.Context, name string) (*cloud.KeyPair, error) {
	args := m.Called(ctx, name)
	if v := args.Get(0); v != nil {
		return v.(*cloud.KeyPair), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) DeleteKeyPair(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockProvider) CreateInstance(ctx context.Context, opts cloud.CreateInstanceOptions) (*cloud.Instance, error) {
	args := m.Called(ctx, opts)
	if v := args.Get(0); v != nil {
		return v.(*cloud.Instance), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) GetInstance(ctx context.Context, id string) (*cloud.Instance, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*cloud.Instance), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) UpdateInstance(ctx context.Context, id, name, description string) (*cloud.Instance, error) {
	args := m.Called(ctx, id, name, description)
	if v := args.Get(0); v != nil {
		return v.(*cloud.Instance), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) DeleteInstance(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockProvider) SetInstanceState(ctx context.Context, id string, action cloud.StateAction) error {
	return m.Called(ctx, id, action).Error(0)
}

func (m *mockProvider) ConsoleURL(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) ListPorts(ctx context.Context, instanceID string) ([]cloud.Port, error) {
	args := m.Called(ctx, instanceID)
	if v := args.Get(0); v != nil {
		return v.([]cloud.Port), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) CreateFloatingIP(ctx context.Context, portID string) (*cloud.FloatingIP, error) {
	args := m.Called(ctx, portID)
	if v := args.Get(0); v != nil {
		return v.(*cloud.FloatingIP), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) ListFloatingIPs(ctx context.Context, instanceID string) ([]cloud.FloatingIP, error) {
	args := m.Called(ctx, instanceID)
	if v := args.Get(0); v != nil {
		return v.([]cloud.FloatingIP), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) DeleteFloatingIP(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockProvider) Limits(ctx context.Context) (*cloud.Limits, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.(*cloud.Limits), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, target remote.Target, commands []string) ([]remote.CommandResult, error) {
	args := m.Called(ctx, target, commands)
	if v := args.Get(0); v != nil {
		return v.([]remote.CommandResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []observability.Event
}

func (r *recordingPublisher) Publish(ctx context.Context, event observability.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

type captureSubmitter struct {
	jobs []*jobs.Job
	err  error
}

func (c *captureSubmitter) Submit(job *jobs.Job) error {
	if c.err != nil {
		return c.err
	}
	c.jobs = append(c.jobs, job)
	return nil
}

type mockDelivery struct {
	mock.Mock
}

func (m *mockDelivery) Deliver(email string, kp mail.KeyPair, publicAddress, defaultUser string) error {
	return m.Called(email, kp, publicAddress, defaultUser).Error(0)
}

type recordingForgetter struct {
	mu        sync.Mutex
	forgotten []string
}

func (r *recordingForgetter) Forget(address string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, fmt.Sprintf("%s:%d", address, port))
	return nil
}

func (r *recordingForgetter) addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.forgotten...)
}
