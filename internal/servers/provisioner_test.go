package servers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ao/litestack/internal/catalog"
	"github.com/ao/litestack/internal/cloud"
	"github.com/ao/litestack/internal/keys"
	"github.com/ao/litestack/internal/mail"
	"github.com/ao/litestack/internal/observability"
	"github.com/ao/litestack/internal/storage"
)

var alice = Principal{UserID: "u1", Email: "alice@example.com"}

type managerFixture struct {
	store     *storage.Manager
	keys      *keys.Store
	cloud     *mockProvider
	delivery  *mockDelivery
	submitter *captureSubmitter
	events    *recordingPublisher
	hostKeys  *recordingForgetter
	metrics   *observability.Metrics
	manager   *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	f := &managerFixture{
		store:     newTestStore(t),
		keys:      newTestKeys(t),
		cloud:     new(mockProvider),
		delivery:  new(mockDelivery),
		submitter: &captureSubmitter{},
		events:    &recordingPublisher{},
		hostKeys:  &recordingForgetter{},
		metrics:   observability.NewMetrics(),
	}

	require.NoError(t, f.store.SaveConfiguration(context.Background(), storage.ServerConfiguration{
		Name:     "small-ubuntu",
		Image:    "ubuntu-22.04",
		Flavor:   "m1.small",
		Networks: []string{"private"},
	}))

	logger := testLogger()
	cat := catalog.Default()
	provisioner := NewProvisioner(f.cloud, f.keys, logger).WithWait(time.Millisecond, 50*time.Millisecond).
		WithHostKeys(f.hostKeys, 22)
	runner := NewRunner(f.store, cat, new(mockExecutor), f.keys, logger)
	f.manager = NewManager(f.store, f.cloud, cat, provisioner, runner, f.submitter, logger).
		WithKeyDelivery(f.delivery).
		WithHostKeys(f.hostKeys, 22).
		WithMetrics(f.metrics).
		WithEvents(f.events)
	return f
}

// expectLookups sets up the image, flavor and network resolution
func (f *managerFixture) expectLookups() {
	f.cloud.On("FindImage", mock.Anything, "ubuntu-22.04").Return(&cloud.Image{ID: "img-1", Name: "ubuntu-22.04"}, nil)
	f.cloud.On("FindFlavor", mock.Anything, "m1.small").Return(&cloud.Flavor{ID: "fl-1", Name: "m1.small"}, nil)
	f.cloud.On("FindNetwork", mock.Anything, "private").Return(&cloud.Network{ID: "net-1", Name: "private"}, nil)
}

func (f *managerFixture) expectNewKeyPair() {
	f.cloud.On("GetKeyPair", mock.Anything, "u1_litestack").Return(nil, cloud.ErrResourceNotFound)
	f.cloud.On("CreateKeyPair", mock.Anything, "u1_litestack").
		Return(&cloud.KeyPair{Name: "u1_litestack", PublicKey: "ssh-rsa AAAA", PrivateKey: "PRIVATE"}, nil)
}

func (f *managerFixture) expectInstance() {
	f.cloud.On("CreateInstance", mock.Anything, cloud.CreateInstanceOptions{
		Name:       "web",
		ImageID:    "img-1",
		FlavorID:   "fl-1",
		NetworkIDs: []string{"net-1"},
		KeyName:    "u1_litestack",
	}).Return(&cloud.Instance{ID: "i-1", Name: "web", Status: cloud.StatusBuild}, nil)

	f.cloud.On("GetInstance", mock.Anything, "i-1").
		Return(&cloud.Instance{ID: "i-1", Name: "web", Status: cloud.StatusBuild}, nil).Once()
	f.cloud.On("GetInstance", mock.Anything, "i-1").
		Return(&cloud.Instance{ID: "i-1", Name: "web", Status: cloud.StatusActive}, nil)

	f.cloud.On("ListPorts", mock.Anything, "i-1").Return([]cloud.Port{
		{ID: "p-2", NetworkID: "net-other", DeviceID: "i-1"},
		{ID: "p-1", NetworkID: "net-1", DeviceID: "i-1"},
	}, nil)
}

func (f *managerFixture) rows(t *testing.T) []*storage.OwnedServer {
	t.Helper()
	rows, err := f.store.ListOwnedServers(context.Background(), "")
	require.NoError(t, err)
	return rows
}

func createWeb(f *managerFixture) (*Server, error) {
	return f.manager.CreateServer(context.Background(), alice, CreateServerRequest{
		Name:          "web",
		Configuration: "small-ubuntu",
	})
}

func TestCreateServerHappyPath(t *testing.T) {
	f := newManagerFixture(t)
	f.expectLookups()
	f.expectNewKeyPair()
	f.expectInstance()
	f.cloud.On("CreateFloatingIP", mock.Anything, "p-1").
		Return(&cloud.FloatingIP{ID: "fip-1", Address: "203.0.113.7", PortID: "p-1"}, nil)
	f.delivery.On("Deliver", "alice@example.com",
		mail.KeyPair{PrivateKey: "PRIVATE", PublicKey: "ssh-rsa AAAA"}, "203.0.113.7", "ubuntu").Return(nil)

	server, err := createWeb(f)
	require.NoError(t, err)

	assert.Equal(t, "i-1", server.InstanceID)
	assert.Equal(t, "203.0.113.7", server.PublicAddress)
	assert.Equal(t, cloud.StatusActive, server.Status)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "i-1", rows[0].InstanceID)
	assert.Equal(t, "u1", rows[0].OwnerID)
	assert.Equal(t, "ubuntu-22.04", rows[0].Image)

	key, err := f.keys.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, []byte("PRIVATE"), key)

	f.delivery.AssertExpectations(t)
	assert.Contains(t, f.events.types(), observability.EventServerProvisioned)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Provisionings.WithLabelValues(observability.OutcomeSuccess)))
}

func TestCreateServerFloatingIPFailureRollsBack(t *testing.T) {
	f := newManagerFixture(t)
	f.expectLookups()
	f.expectNewKeyPair()
	f.expectInstance()

	var order []string
	f.cloud.On("CreateFloatingIP", mock.Anything, "p-1").Return(nil, fmt.Errorf("no addresses left: %w", cloud.ErrInfrastructure))
	f.cloud.On("DeleteInstance", mock.Anything, "i-1").Run(func(mock.Arguments) { order = append(order, "instance") }).Return(nil)
	f.cloud.On("DeleteKeyPair", mock.Anything, "u1_litestack").Run(func(mock.Arguments) { order = append(order, "keypair") }).Return(nil)

	_, err := createWeb(f)
	require.Error(t, err)
	assert.ErrorIs(t, err, cloud.ErrInfrastructure)

	var cleanupErr *CleanupError
	assert.False(t, errors.As(err, &cleanupErr))

	assert.Empty(t, f.rows(t))
	assert.Equal(t, []string{"instance", "keypair"}, order)

	_, err = f.keys.Load("u1")
	assert.ErrorIs(t, err, keys.ErrNoKey)

	f.delivery.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Contains(t, f.events.types(), observability.EventProvisionFailed)
}

func TestCreateServerCleanupFailure(t *testing.T) {
	f := newManagerFixture(t)
	f.expectLookups()
	f.cloud.On("GetKeyPair", mock.Anything, "u1_litestack").Return(&cloud.KeyPair{Name: "u1_litestack"}, nil)
	f.expectInstance()
	f.cloud.On("CreateFloatingIP", mock.Anything, "p-1").Return(nil, cloud.ErrInfrastructure)
	f.cloud.On("DeleteInstance", mock.Anything, "i-1").Return(errors.New("compute unavailable"))

	_, err := createWeb(f)

	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	assert.Equal(t, []string{"instance i-1"}, cleanupErr.Resources)
	assert.ErrorIs(t, err, cloud.ErrInfrastructure)
	assert.Empty(t, f.rows(t))

	f.cloud.AssertNotCalled(t, "DeleteKeyPair", mock.Anything, mock.Anything)
	assert.Contains(t, f.events.types(), observability.EventCleanupFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CleanupFailures))
}

func TestCreateServerRegistrationFailureRollsBack(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.store.InsertOwnedServer(context.Background(), &storage.OwnedServer{InstanceID: "i-1", OwnerID: "someone"}))

	f.expectLookups()
	f.cloud.On("GetKeyPair", mock.Anything, "u1_litestack").Return(&cloud.KeyPair{Name: "u1_litestack"}, nil)
	f.expectInstance()
	f.cloud.On("CreateFloatingIP", mock.Anything, "p-1").
		Return(&cloud.FloatingIP{ID: "fip-1", Address: "203.0.113.7", PortID: "p-1"}, nil)
	f.cloud.On("DeleteFloatingIP", mock.Anything, "fip-1").Return(nil)
	f.cloud.On("DeleteInstance", mock.Anything, "i-1").Return(nil)

	_, err := createWeb(f)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	f.cloud.AssertCalled(t, "DeleteFloatingIP", mock.Anything, "fip-1")
	f.cloud.AssertCalled(t, "DeleteInstance", mock.Anything, "i-1")
	assert.Equal(t, []string{"203.0.113.7:22"}, f.hostKeys.addresses())
}

func TestCreateServerImageNotFound(t *testing.T) {
	f := newManagerFixture(t)
	f.cloud.On("FindImage", mock.Anything, "ubuntu-22.04").Return(nil, cloud.ErrResourceNotFound)

	_, err := createWeb(f)
	assert.ErrorIs(t, err, cloud.ErrResourceNotFound)
	f.cloud.AssertNotCalled(t, "CreateInstance", mock.Anything, mock.Anything)
	assert.Empty(t, f.rows(t))
}

func TestCreateServerUnknownConfiguration(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.CreateServer(context.Background(), alice, CreateServerRequest{Name: "web", Configuration: "huge"})
	assert.ErrorIs(t, err, ErrConfigurationNotFound)

	_, err = f.manager.CreateServer(context.Background(), alice, CreateServerRequest{Configuration: "small-ubuntu"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestProvisionerTimeout(t *testing.T) {
	f := newManagerFixture(t)
	f.expectLookups()
	f.cloud.On("GetKeyPair", mock.Anything, "u1_litestack").Return(&cloud.KeyPair{Name: "u1_litestack"}, nil)
	f.cloud.On("CreateInstance", mock.Anything, mock.Anything).Return(&cloud.Instance{ID: "i-1", Status: cloud.StatusBuild}, nil)
	f.cloud.On("GetInstance", mock.Anything, "i-1").Return(&cloud.Instance{ID: "i-1", Status: cloud.StatusBuild}, nil)
	f.cloud.On("DeleteInstance", mock.Anything, "i-1").Return(nil)

	_, err := createWeb(f)
	assert.ErrorIs(t, err, cloud.ErrTimeout)
	f.cloud.AssertCalled(t, "DeleteInstance", mock.Anything, "i-1")
	f.cloud.AssertNotCalled(t, "ListPorts", mock.Anything, mock.Anything)
	assert.Empty(t, f.rows(t))
}

func TestProvisionerInstanceError(t *testing.T) {
	f := newManagerFixture(t)
	f.expectLookups()
	f.cloud.On("GetKeyPair", mock.Anything, "u1_litestack").Return(&cloud.KeyPair{Name: "u1_litestack"}, nil)
	f.cloud.On("CreateInstance", mock.Anything, mock.Anything).Return(&cloud.Instance{ID: "i-1", Status: cloud.StatusBuild}, nil)
	f.cloud.On("GetInstance", mock.Anything, "i-1").Return(&cloud.Instance{ID: "i-1", Status: cloud.StatusError}, nil)
	f.cloud.On("DeleteInstance", mock.Anything, "i-1").Return(cloud.ErrResourceNotFound)

	_, err := createWeb(f)
	assert.ErrorIs(t, err, cloud.ErrInfrastructure)

	var cleanupErr *CleanupError
	assert.False(t, errors.As(err, &cleanupErr))
}

func TestProvisionerNoPort(t *testing.T) {
	f := newManagerFixture(t)
	f.expectLookups()
	f.cloud.On("GetKeyPair", mock.Anything, "u1_litestack").Return(&cloud.KeyPair{Name: "u1_litestack"}, nil)
	f.cloud.On("CreateInstance", mock.Anything, mock.Anything).Return(&cloud.Instance{ID: "i-1", Status: cloud.StatusActive}, nil)
	f.cloud.On("GetInstance", mock.Anything, "i-1").Return(&cloud.Instance{ID: "i-1", Status: cloud.StatusActive}, nil)
	f.cloud.On("ListPorts", mock.Anything, "i-1").Return([]cloud.Port{}, nil)
	f.cloud.On("DeleteInstance", mock.Anything, "i-1").Return(nil)

	_, err := createWeb(f)
	assert.ErrorIs(t, err, cloud.ErrInfrastructure)
	f.cloud.AssertNotCalled(t, "CreateFloatingIP", mock.Anything, mock.Anything)
	assert.Empty(t, f.rows(t))
}

func TestCleanupErrorMessage(t *testing.T) {
	err := &CleanupError{Err: cloud.ErrTimeout, Resources: []string{"instance i-1", "keypair k"}}
	assert.Contains(t, err.Error(), "needs manual cleanup: instance i-1, keypair k")
	assert.ErrorIs(t, err, cloud.ErrTimeout)
}
