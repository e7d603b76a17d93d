package servers

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ao/litestack/internal/catalog"
	"github.com/ao/litestack/internal/observability"
	"github.com/ao/litestack/internal/remote"
	"github.com/ao/litestack/internal/storage"
)

type runnerFixture struct {
	store    *storage.Manager
	executor *mockExecutor
	events   *recordingPublisher
	metrics  *observability.Metrics
	runner   *Runner
}

func newRunnerFixture(t *testing.T, tags []string, withKey bool) *runnerFixture {
	t.Helper()

	store := newTestStore(t)
	require.NoError(t, store.InsertOwnedServer(context.Background(), &storage.OwnedServer{
		InstanceID: "i-1",
		OwnerID:    "u1",
		Image:      "ubuntu-22.04-server",
		Tags:       tags,
	}))

	keyStore := newTestKeys(t)
	if withKey {
		require.NoError(t, keyStore.Save("u1", []byte("PRIVATE")))
	}

	f := &runnerFixture{
		store:    store,
		executor: new(mockExecutor),
		events:   &recordingPublisher{},
		metrics:  observability.NewMetrics(),
	}
	f.runner = NewRunner(store, catalog.Default(), f.executor, keyStore, testLogger()).
		WithSSHPort(2222).
		WithMetrics(f.metrics).
		WithEvents(f.events)
	return f
}

func (f *runnerFixture) tags(t *testing.T) []string {
	t.Helper()
	server, err := f.store.GetOwnedServer(context.Background(), "i-1")
	require.NoError(t, err)
	return server.Tags
}

func job(command string, action catalog.Action) CommandJob {
	return CommandJob{ID: "job-1", InstanceID: "i-1", Command: command, Action: action, Address: "203.0.113.7"}
}

func TestRunnerInstallSuccess(t *testing.T) {
	f := newRunnerFixture(t, []string{TagError}, true)
	expected, err := catalog.Default().Commands("grafana", catalog.ActionInstall)
	require.NoError(t, err)

	target := remote.Target{Address: "203.0.113.7", Port: 2222, User: "ubuntu", PrivateKey: []byte("PRIVATE")}
	f.executor.On("Execute", mock.Anything, target, expected).
		Run(func(mock.Arguments) {
			during := f.tags(t)
			assert.Contains(t, during, TagLoading)
			assert.NotContains(t, during, TagError)
		}).
		Return([]remote.CommandResult{{Command: expected[0]}}, nil)

	require.NoError(t, f.runner.Run(context.Background(), job("grafana", catalog.ActionInstall)))

	f.executor.AssertExpectations(t)
	assert.Equal(t, []string{"grafana"}, f.tags(t))
	assert.Equal(t, []string{observability.EventCommandSucceeded}, f.events.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommandJobs.WithLabelValues("grafana", "install", observability.OutcomeSuccess)))
}

func TestRunnerDeleteSuccessRemovesTag(t *testing.T) {
	f := newRunnerFixture(t, []string{"grafana", "mongo"}, true)
	f.executor.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return([]remote.CommandResult{}, nil)

	require.NoError(t, f.runner.Run(context.Background(), job("grafana", catalog.ActionDelete)))
	assert.Equal(t, []string{"mongo"}, f.tags(t))
}

func TestRunnerTransportFailureSetsErrorTag(t *testing.T) {
	f := newRunnerFixture(t, []string{"mongo"}, true)
	f.executor.On("Execute", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &remote.ExecutionError{Host: "203.0.113.7:2222", Err: errors.New("connection reset")})

	err := f.runner.Run(context.Background(), job("grafana", catalog.ActionInstall))

	var execErr *remote.ExecutionError
	assert.ErrorAs(t, err, &execErr)
	assert.Equal(t, []string{TagError, "mongo"}, f.tags(t))
	assert.Equal(t, []string{observability.EventCommandFailed}, f.events.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommandJobs.WithLabelValues("grafana", "install", observability.OutcomeFailure)))
}

func TestRunnerMissingKey(t *testing.T) {
	f := newRunnerFixture(t, nil, false)

	err := f.runner.Run(context.Background(), job("postgres", catalog.ActionInstall))
	assert.Error(t, err)
	assert.Equal(t, []string{TagError}, f.tags(t))
	f.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunnerUnknownCommandLeavesTags(t *testing.T) {
	f := newRunnerFixture(t, []string{"torch"}, true)

	err := f.runner.Run(context.Background(), job("emacs", catalog.ActionInstall))
	assert.ErrorIs(t, err, catalog.ErrUnknownCommand)
	assert.Equal(t, []string{"torch"}, f.tags(t))
}

func TestRunnerEchoLeavesSoftwareTags(t *testing.T) {
	f := newRunnerFixture(t, []string{"torch"}, true)
	f.executor.On("Execute", mock.Anything, mock.Anything, []string{`echo "test"`}).
		Return([]remote.CommandResult{{Command: `echo "test"`, Stdout: "test\n"}}, nil)

	require.NoError(t, f.runner.Run(context.Background(), job("echo", catalog.ActionInstall)))
	assert.Equal(t, []string{"torch"}, f.tags(t))
}

func TestRunnerServerDeletedBeforeStart(t *testing.T) {
	f := newRunnerFixture(t, nil, true)
	require.NoError(t, f.store.DeleteOwnedServer(context.Background(), "i-1"))

	err := f.runner.Run(context.Background(), job("grafana", catalog.ActionInstall))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunnerClearsLoadingWhenContextCancelled(t *testing.T) {
	f := newRunnerFixture(t, nil, true)
	ctx, cancel := context.WithCancel(context.Background())

	f.executor.On("Execute", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	assert.Error(t, f.runner.Run(ctx, job("mongo", catalog.ActionInstall)))
	assert.Equal(t, []string{TagError}, f.tags(t))
}
