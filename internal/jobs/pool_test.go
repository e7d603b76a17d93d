package jobs

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestPoolRunsJobsAndReportsResults(t *testing.T) {
	var mu sync.Mutex
	var results []Result

	pool := NewPool(Config{Workers: 2, QueueSize: 10}, nil, testLogger()).
		WithObserver(func(r Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		})
	pool.Start()

	failure := errors.New("failed")
	require.NoError(t, pool.Submit(&Job{ID: "1", Run: func(ctx context.Context) error { return nil }}))
	require.NoError(t, pool.Submit(&Job{ID: "2", Run: func(ctx context.Context) error { return failure }}))
	require.NoError(t, pool.Submit(&Job{ID: "3", Run: func(ctx context.Context) error { panic("boom") }}))

	require.NoError(t, pool.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 3)

	byID := map[string]error{}
	for _, r := range results {
		byID[r.Job.ID] = r.Err
	}
	assert.NoError(t, byID["1"])
	assert.ErrorIs(t, byID["2"], failure)
	assert.ErrorContains(t, byID["3"], "panicked")
}

func TestPoolQueueFull(t *testing.T) {
	pool := NewPool(Config{Workers: 1, QueueSize: 1}, nil, testLogger())

	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, pool.Submit(&Job{ID: "1", Run: noop}))
	assert.ErrorIs(t, pool.Submit(&Job{ID: "2", Run: noop}), ErrQueueFull)
	assert.Equal(t, 1, pool.Len())

	require.NoError(t, pool.Shutdown(context.Background()))
	assert.ErrorIs(t, pool.Submit(&Job{ID: "3", Run: noop}), ErrPoolClosed)
}

func TestPoolSerialisesJobsWithSameKey(t *testing.T) {
	pool := NewPool(Config{Workers: 4, QueueSize: 20}, nil, testLogger())
	pool.Start()

	var running, maxRunning int32
	job := func(ctx context.Context) error {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(&Job{Key: "server-1", Run: job}))
	}
	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestPoolKeyedJobsDoNotStarveOtherKeys(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 10}, nil, testLogger())
	pool.Start()

	release := make(chan struct{})
	started := make(chan string, 3)
	blocking := func(id string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			started <- id
			<-release
			return nil
		}
	}

	require.NoError(t, pool.Submit(&Job{ID: "a-1", Key: "server-a", Run: blocking("a-1")}))
	require.NoError(t, pool.Submit(&Job{ID: "a-2", Key: "server-a", Run: blocking("a-2")}))
	require.NoError(t, pool.Submit(&Job{ID: "b-1", Key: "server-b", Run: func(ctx context.Context) error {
		started <- "b-1"
		return nil
	}}))

	var order []string
	for len(order) < 2 {
		select {
		case id := <-started:
			order = append(order, id)
		case <-time.After(time.Second):
			t.Fatalf("server-b job did not run while server-a was busy, started %v", order)
		}
	}
	assert.ElementsMatch(t, []string{"a-1", "b-1"}, order)
	assert.Equal(t, 1, pool.Len())

	close(release)
	select {
	case id := <-started:
		assert.Equal(t, "a-2", id)
	case <-time.After(time.Second):
		t.Fatal("second server-a job never ran")
	}
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolShutdownTimeoutCancelsJobs(t *testing.T) {
	pool := NewPool(Config{Workers: 1, QueueSize: 1}, nil, testLogger())
	pool.Start()

	cancelled := make(chan struct{})
	require.NoError(t, pool.Submit(&Job{Run: func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Shutdown(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running job was not cancelled")
	}
}

func TestMemoryLockerHonoursContext(t *testing.T) {
	locker := NewMemoryLocker()

	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()

	unlock, err = locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()

	assert.Empty(t, locker.locks)
}

type mockRedisClient struct {
	mock.Mock
}

func (m *mockRedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(ctx, key, value, expiration)
	return args.Get(0).(*redis.BoolCmd)
}

func (m *mockRedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	mockArgs := m.Called(ctx, script, keys, args)
	return mockArgs.Get(0).(*redis.Cmd)
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	client := new(mockRedisClient)
	options := RedisOptions{KeyPrefix: "test:", TTL: time.Minute, RetryInterval: time.Millisecond}

	var token interface{}
	client.On("SetNX", mock.Anything, "test:server-1", mock.Anything, time.Minute).
		Return(redis.NewBoolResult(false, nil)).Once()
	client.On("SetNX", mock.Anything, "test:server-1", mock.Anything, time.Minute).
		Run(func(args mock.Arguments) { token = args.Get(2) }).
		Return(redis.NewBoolResult(true, nil)).Once()
	client.On("Eval", mock.Anything, releaseScript, []string{"test:server-1"}, mock.Anything).
		Return(redis.NewCmdResult(int64(1), nil)).Once()

	locker := NewRedisLocker(client, options, testLogger())
	unlock, err := locker.Lock(context.Background(), "server-1")
	require.NoError(t, err)
	unlock()

	client.AssertExpectations(t)
	evalArgs := client.Calls[len(client.Calls)-1].Arguments.Get(3).([]interface{})
	assert.Equal(t, token, evalArgs[0])
}

func TestRedisLockerError(t *testing.T) {
	client := new(mockRedisClient)
	client.On("SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(redis.NewBoolResult(false, errors.New("connection refused")))

	locker := NewRedisLocker(client, RedisOptions{}, testLogger())
	_, err := locker.Lock(context.Background(), "server-1")
	assert.ErrorContains(t, err, "connection refused")
}
