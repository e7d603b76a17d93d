package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBackend = errors.New("backend unavailable")

func fastRetryConfig(maxRetries uint32) ExponentialBackoffConfig {
	return ExponentialBackoffConfig{
		InitialDelayMs: 1,
		MaxDelayMs:     2,
		MaxRetries:     maxRetries,
		Multiplier:     2.0,
	}
}

func TestRetryPolicySucceedsAfterFailures(t *testing.T) {
	policy := NewRetryPolicy("test", fastRetryConfig(3), nil, zap.NewNop())

	calls := 0
	err := policy.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errBackend
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	metrics := policy.GetMetrics()
	assert.Equal(t, uint64(2), metrics.TotalRetryAttempts)
	assert.Equal(t, uint64(1), metrics.SuccessfulRetries)
}

func TestRetryPolicyReturnsLastError(t *testing.T) {
	policy := NewRetryPolicy("test", fastRetryConfig(2), nil, zap.NewNop())

	calls := 0
	err := policy.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errBackend
	})

	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(1), policy.GetMetrics().FailedRetries)
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	policy := NewRetryPolicy("test", fastRetryConfig(5), nil, zap.NewNop())

	calls := 0
	err := policy.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return NewRetryableError(errBackend, false)
	})

	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	policy := NewRetryPolicy("test", ExponentialBackoffConfig{
		InitialDelayMs: 1000,
		MaxDelayMs:     1000,
		MaxRetries:     5,
		Multiplier:     1,
	}, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := policy.Execute(ctx, func(ctx context.Context) error {
		return errBackend
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		ConsecutiveErrorsThreshold: 2,
		OpenToHalfOpenTimeoutMs:    1000,
		HalfOpenSuccessThreshold:   1,
		HalfOpenAllowedCalls:       1,
	}, zap.NewNop())

	now := time.Now()
	cb.now = func() time.Time { return now }

	fail := func(ctx context.Context) error { return errBackend }
	ok := func(ctx context.Context) error { return nil }

	assert.ErrorIs(t, cb.Execute(context.Background(), fail, nil), errBackend)
	assert.Equal(t, CircuitBreakerStateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(context.Background(), fail, nil), errBackend)
	assert.Equal(t, CircuitBreakerStateOpen, cb.GetState())

	assert.ErrorIs(t, cb.Execute(context.Background(), ok, nil), ErrCircuitBreakerOpen)
	assert.Equal(t, uint64(1), cb.GetMetrics().RejectedCount)

	now = now.Add(2 * time.Second)
	assert.Equal(t, CircuitBreakerStateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(context.Background(), ok, nil))
	assert.Equal(t, CircuitBreakerStateClosed, cb.GetState())
}

func TestCircuitBreakerIgnoresUncountedErrors(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{ConsecutiveErrorsThreshold: 1}, zap.NewNop())
	notFound := errors.New("not found")

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return notFound
		}, func(err error) bool { return !errors.Is(err, notFound) })
		assert.ErrorIs(t, err, notFound)
	}

	assert.Equal(t, CircuitBreakerStateClosed, cb.GetState())
}

func TestDoReturnsValue(t *testing.T) {
	policy := NewPolicy("test", DefaultCircuitBreakerConfig(), fastRetryConfig(2), nil, zap.NewNop())

	calls := 0
	v, err := Do(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errBackend
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestCallDoesNotRetry(t *testing.T) {
	policy := NewPolicy("test", DefaultCircuitBreakerConfig(), fastRetryConfig(3), nil, zap.NewNop())

	calls := 0
	err := policy.Call(context.Background(), func(ctx context.Context) error {
		calls++
		return errBackend
	})

	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, 1, calls)
}
