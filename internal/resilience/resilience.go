// Package resilience provides the retry and circuit breaker patterns used
// around calls to the cloud backend.
//
// - Retry pattern: retries failed idempotent operations with exponential backoff
// - Circuit Breaker pattern: stops calling a backend that keeps failing
//
// Both are combined by Policy, which is what the cloud adapters hold.
package resilience

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Common errors used throughout the resilience package
var (
	// ErrCircuitBreakerOpen is returned when a request is rejected because the circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// ErrMaxRetriesReached is returned when the maximum number of retries has been reached
	ErrMaxRetriesReached = errors.New("maximum retries reached")

	// ErrMaxDurationReached is returned when the maximum retry duration has been reached
	ErrMaxDurationReached = errors.New("maximum retry duration reached")
)

// RetryableError is an interface for errors that can be retried.
type RetryableError interface {
	error
	// IsRetryable returns true if the error can be retried, false otherwise
	IsRetryable() bool
}

type retryableError struct {
	error
	retryable bool
}

func (e retryableError) IsRetryable() bool {
	return e.retryable
}

func (e retryableError) Unwrap() error {
	return e.error
}

// NewRetryableError marks err as retryable or permanent
func NewRetryableError(err error, retryable bool) error {
	return retryableError{error: err, retryable: retryable}
}

// Classifier decides whether an error is worth retrying and counts against
// the circuit breaker
type Classifier func(err error) bool

// IsRetryable is the default classifier: errors marked with NewRetryableError
// follow their mark, context errors are permanent, everything else is retried.
func IsRetryable(err error) bool {
	var re RetryableError
	if errors.As(err, &re) {
		return re.IsRetryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Policy combines a circuit breaker and a retry policy for one backend
type Policy struct {
	breaker  *CircuitBreaker
	retry    *RetryPolicy
	classify Classifier
}

// NewPolicy creates a policy. A nil classifier uses IsRetryable.
func NewPolicy(serviceName string, breaker CircuitBreakerConfig, retry ExponentialBackoffConfig, classify Classifier, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if classify == nil {
		classify = IsRetryable
	}

	return &Policy{
		breaker:  NewCircuitBreaker(serviceName, breaker, logger),
		retry:    NewRetryPolicy(serviceName, retry, classify, logger),
		classify: classify,
	}
}

// Breaker returns the policy's circuit breaker
func (p *Policy) Breaker() *CircuitBreaker {
	return p.breaker
}

// Retry returns the policy's retry policy
func (p *Policy) Retry() *RetryPolicy {
	return p.retry
}

// Call runs f once behind the circuit breaker. Use it for non-idempotent operations.
func (p *Policy) Call(ctx context.Context, f func(ctx context.Context) error) error {
	return p.breaker.Execute(ctx, f, p.classify)
}

// Do runs f behind the circuit breaker and retries it with backoff.
// Use it for idempotent operations only.
func Do[T any](ctx context.Context, p *Policy, f func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.retry.Execute(ctx, func(ctx context.Context) error {
		return p.breaker.Execute(ctx, func(ctx context.Context) error {
			v, err := f(ctx)
			if err != nil {
				return err
			}
			result = v
			return nil
		}, p.classify)
	})
	return result, err
}
