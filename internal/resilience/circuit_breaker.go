package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	// CircuitBreakerStateClosed represents normal operation, requests are allowed
	CircuitBreakerStateClosed CircuitBreakerState = iota
	// CircuitBreakerStateOpen represents circuit is open, requests are rejected
	CircuitBreakerStateOpen
	// CircuitBreakerStateHalfOpen represents testing if the service is healthy again
	CircuitBreakerStateHalfOpen
)

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerStateClosed:
		return "closed"
	case CircuitBreakerStateOpen:
		return "open"
	case CircuitBreakerStateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig defines the configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// ConsecutiveErrorsThreshold is the number of consecutive errors before opening the circuit
	ConsecutiveErrorsThreshold uint32
	// OpenToHalfOpenTimeoutMs is the time to keep the circuit open before allowing trial calls
	OpenToHalfOpenTimeoutMs int64
	// HalfOpenSuccessThreshold is the number of successful calls required to close the circuit
	HalfOpenSuccessThreshold uint32
	// HalfOpenAllowedCalls is the maximum number of in-flight calls in half-open state
	HalfOpenAllowedCalls uint32
}

// DefaultCircuitBreakerConfig returns the default circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		ConsecutiveErrorsThreshold: 5,
		OpenToHalfOpenTimeoutMs:    30000,
		HalfOpenSuccessThreshold:   2,
		HalfOpenAllowedCalls:       2,
	}
}

// CircuitBreakerMetrics contains metrics for a circuit breaker
type CircuitBreakerMetrics struct {
	SuccessCount         uint64
	FailureCount         uint64
	RejectedCount        uint64
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	StateTransitionCount uint64
	CurrentState         CircuitBreakerState
	LastStateChange      time.Time
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	serviceName string
	config      CircuitBreakerConfig

	mu            sync.Mutex
	state         CircuitBreakerState
	halfOpenCalls uint32
	metrics       CircuitBreakerMetrics

	// now is replaced in tests
	now func() time.Time

	logger *zap.Logger
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(serviceName string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CircuitBreaker{
		serviceName: serviceName,
		config:      config,
		state:       CircuitBreakerStateClosed,
		metrics: CircuitBreakerMetrics{
			CurrentState:    CircuitBreakerStateClosed,
			LastStateChange: time.Now(),
		},
		now:    time.Now,
		logger: logger,
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.checkAutoTransitionToHalfOpen()
	return cb.state
}

// GetMetrics returns a copy of the current metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.metrics
}

// allowRequest reserves a slot for a call. Callers must hold cb.mu.
func (cb *CircuitBreaker) allowRequest() bool {
	cb.checkAutoTransitionToHalfOpen()

	switch cb.state {
	case CircuitBreakerStateOpen:
		return false
	case CircuitBreakerStateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenAllowedCalls {
			return false
		}
		cb.halfOpenCalls++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.metrics.SuccessCount++
	cb.metrics.ConsecutiveFailures = 0
	cb.metrics.ConsecutiveSuccesses++

	if cb.state == CircuitBreakerStateHalfOpen {
		cb.releaseHalfOpenCall()
		if cb.metrics.ConsecutiveSuccesses >= cb.config.HalfOpenSuccessThreshold {
			cb.transitionToState(CircuitBreakerStateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.metrics.FailureCount++
	cb.metrics.ConsecutiveFailures++
	cb.metrics.ConsecutiveSuccesses = 0

	switch cb.state {
	case CircuitBreakerStateHalfOpen:
		cb.releaseHalfOpenCall()
		cb.transitionToState(CircuitBreakerStateOpen)
	case CircuitBreakerStateClosed:
		if cb.metrics.ConsecutiveFailures >= cb.config.ConsecutiveErrorsThreshold {
			cb.transitionToState(CircuitBreakerStateOpen)
		}
	}
}

// a call admitted before the breaker went half-open holds no slot
func (cb *CircuitBreaker) releaseHalfOpenCall() {
	if cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// checkAutoTransitionToHalfOpen moves an open breaker to half-open once the
// open timeout has elapsed. Callers must hold cb.mu.
func (cb *CircuitBreaker) checkAutoTransitionToHalfOpen() {
	if cb.state != CircuitBreakerStateOpen {
		return
	}

	timeout := time.Duration(cb.config.OpenToHalfOpenTimeoutMs) * time.Millisecond
	if cb.now().Sub(cb.metrics.LastStateChange) >= timeout {
		cb.transitionToState(CircuitBreakerStateHalfOpen)
	}
}

// transitionToState changes state. Callers must hold cb.mu.
func (cb *CircuitBreaker) transitionToState(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}

	from := cb.state
	cb.state = newState
	cb.metrics.CurrentState = newState
	cb.metrics.LastStateChange = cb.now()
	cb.metrics.StateTransitionCount++

	if newState == CircuitBreakerStateHalfOpen {
		cb.halfOpenCalls = 0
		cb.metrics.ConsecutiveSuccesses = 0
	}

	cb.logger.Info("Circuit breaker state transition",
		zap.String("service", cb.serviceName),
		zap.String("from", from.String()),
		zap.String("to", newState.String()))
}

// Execute runs f if the circuit allows it. Only errors for which counts
// returns true are recorded as failures; others count as a healthy answer.
func (cb *CircuitBreaker) Execute(ctx context.Context, f func(ctx context.Context) error, counts Classifier) error {
	cb.mu.Lock()
	if !cb.allowRequest() {
		cb.metrics.RejectedCount++
		cb.mu.Unlock()
		return ErrCircuitBreakerOpen
	}
	cb.mu.Unlock()

	err := f(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && (counts == nil || counts(err)) {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}

	return err
}
