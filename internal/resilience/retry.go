package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExponentialBackoffConfig defines the configuration for exponential backoff
type ExponentialBackoffConfig struct {
	// InitialDelayMs is the initial delay in milliseconds
	InitialDelayMs int64
	// MaxDelayMs is the maximum delay in milliseconds
	MaxDelayMs int64
	// MaxRetries is the maximum number of retries
	MaxRetries uint32
	// Multiplier is the multiplier for each retry
	Multiplier float64
	// Jitter indicates whether to add jitter to the delay
	Jitter bool
	// MaxDurationMs is the maximum total duration for all retries in milliseconds
	MaxDurationMs *int64
}

// DefaultExponentialBackoffConfig returns the default exponential backoff configuration
func DefaultExponentialBackoffConfig() ExponentialBackoffConfig {
	maxDuration := int64(30000)
	return ExponentialBackoffConfig{
		InitialDelayMs: 200,
		MaxDelayMs:     5000,
		MaxRetries:     3,
		Multiplier:     2.0,
		Jitter:         true,
		MaxDurationMs:  &maxDuration,
	}
}

// RetryMetrics contains metrics for a retry policy
type RetryMetrics struct {
	// TotalRetryAttempts is the total number of retry attempts
	TotalRetryAttempts uint64
	// SuccessfulRetries is the number of operations that succeeded after retrying
	SuccessfulRetries uint64
	// FailedRetries is the number of operations that gave up
	FailedRetries uint64
	// MaxDelayObservedMs is the maximum delay observed in milliseconds
	MaxDelayObservedMs int64
}

// RetryPolicy implements the retry pattern with exponential backoff
type RetryPolicy struct {
	serviceName string
	config      ExponentialBackoffConfig
	classify    Classifier

	mu      sync.Mutex
	metrics RetryMetrics
	rand    *rand.Rand

	logger *zap.Logger
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(serviceName string, config ExponentialBackoffConfig, classify Classifier, logger *zap.Logger) *RetryPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if classify == nil {
		classify = IsRetryable
	}

	return &RetryPolicy{
		serviceName: serviceName,
		config:      config,
		classify:    classify,
		logger:      logger,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetMetrics returns the current metrics
func (p *RetryPolicy) GetMetrics() RetryMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.metrics
}

// calculateDelay calculates the delay for a retry attempt
func (p *RetryPolicy) calculateDelay(attempt uint32) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	baseDelayMs := float64(p.config.InitialDelayMs) * math.Pow(p.config.Multiplier, float64(attempt-1))
	delayMs := math.Min(baseDelayMs, float64(p.config.MaxDelayMs))

	if p.config.Jitter {
		// between 0.8 and 1.2
		delayMs *= 0.8 + p.rand.Float64()*0.4
	}

	if int64(delayMs) > p.metrics.MaxDelayObservedMs {
		p.metrics.MaxDelayObservedMs = int64(delayMs)
	}

	return time.Duration(delayMs) * time.Millisecond
}

func (p *RetryPolicy) giveUp() {
	p.mu.Lock()
	p.metrics.FailedRetries++
	p.mu.Unlock()
}

// Execute runs f until it succeeds, returns a permanent error, or the
// retry budget is spent. The last error is returned when retries run out.
func (p *RetryPolicy) Execute(ctx context.Context, f func(ctx context.Context) error) error {
	startTime := time.Now()
	var attempt uint32

	for {
		err := f(ctx)
		if err == nil {
			if attempt > 0 {
				p.mu.Lock()
				p.metrics.SuccessfulRetries++
				p.mu.Unlock()

				p.logger.Debug("Retry policy succeeded",
					zap.String("service", p.serviceName),
					zap.Uint32("attempts", attempt+1))
			}
			return nil
		}

		if !p.classify(err) || errors.Is(err, ErrCircuitBreakerOpen) {
			if attempt > 0 {
				p.giveUp()
			}
			return err
		}

		if attempt >= p.config.MaxRetries {
			p.giveUp()
			p.logger.Warn("Retry policy exceeded maximum retries",
				zap.String("service", p.serviceName),
				zap.Uint32("max_retries", p.config.MaxRetries),
				zap.Error(err))
			return err
		}

		if p.config.MaxDurationMs != nil && time.Since(startTime).Milliseconds() > *p.config.MaxDurationMs {
			p.giveUp()
			p.logger.Warn("Retry policy exceeded maximum duration",
				zap.String("service", p.serviceName),
				zap.Int64("max_duration_ms", *p.config.MaxDurationMs),
				zap.Error(err))
			return err
		}

		p.mu.Lock()
		p.metrics.TotalRetryAttempts++
		p.mu.Unlock()

		attempt++
		delay := p.calculateDelay(attempt)

		p.logger.Debug("Retry policy failed attempt, retrying",
			zap.String("service", p.serviceName),
			zap.Uint32("attempt", attempt),
			zap.Int64("delay_ms", delay.Milliseconds()),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			p.giveUp()
			return ctx.Err()
		}
	}
}
