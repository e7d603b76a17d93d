package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	refreshScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`
)

// redisClient is the subset of the redis client used by RedisLocker
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisOptions configures a RedisLocker
type RedisOptions struct {
	// KeyPrefix namespaces lock keys
	KeyPrefix string
	// TTL bounds how long a lock survives a crashed holder
	TTL time.Duration
	// RetryInterval is how often a blocked Lock polls
	RetryInterval time.Duration
}

// DefaultRedisOptions returns the default redis lock options
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		KeyPrefix:     "litestack:lock:",
		TTL:           30 * time.Second,
		RetryInterval: 250 * time.Millisecond,
	}
}

// RedisLocker is a Locker shared by several processes through redis.
// Held locks are refreshed until released.
type RedisLocker struct {
	client  redisClient
	options RedisOptions
	logger  *logrus.Logger
}

// NewRedisLocker creates a redis-backed locker
func NewRedisLocker(client redisClient, options RedisOptions, logger *logrus.Logger) *RedisLocker {
	defaults := DefaultRedisOptions()
	if options.TTL <= 0 {
		options.TTL = defaults.TTL
	}
	if options.RetryInterval <= 0 {
		options.RetryInterval = defaults.RetryInterval
	}

	return &RedisLocker{
		client:  client,
		options: options,
		logger:  logger,
	}
}

// Lock acquires the lock for key
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.options.KeyPrefix + key
	token := uuid.NewString()

	for {
		acquired, err := l.client.SetNX(ctx, redisKey, token, l.options.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire redis lock: %w", err)
		}
		if acquired {
			break
		}

		timer := time.NewTimer(l.options.RetryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.refresh(redisKey, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()

			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			released, err := l.client.Eval(releaseCtx, releaseScript, []string{redisKey}, token).Int64()
			if err != nil {
				l.logger.WithError(err).WithField("key", redisKey).Warn("Failed to release redis lock")
				return
			}
			if released == 0 {
				l.logger.WithField("key", redisKey).Warn("Redis lock expired before release")
			}
		})
	}, nil
}

func (l *RedisLocker) refresh(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.options.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.options.TTL/3)
			_, err := l.client.Eval(ctx, refreshScript, []string{key}, token, l.options.TTL.Milliseconds()).Result()
			cancel()
			if err != nil {
				l.logger.WithError(err).WithField("key", key).Warn("Failed to refresh redis lock")
			}
		}
	}
}
