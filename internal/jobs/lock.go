package jobs

import (
	"context"
	"sync"
)

// Locker provides mutual exclusion per key. Lock blocks until the key is
// free or ctx is done; the returned function releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type memoryLock struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker is a Locker for a single process
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*memoryLock
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*memoryLock)}
}

func (l *MemoryLocker) acquireRef(key string) *memoryLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[key]
	if !ok {
		lock = &memoryLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (l *MemoryLocker) releaseRef(key string, lock *memoryLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock acquires the lock for key
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock := l.acquireRef(key)

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(key, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			l.releaseRef(key, lock)
		})
	}, nil
}
