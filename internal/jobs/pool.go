// Package jobs runs background work on a bounded pool of workers. Jobs for
// the same key wait in their own FIFO without holding a worker slot and are
// serialised across processes through a Locker.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot
	ErrQueueFull = errors.New("job queue is full")
	// ErrPoolClosed is returned by Submit after Shutdown
	ErrPoolClosed = errors.New("job pool is closed")
)

// Job is one unit of background work
type Job struct {
	// ID identifies the job in logs
	ID string
	// Name is a short label used for metrics
	Name string
	// Key serialises jobs; jobs with the same non-empty key never overlap
	Key string
	// Run does the work
	Run func(ctx context.Context) error

	enqueuedAt time.Time
}

// Result describes a finished job
type Result struct {
	Job       *Job
	Err       error
	QueueWait time.Duration
	Duration  time.Duration
}

// Config holds pool sizing
type Config struct {
	Workers   int
	QueueSize int
}

// Pool is a bounded queue drained by at most Workers concurrent jobs
type Pool struct {
	queue   chan *Job
	sem     *semaphore.Weighted
	workers int
	locker  Locker

	// keys holds the waiting jobs of every key with a job in flight
	keysMu sync.Mutex
	keys   map[string][]*Job
	parked int

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	dispatch chan struct{}

	observers []func(Result)
	logger    *logrus.Logger
}

// NewPool creates a pool. A nil locker uses a MemoryLocker.
func NewPool(cfg Config, locker Locker, logger *logrus.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:    make(chan *Job, cfg.QueueSize),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		workers:  cfg.Workers,
		locker:   locker,
		keys:     make(map[string][]*Job),
		ctx:      ctx,
		cancel:   cancel,
		dispatch: make(chan struct{}),
		logger:   logger,
	}
}

// WithObserver registers a callback invoked after every job
func (p *Pool) WithObserver(observer func(Result)) *Pool {
	p.observers = append(p.observers, observer)
	return p
}

// Start launches the dispatcher. It is safe to call more than once.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		go p.run()
		p.logger.WithFields(logrus.Fields{
			"workers":    p.workers,
			"queue_size": cap(p.queue),
		}).Info("Job pool started")
	})
}

// Len returns the number of jobs waiting to run
func (p *Pool) Len() int {
	p.keysMu.Lock()
	defer p.keysMu.Unlock()
	return len(p.queue) + p.parked
}

// Submit enqueues a job without blocking
func (p *Pool) Submit(job *Job) error {
	if job == nil || job.Run == nil {
		return fmt.Errorf("job has nothing to run")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	if p.Len() >= cap(p.queue) {
		return ErrQueueFull
	}

	job.enqueuedAt = time.Now()
	select {
	case p.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) run() {
	defer close(p.dispatch)

	for job := range p.queue {
		if !p.claim(job) {
			continue
		}

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.finish(job, err, time.Now())
			p.release(job.Key)
			continue
		}

		p.wg.Add(1)
		go func(job *Job) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			for job != nil {
				p.execute(job)
				job = p.next(job.Key)
			}
		}(job)
	}
}

// claim marks the key of job as in flight. When another job of the key is
// already in flight, job is parked behind it and claim returns false.
func (p *Pool) claim(job *Job) bool {
	if job.Key == "" {
		return true
	}

	p.keysMu.Lock()
	defer p.keysMu.Unlock()

	if waiting, ok := p.keys[job.Key]; ok {
		p.keys[job.Key] = append(waiting, job)
		p.parked++
		return false
	}
	p.keys[job.Key] = nil
	return true
}

// next pops the oldest parked job of key, or releases the key when none is left
func (p *Pool) next(key string) *Job {
	if key == "" {
		return nil
	}

	p.keysMu.Lock()
	defer p.keysMu.Unlock()

	waiting := p.keys[key]
	if len(waiting) == 0 {
		delete(p.keys, key)
		return nil
	}
	p.keys[key] = waiting[1:]
	p.parked--
	return waiting[0]
}

// release hands the key to its parked jobs and fails them, used when no
// worker slot could be taken
func (p *Pool) release(key string) {
	for job := p.next(key); job != nil; job = p.next(key) {
		p.finish(job, p.ctx.Err(), time.Now())
	}
}

func (p *Pool) execute(job *Job) {
	started := time.Now()
	log := p.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"job":    job.Name,
	})

	if job.Key != "" {
		unlock, err := p.locker.Lock(p.ctx, job.Key)
		if err != nil {
			p.finish(job, fmt.Errorf("failed to lock %s: %w", job.Key, err), started)
			return
		}
		defer unlock()
	}

	log.Debug("Job started")
	err := p.safeRun(job)
	p.finish(job, err, started)
}

func (p *Pool) safeRun(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"job_id": job.ID,
				"panic":  r,
				"stack":  string(debug.Stack()),
			}).Error("Job panicked")
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	return job.Run(p.ctx)
}

func (p *Pool) finish(job *Job, err error, started time.Time) {
	result := Result{
		Job:       job,
		Err:       err,
		QueueWait: started.Sub(job.enqueuedAt),
		Duration:  time.Since(started),
	}

	log := p.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job":      job.Name,
		"duration": result.Duration,
	})
	if err != nil {
		log.WithError(err).Error("Job failed")
	} else {
		log.Debug("Job finished")
	}

	for _, observer := range p.observers {
		observer(result)
	}
}

// Shutdown stops accepting jobs and waits for queued and running jobs.
// When ctx expires first, running jobs are cancelled and ctx.Err() is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	// drains the queue even if the pool was never started
	p.Start()

	done := make(chan struct{})
	go func() {
		<-p.dispatch
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
