// Package parallel runs tasks on a fixed set of worker goroutines.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/validation"
)

var (
	// ErrTooManyWorkers is returned when the worker count exceeds the maximum allowed.
	ErrTooManyWorkers = errors.New("worker count exceeds maximum")
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("worker pool closed")
)

// MaxWorkers is the maximum number of workers allowed in a pool.
const MaxWorkers = math.MaxInt / 2

// WorkerPool manages a pool of worker goroutines. A task that panics is
// recovered, counted and logged; the worker keeps running.
type WorkerPool struct {
	workers   int
	taskQueue chan func()
	wg        sync.WaitGroup
	once      sync.Once
	mu        sync.RWMutex // Protects taskQueue from concurrent close during send
	closed    bool         // Protected by mu
	completed atomic.Int64
	panics    atomic.Int64
	logger    logging.Logger
}

// NewWorkerPool creates a pool of workers goroutines; zero or negative
// means one. A nil logger discards task panics after counting them.
func NewWorkerPool(workers int, logger logging.Logger) (*WorkerPool, error) {
	workers = validation.DefaultOrInt(workers, 1)

	// Prevent overflow in buffer size calculation
	if workers > MaxWorkers {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrTooManyWorkers, workers, MaxWorkers)
	}

	if logger == nil {
		logger = logging.NewNopLogger()
	}

	pool := &WorkerPool{
		workers:   workers,
		taskQueue: make(chan func(), workers*2),
		logger:    logger.With(logging.Component("worker-pool")),
	}
	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}
	return pool, nil
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for task := range wp.taskQueue {
		wp.run(id, task)
	}
}

func (wp *WorkerPool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			wp.panics.Add(1)
			wp.logger.Error("worker panic recovered",
				logging.Int("worker", id),
				logging.Any("panic", r))
			return
		}
		wp.completed.Add(1)
	}()
	task()
}

// Submit queues task, blocking while the queue is full. It reports false
// if the pool is closed.
func (wp *WorkerPool) Submit(task func()) bool {
	return wp.SubmitContext(context.Background(), task) == nil
}

// SubmitContext queues task, blocking while the queue is full until ctx is
// done. It returns ErrPoolClosed or ctx.Err() when the task was not queued.
func (wp *WorkerPool) SubmitContext(ctx context.Context, task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		return ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// The read lock keeps Close from closing the queue under this send.
	select {
	case wp.taskQueue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Completed returns how many tasks ran to completion.
func (wp *WorkerPool) Completed() int64 {
	return wp.completed.Load()
}

// Panics returns how many tasks panicked.
func (wp *WorkerPool) Panics() int64 {
	return wp.panics.Load()
}

// Close stops accepting tasks and waits for queued ones to finish.
func (wp *WorkerPool) Close() {
	wp.once.Do(func() {
		wp.mu.Lock()
		wp.closed = true
		close(wp.taskQueue)
		wp.mu.Unlock()
	})
	wp.wg.Wait()
}

// Wait drains the queue and waits for the workers. The pool is closed
// afterwards.
func (wp *WorkerPool) Wait() {
	wp.Close()
}
