// Package workerpool bounds the goroutines used for request handling and
// background batches.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	logger "github.com/Gopher0727/Orbo/middleware/log"
)

var ErrStopped = errors.New("worker pool stopped")

// Pool runs submitted jobs on a fixed number of workers. A panicking job is
// logged and does not take its worker down.
type Pool struct {
	jobs     chan func()
	workers  int
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
	log      *logger.Logger
}

func New(workers, queueSize int, log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		jobs:    make(chan func(), queueSize),
		workers: workers,
		quit:    make(chan struct{}),
		log:     log.Named("workerpool"),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			for {
				select {
				case job := <-p.jobs:
					p.run(workerID, job)
				case <-p.quit:
					return
				}
			}
		}(i)
	}
	p.log.Info("worker pool started", zap.Int("workers", p.workers), zap.Int("queue", cap(p.jobs)))
}

func (p *Pool) run(workerID int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job panicked", zap.Int("worker", workerID), zap.Any("panic", r))
		}
	}()
	job()
}

// Submit queues job, blocking while the queue is full.
func (p *Pool) Submit(job func()) error {
	return p.SubmitContext(context.Background(), job)
}

// SubmitContext queues job unless ctx is done first.
func (p *Pool) SubmitContext(ctx context.Context, job func()) error {
	select {
	case <-p.quit:
		return ErrStopped
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrStopped
	}
}

// Stop signals workers to exit after their current job. Queued jobs that
// were not picked up are dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// ItemError is the failure of one batch item.
type ItemError[T any] struct {
	Item T
	Err  error
}

// BatchResult summarizes a Run.
type BatchResult[T any] struct {
	Total     int
	Succeeded int
	// Skipped items were never started because the batch context ended.
	Skipped int
	Failed  []ItemError[T]
}

// Run applies fn to every item on the pool and waits for all of them. Each
// call gets its own timeout derived from ctx, so the batch deadline bounds
// the whole run while itemTimeout bounds each item. Errors and panics are
// collected per item; none of them stop the rest of the batch.
func Run[T any](ctx context.Context, p *Pool, items []T, itemTimeout time.Duration, fn func(ctx context.Context, item T) error) BatchResult[T] {
	result := BatchResult[T]{Total: len(items)}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded atomic.Int64
	)
	fail := func(item T, err error) {
		mu.Lock()
		result.Failed = append(result.Failed, ItemError[T]{Item: item, Err: err})
		mu.Unlock()
	}

	for i, item := range items {
		if ctx.Err() != nil {
			result.Skipped += len(items) - i
			break
		}
		wg.Add(1)
		err := p.SubmitContext(ctx, func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					fail(item, fmt.Errorf("panic: %v", r))
				}
			}()

			itemCtx, cancel := context.WithTimeout(ctx, itemTimeout)
			defer cancel()
			if err := fn(itemCtx, item); err != nil {
				fail(item, err)
				return
			}
			succeeded.Add(1)
		})
		if err != nil {
			wg.Done()
			result.Skipped += len(items) - i
			break
		}
	}

	wg.Wait()
	result.Succeeded = int(succeeded.Load())
	return result
}
