package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotRun marks a batch item whose task never started, typically because the
// batch context was canceled first
var ErrNotRun = errors.New("batch task not run")

// Logger receives panic and error reports from background tasks
var Logger logrus.FieldLogger = logrus.StandardLogger()

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Example:
//
//	SafeGo(ctx, 30*time.Second, "lock reaper", func(ctx context.Context) error {
//	    _, err := locker.ReapExpired(ctx)
//	    return err
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				Logger.WithFields(logrus.Fields{
					"task":  taskName,
					"stack": string(debug.Stack()),
				}).Errorf("panic in background task: %v", r)
			}
		}()

		if err := fn(ctx); err != nil {
			Logger.WithField("task", taskName).WithError(err).Error("background task failed")
		}
	}()
}

// WorkerPool manages a pool of workers that process tasks from a channel.
// Provides graceful shutdown and error collection.
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	shutdownOnce sync.Once
}

// NewWorkerPool creates a new worker pool.
//
// Example:
//
//	pool := NewWorkerPool(ctx, 10, "stage messages", 15*time.Minute)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//	    return handler.Handle(ctx, msg)
//	})
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit adds a task to the worker pool.
// Returns error if pool is shut down.
func (p *WorkerPool) Submit(fn func(context.Context) error) (err error) {
	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	default:
	}

	// closeWork may race with the send below
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker pool shut down")
		}
	}()

	select {
	case p.workCh <- fn:
		return nil
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	}
}

// Shutdown gracefully shuts down the worker pool.
// Waits up to timeout for workers to finish current tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		p.closeWork()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

// Errors returns a channel that receives worker errors.
// Non-blocking, use select to check for errors.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) closeWork() {
	p.closeOnce.Do(func() { close(p.workCh) })
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			if err := p.run(id, fn); err != nil {
				select {
				case p.errCh <- err:
				default:
					Logger.WithField("task", p.taskName).WithError(err).Warn("error channel full, dropping error")
				}
			}
		}
	}
}

// run executes one task under the per-task timeout, converting a panic into an error
func (p *WorkerPool) run(id int, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			Logger.WithFields(logrus.Fields{
				"task":   p.taskName,
				"worker": id,
				"stack":  string(debug.Stack()),
			}).Errorf("panic in worker: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return fn(ctx)
}

// Batch processes a slice of items concurrently using a worker pool. The returned
// slice is aligned with items: errs[i] is nil when items[i] succeeded. A failing
// item never affects the others.
//
// Example:
//
//	errs := Batch(ctx, messages, 10, "donations", 15*time.Minute, func(ctx context.Context, m Message) error {
//	    return handler.Handle(ctx, m)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	errs := make([]error, len(items))
	if len(items) == 0 {
		return errs
	}
	for i := range errs {
		errs[i] = ErrNotRun
	}

	pool := NewWorkerPool(ctx, workers, taskName, timeout)
	defer pool.Shutdown(5 * time.Second)

	for i, item := range items {
		if err := pool.Submit(func(ctx context.Context) error {
			errs[i] = callRecovered(ctx, taskName, item, fn)
			return nil
		}); err != nil {
			for j := i; j < len(items); j++ {
				errs[j] = err
			}
			break
		}
	}

	// Drain remaining tasks before reading results
	pool.closeWork()
	<-pool.doneCh
	pool.cancel()

	return errs
}

func callRecovered[T any](ctx context.Context, taskName string, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger.WithFields(logrus.Fields{
				"task":  taskName,
				"stack": string(debug.Stack()),
			}).Errorf("panic in batch task: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, item)
}
