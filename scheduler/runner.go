// Package scheduler drives the background memory lifecycle: one-shot
// task execution for asynchronous promotion and the periodic
// consolidation workflows.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner executes named one-shot tasks after a delay. Tasks run on
// their own goroutine; Stop waits for in-flight tasks and cancels their
// context.
type Runner struct {
	logger *zap.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// NewRunner creates a task runner.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger: logger.With(zap.String("component", "task_runner")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RunAfter schedules fn to run once after delay. Tasks scheduled after
// Stop are dropped.
func (r *Runner) RunAfter(delay time.Duration, name string, fn func(ctx context.Context)) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.logger.Warn("task dropped, runner stopped", zap.String("task", name))
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-r.ctx.Done():
				return
			case <-timer.C:
			}
		}
		if r.ctx.Err() != nil {
			return
		}

		start := time.Now()
		fn(r.ctx)
		r.logger.Debug("task finished",
			zap.String("task", name),
			zap.Duration("elapsed", time.Since(start)))
	}()
}

// Stop cancels pending delays and waits for running tasks.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
