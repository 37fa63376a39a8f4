package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/memory"
	"github.com/memflow/memflow/retry"
	"github.com/memflow/memflow/types"
)

// Workflows runs the periodic consolidation cycles against the engine.
// Each cycle appends a ConsolidationLogEntry so operators can audit what
// the background machinery did and when.
type Workflows struct {
	engine  *memory.Engine
	cfg     config.SchedulerConfig
	logger  *zap.Logger
	retryer retry.Retryer
	clock   func() time.Time

	mu      sync.Mutex
	tickers []*time.Ticker
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewWorkflows creates the workflow driver.
func NewWorkflows(engine *memory.Engine, cfg config.SchedulerConfig, logger *zap.Logger) *Workflows {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflows{
		engine: engine,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "workflows")),
		retryer: retry.NewBackoffRetryer(&retry.Policy{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.RetryBackoff,
			MaxDelay:     time.Minute,
			Multiplier:   2,
			Jitter:       true,
		}, logger),
		clock: time.Now,
	}
}

// RunShortCycle expires stale short-term memories, then runs decay and
// promotion concurrently. Decay touches only long-term rows and
// promotion only consumes short-term rows, so the two do not contend.
func (w *Workflows) RunShortCycle(ctx context.Context) (*types.ConsolidationLogEntry, error) {
	start := w.clock()
	entry := &types.ConsolidationLogEntry{
		ID:        uuid.NewString(),
		RunType:   "short_cycle",
		CreatedAt: start,
	}

	err := w.retryer.Do(ctx, func() error {
		n, err := w.engine.CleanupExpiredSTM(ctx)
		entry.ExpiredSTM = n
		return err
	})
	if err != nil {
		return w.finish(ctx, entry, start, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.retryer.Do(gctx, func() error {
			n, err := w.engine.Decay(gctx)
			entry.Decayed = n
			return err
		})
	})
	g.Go(func() error {
		return w.retryer.Do(gctx, func() error {
			created, reinforced, err := w.engine.PromoteEligible(gctx)
			entry.Promoted = created
			entry.Reinforced = reinforced
			return err
		})
	})
	err = g.Wait()

	return w.finish(ctx, entry, start, err)
}

// RunDaily reflects over recently active owners.
func (w *Workflows) RunDaily(ctx context.Context) (*types.ConsolidationLogEntry, error) {
	start := w.clock()
	entry := &types.ConsolidationLogEntry{
		ID:        uuid.NewString(),
		RunType:   "daily",
		CreatedAt: start,
	}

	err := w.retryer.Do(ctx, func() error {
		n, err := w.engine.Reflect(ctx)
		entry.Reflections = n
		return err
	})
	return w.finish(ctx, entry, start, err)
}

// RunWeekly prunes faded memories and sweeps orphaned graph edges.
func (w *Workflows) RunWeekly(ctx context.Context) (*types.ConsolidationLogEntry, error) {
	start := w.clock()
	entry := &types.ConsolidationLogEntry{
		ID:        uuid.NewString(),
		RunType:   "weekly",
		CreatedAt: start,
	}

	err := w.retryer.Do(ctx, func() error {
		n, err := w.engine.Prune(ctx)
		entry.Pruned = n
		return err
	})
	if err == nil {
		err = w.retryer.Do(ctx, func() error {
			n, err := w.engine.SweepOrphanEdges(ctx)
			entry.EdgesSwept = n
			return err
		})
	}
	return w.finish(ctx, entry, start, err)
}

// finish stamps the duration, records the outcome, and persists the
// audit entry. The audit write failing never masks the run error.
func (w *Workflows) finish(ctx context.Context, entry *types.ConsolidationLogEntry, start time.Time, runErr error) (*types.ConsolidationLogEntry, error) {
	entry.DurationMs = w.clock().Sub(start).Milliseconds()
	if runErr != nil {
		entry.Error = runErr.Error()
	}

	if err := w.engine.LogRun(ctx, entry); err != nil {
		w.logger.Error("failed to persist run log",
			zap.String("run_type", entry.RunType), zap.Error(err))
	}

	if runErr != nil {
		w.logger.Error("background run failed",
			zap.String("run_type", entry.RunType),
			zap.Int64("duration_ms", entry.DurationMs),
			zap.Error(runErr))
		return entry, runErr
	}

	w.logger.Info("background run finished",
		zap.String("run_type", entry.RunType),
		zap.Int("expired_stm", entry.ExpiredSTM),
		zap.Int("decayed", entry.Decayed),
		zap.Int("promoted", entry.Promoted),
		zap.Int("reinforced", entry.Reinforced),
		zap.Int("pruned", entry.Pruned),
		zap.Int("edges_swept", entry.EdgesSwept),
		zap.Int("reflections", entry.Reflections),
		zap.Int64("duration_ms", entry.DurationMs))
	return entry, nil
}

// Start launches the periodic cycles. Call Stop to halt them.
func (w *Workflows) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.done = make(chan struct{})

	run := func(interval time.Duration, name string, fn func(context.Context) (*types.ConsolidationLogEntry, error)) {
		ticker := time.NewTicker(interval)
		w.tickers = append(w.tickers, ticker)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-w.done:
					return
				case <-ticker.C:
					if _, err := fn(ctx); err != nil {
						w.logger.Error("scheduled run failed", zap.String("run", name), zap.Error(err))
					}
				}
			}
		}()
	}

	run(w.cfg.ShortInterval, "short_cycle", w.RunShortCycle)
	run(w.cfg.DailyInterval, "daily", w.RunDaily)
	run(w.cfg.WeeklyInterval, "weekly", w.RunWeekly)

	w.logger.Info("background workflows started",
		zap.Duration("short_interval", w.cfg.ShortInterval),
		zap.Duration("daily_interval", w.cfg.DailyInterval),
		zap.Duration("weekly_interval", w.cfg.WeeklyInterval))
}

// Stop halts the periodic cycles and waits for in-flight runs.
func (w *Workflows) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.done)
	for _, t := range w.tickers {
		t.Stop()
	}
	w.tickers = nil
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("background workflows stopped")
}
