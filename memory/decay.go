package memory

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/internal/metrics"
	"github.com/memflow/memflow/types"
)

// DecayEngine applies the forgetting curve to long-term memories and
// prunes the ones that faded below the retention threshold.
type DecayEngine struct {
	db      *gorm.DB
	cfg     config.DecayConfig
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu     sync.Mutex
	cursor string // last memory ID visited by the previous decay pass
}

// NewDecayEngine creates the decay engine.
func NewDecayEngine(db *gorm.DB, cfg config.DecayConfig, collector *metrics.Collector, logger *zap.Logger) *DecayEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecayEngine{
		db:      db,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "decay_engine")),
		metrics: collector,
		now:     time.Now,
	}
}

// DecayedImportance computes the Ebbinghaus retention of a memory:
// base * e^(-(k/stability) * hoursSinceAccess), floored so nothing ever
// reaches zero. Stability dampens the decay rate, so reinforced
// memories fade slower.
func (e *DecayEngine) DecayedImportance(m *types.LongTermMemory, at time.Time) float64 {
	hours := at.Sub(m.LastAccessed).Hours()
	if hours <= 0 {
		return m.CurrentImportance
	}
	stability := m.Stability
	if stability <= 0 {
		stability = 1
	}
	decayed := m.BaseImportance * math.Exp(-(e.cfg.Rate/stability)*hours)
	if decayed < e.cfg.Floor {
		return e.cfg.Floor
	}
	return decayed
}

// DecayPass recomputes CurrentImportance for one batch of active
// memories, then stops. A cursor carries across calls so repeated passes
// sweep the full population; when it wraps, the next call starts over.
// Changes smaller than the noise threshold are skipped entirely, which
// keeps a full sweep idempotent at the observation level. Returns how
// many records were updated.
func (e *DecayEngine) DecayPass(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := e.now()
	updated := 0
	batch := e.cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}

	e.mu.Lock()
	cursor := e.cursor
	e.mu.Unlock()

	var memories []types.LongTermMemory
	q := e.db.WithContext(ctx).
		Where("active = ?", true).
		Order("id").
		Limit(batch)
	if cursor != "" {
		q = q.Where("id > ?", cursor)
	}
	if err := q.Find(&memories).Error; err != nil {
		return 0, err
	}

	next := ""
	if len(memories) == batch {
		next = memories[len(memories)-1].ID
	}

	for i := range memories {
		m := &memories[i]
		decayed := e.DecayedImportance(m, now)
		if math.Abs(decayed-m.CurrentImportance) <= e.cfg.NoiseThreshold {
			continue
		}

		m.CurrentImportance = decayed
		m.UpdatedAt = now
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&types.LongTermMemory{}).
				Where("id = ?", m.ID).
				Updates(map[string]any{
					"current_importance": m.CurrentImportance,
					"updated_at":         m.UpdatedAt,
				}).Error; err != nil {
				return err
			}
			return syncAggregate(tx, m)
		})
		if err != nil {
			return updated, err
		}
		updated++
	}

	e.mu.Lock()
	e.cursor = next
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.DecayUpdatesTotal.Add(float64(updated))
	}
	e.logger.Debug("decay pass finished",
		zap.Int("scanned", len(memories)), zap.Int("updated", updated))
	return updated, nil
}

// PrunePass soft-deletes one batch of active memories whose importance
// fell below the prune threshold. Pruned rows leave the candidate set, so
// repeated calls work through the backlog without a cursor. Returns how
// many were pruned.
func (e *DecayEngine) PrunePass(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := e.now()
	pruned := 0
	batch := e.cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}

	var memories []types.LongTermMemory
	err := e.db.WithContext(ctx).
		Where("active = ? AND current_importance < ?", true, e.cfg.PruneThreshold).
		Limit(batch).
		Find(&memories).Error
	if err != nil {
		return 0, err
	}

	for i := range memories {
		m := &memories[i]
		m.Active = false
		m.UpdatedAt = now
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&types.LongTermMemory{}).
				Where("id = ?", m.ID).
				Updates(map[string]any{
					"active":     false,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
			return syncAggregate(tx, m)
		})
		if err != nil {
			return pruned, err
		}
		pruned++
	}

	if e.metrics != nil {
		e.metrics.PrunedTotal.Add(float64(pruned))
	}
	if pruned > 0 {
		e.logger.Info("pruned faded memories", zap.Int("count", pruned))
	}
	return pruned, nil
}
