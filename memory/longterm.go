package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/internal/metrics"
	"github.com/memflow/memflow/types"
	"github.com/memflow/memflow/vector"
)

// ConsolidationResult reports which branch consolidation took, so
// callers can count promotions accurately.
type ConsolidationResult string

const (
	ConsolidationCreated    ConsolidationResult = "created"
	ConsolidationReinforced ConsolidationResult = "reinforced"
)

// ScoredMemory is a long-term memory with its similarity score.
type ScoredMemory struct {
	Memory types.LongTermMemory
	Score  float64
}

// LongTermStore consolidates short-term memories, deduplicates via
// similarity, and keeps the aggregate index in lockstep with every
// importance or active-flag mutation.
type LongTermStore struct {
	db       *gorm.DB
	index    vector.Index
	cfg      config.LongTermConfig
	decayCfg config.DecayConfig
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// NewLongTermStore creates the long-term store.
func NewLongTermStore(db *gorm.DB, index vector.Index, cfg config.LongTermConfig, decayCfg config.DecayConfig, collector *metrics.Collector, logger *zap.Logger) *LongTermStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LongTermStore{
		db:       db,
		index:    index,
		cfg:      cfg,
		decayCfg: decayCfg,
		logger:   logger.With(zap.String("component", "long_term_store")),
		metrics:  collector,
		now:      time.Now,
	}
}

// syncAggregate replaces the aggregate-index entry for m inside tx.
// Every write path that changes importance, type, or the active flag
// must call this in the same transaction as the record write; direct
// mutation without it silently desyncs the O(log n) statistics.
func syncAggregate(tx *gorm.DB, m *types.LongTermMemory) error {
	if !m.Active {
		return tx.Delete(&types.AggregateEntry{}, "memory_id = ?", m.ID).Error
	}
	entry := types.AggregateEntry{
		MemoryID:   m.ID,
		OwnerID:    m.OwnerID,
		MemoryType: m.Type,
		Bucket:     types.ImportanceBucket(m.CurrentImportance),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "memory_id"}},
		UpdateAll: true,
	}).Create(&entry).Error
}

// ConsolidateFromSTM promotes one short-term memory into long-term
// memory. When an existing memory is similar enough (dedup threshold)
// it is reinforced instead of duplicated. The source short-term memory
// is removed either way, which also makes re-delivery of the
// consolidation trigger a no-op.
func (s *LongTermStore) ConsolidateFromSTM(ctx context.Context, stmID string) (ConsolidationResult, *types.LongTermMemory, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	var stm types.ShortTermMemory
	if err := s.db.WithContext(ctx).First(&stm, "id = ?", stmID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil, types.NewError(types.ErrNotFound, fmt.Sprintf("short-term memory %s not found", stmID))
		}
		return "", nil, err
	}
	if len(stm.Embedding) == 0 {
		return "", nil, fmt.Errorf("short-term memory %s has no embedding", stmID)
	}

	similar, err := s.SearchSimilar(ctx, stm.OwnerID, stm.Embedding, s.cfg.DedupTopK)
	if err != nil {
		return "", nil, err
	}

	if len(similar) > 0 && similar[0].Score >= s.cfg.DedupThreshold {
		reinforced, err := s.Reinforce(ctx, similar[0].Memory.ID, stm.ID)
		if err != nil {
			return "", nil, err
		}
		if err := s.removeSTM(ctx, stm.ID); err != nil {
			return "", nil, err
		}
		s.count(string(ConsolidationReinforced))
		return ConsolidationReinforced, reinforced, nil
	}

	created, err := s.create(ctx, &stm)
	if err != nil {
		return "", nil, err
	}
	if err := s.removeSTM(ctx, stm.ID); err != nil {
		return "", nil, err
	}
	s.count(string(ConsolidationCreated))
	return ConsolidationCreated, created, nil
}

func (s *LongTermStore) create(ctx context.Context, stm *types.ShortTermMemory) (*types.LongTermMemory, error) {
	now := s.now()

	mtype := types.MemoryEpisodic
	var entityName, entityType string
	if len(stm.Entities) > 0 {
		// Entity-bearing content is factual knowledge about the user.
		mtype = types.MemorySemantic
		best := stm.Entities[0]
		for _, e := range stm.Entities[1:] {
			if e.Salience > best.Salience {
				best = e
			}
		}
		entityName, entityType = best.Name, best.Type
	}

	importance := stm.Importance
	if importance <= 0 {
		importance = s.decayCfg.Floor
	}

	m := types.LongTermMemory{
		ID:                 uuid.NewString(),
		OwnerID:            stm.OwnerID,
		Content:            stm.Content,
		Summary:            stm.Summary,
		Embedding:          stm.Embedding,
		Type:               mtype,
		EntityName:         entityName,
		EntityType:         entityType,
		BaseImportance:     importance,
		CurrentImportance:  importance,
		Stability:          s.cfg.InitialStability,
		AccessCount:        1,
		LastAccessed:       now,
		ReinforcementCount: 1,
		Lineage:            []string{stm.ID},
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("insert long-term memory: %w", err)
		}
		return syncAggregate(tx, &m)
	})
	if err != nil {
		return nil, err
	}

	if err := s.index.Upsert(ctx, m.ID, m.Embedding, map[string]string{"owner": m.OwnerID}); err != nil {
		s.logger.Warn("long-term index upsert failed", zap.String("id", m.ID), zap.Error(err))
	}

	s.logger.Debug("long-term memory created",
		zap.String("id", m.ID),
		zap.String("owner", m.OwnerID),
		zap.String("type", string(m.Type)),
		zap.Float64("importance", m.CurrentImportance))

	return &m, nil
}

// Reinforce strengthens an existing memory instead of duplicating it:
// bounded importance and stability increments, a lineage append, and the
// paired aggregate resync. Bounded increments with capped maxima keep
// re-application of the same reinforcement harmless.
func (s *LongTermStore) Reinforce(ctx context.Context, memoryID, sourceSTMID string) (*types.LongTermMemory, error) {
	var m types.LongTermMemory

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, "id = ?", memoryID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return types.NewError(types.ErrNotFound, fmt.Sprintf("long-term memory %s not found", memoryID))
			}
			return err
		}

		m.ReinforcementCount++
		m.CurrentImportance = capAt(m.CurrentImportance+s.cfg.ImportanceIncrement, 1.0)
		m.Stability = capAt(m.Stability+s.cfg.StabilityIncrement, s.cfg.MaxStability)
		m.AccessCount++
		m.LastAccessed = s.now()
		m.UpdatedAt = s.now()
		if sourceSTMID != "" && !containsString(m.Lineage, sourceSTMID) {
			m.Lineage = append(m.Lineage, sourceSTMID)
		}

		if err := tx.Save(&m).Error; err != nil {
			return fmt.Errorf("reinforce long-term memory: %w", err)
		}
		return syncAggregate(tx, &m)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("long-term memory reinforced",
		zap.String("id", m.ID),
		zap.Int("reinforcements", m.ReinforcementCount),
		zap.Float64("importance", m.CurrentImportance),
		zap.Float64("stability", m.Stability))

	return &m, nil
}

// Delete soft-deletes a memory after an ownership check. The row is
// retained for lineage queries; the aggregate entry is removed in the
// same transaction.
func (s *LongTermStore) Delete(ctx context.Context, ownerID, memoryID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m types.LongTermMemory
		if err := tx.First(&m, "id = ?", memoryID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return types.NewError(types.ErrNotFound, fmt.Sprintf("long-term memory %s not found", memoryID))
			}
			return err
		}
		if m.OwnerID != ownerID {
			return types.NewError(types.ErrOwnership, fmt.Sprintf("long-term memory %s is not owned by %s", memoryID, ownerID))
		}
		if !m.Active {
			return nil
		}

		m.Active = false
		m.UpdatedAt = s.now()
		if err := tx.Save(&m).Error; err != nil {
			return err
		}
		return syncAggregate(tx, &m)
	})
}

// SearchSimilar runs an owner-scoped similarity query. The index
// supports equality filters only and excludes nothing automatically, so
// soft-deleted records are dropped here after the fetch. Cross-owner
// and soft-deleted records are never returned.
func (s *LongTermStore) SearchSimilar(ctx context.Context, ownerID string, embedding []float32, limit int) ([]ScoredMemory, error) {
	if limit <= 0 {
		limit = 10
	}

	// Over-fetch to survive post-filtering of soft-deleted hits.
	matches, err := s.index.Search(ctx, embedding, limit*2, map[string]string{"owner": ownerID})
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	scores := make(map[string]float64, len(matches))
	for i, match := range matches {
		ids[i] = match.ID
		scores[match.ID] = match.Score
	}

	var records []types.LongTermMemory
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&records).Error; err != nil {
		return nil, err
	}

	byID := make(map[string]types.LongTermMemory, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	results := make([]ScoredMemory, 0, limit)
	for _, match := range matches {
		r, ok := byID[match.ID]
		if !ok || !r.Active || r.OwnerID != ownerID {
			continue
		}
		results = append(results, ScoredMemory{Memory: r, Score: match.Score})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// RebuildIndex reloads every active memory's embedding into the
// similarity index. The in-memory index is process-local, so a restarted
// process must call this before similarity search or consolidation dedup
// sees the durable population. Returns how many vectors were loaded.
func (s *LongTermStore) RebuildIndex(ctx context.Context) (int, error) {
	const batch = 500
	loaded := 0
	var lastID string
	for {
		var memories []types.LongTermMemory
		q := s.db.WithContext(ctx).
			Where("active = ?", true).
			Order("id").
			Limit(batch)
		if lastID != "" {
			q = q.Where("id > ?", lastID)
		}
		if err := q.Find(&memories).Error; err != nil {
			return loaded, err
		}
		if len(memories) == 0 {
			return loaded, nil
		}
		lastID = memories[len(memories)-1].ID

		for i := range memories {
			m := &memories[i]
			if len(m.Embedding) == 0 {
				continue
			}
			if err := s.index.Upsert(ctx, m.ID, m.Embedding, map[string]string{"owner": m.OwnerID}); err != nil {
				return loaded, fmt.Errorf("rebuild long-term index: %w", err)
			}
			loaded++
		}

		if len(memories) < batch {
			return loaded, nil
		}
	}
}

// Get returns an active memory and records the access for decay
// bookkeeping.
func (s *LongTermStore) Get(ctx context.Context, ownerID, memoryID string) (*types.LongTermMemory, error) {
	var m types.LongTermMemory
	if err := s.db.WithContext(ctx).First(&m, "id = ? AND owner_id = ? AND active = ?", memoryID, ownerID, true).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("long-term memory %s not found", memoryID))
		}
		return nil, err
	}

	if err := s.RecordAccess(ctx, []string{m.ID}); err != nil {
		return nil, err
	}
	m.AccessCount++
	m.LastAccessed = s.now()
	return &m, nil
}

// RecordAccess bumps access counts and recency for the given memories.
// Importance is untouched, so no aggregate resync is needed.
func (s *LongTermStore) RecordAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&types.LongTermMemory{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"access_count":  gorm.Expr("access_count + 1"),
			"last_accessed": s.now(),
		}).Error
}

// ListActive returns an owner's active memories, optionally filtered by
// type, most important first.
func (s *LongTermStore) ListActive(ctx context.Context, ownerID string, mtype types.MemoryType, limit int) ([]types.LongTermMemory, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("owner_id = ? AND active = ?", ownerID, true)
	if mtype != "" {
		q = q.Where("type = ?", mtype)
	}

	var records []types.LongTermMemory
	if err := q.Order("current_importance DESC, last_accessed DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Stats reads the owner's population from the aggregate index. The
// composite (owner, type, bucket) index keeps these counts O(log n).
func (s *LongTermStore) Stats(ctx context.Context, ownerID string) (*types.MemoryStats, error) {
	type row struct {
		MemoryType types.MemoryType
		Bucket     int
		N          int64
	}

	var rows []row
	err := s.db.WithContext(ctx).
		Model(&types.AggregateEntry{}).
		Select("memory_type, bucket, COUNT(*) AS n").
		Where("owner_id = ?", ownerID).
		Group("memory_type, bucket").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &types.MemoryStats{ByType: make(map[types.MemoryType]int64)}
	for _, r := range rows {
		stats.Total += r.N
		stats.ByType[r.MemoryType] += r.N
		if r.Bucket >= 7 {
			stats.HighImportance += r.N
		}
		if r.Bucket <= 1 {
			stats.LowImportance += r.N
		}
	}
	return stats, nil
}

// ActiveOwnersSince returns owners whose long-term memory was touched
// after the cutoff.
func (s *LongTermStore) ActiveOwnersSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	var owners []string
	err := s.db.WithContext(ctx).
		Model(&types.LongTermMemory{}).
		Where("active = ? AND updated_at > ?", true, cutoff).
		Distinct().
		Pluck("owner_id", &owners).Error
	if err != nil {
		return nil, err
	}
	return owners, nil
}

func (s *LongTermStore) removeSTM(ctx context.Context, stmID string) error {
	if err := s.db.WithContext(ctx).Delete(&types.ShortTermMemory{}, "id = ?", stmID).Error; err != nil {
		return fmt.Errorf("remove consolidated short-term memory: %w", err)
	}
	return nil
}

func (s *LongTermStore) count(result string) {
	if s.metrics != nil {
		s.metrics.ConsolidationsTotal.WithLabelValues(result).Inc()
	}
}

func capAt(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
