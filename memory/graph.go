package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow/memflow/internal/metrics"
	"github.com/memflow/memflow/types"
)

const (
	edgeInitialStrength = 0.5
	edgeStrengthenStep  = 0.1
)

// FactGraph stores directed entity relationships extracted from input.
// Edges live independently of the memories that produced them; a
// periodic sweep deactivates edges whose endpoints no longer exist in
// active long-term memory.
type FactGraph struct {
	db      *gorm.DB
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu          sync.Mutex
	sweepCursor string // last edge ID visited by the previous sweep
}

// NewFactGraph creates the fact graph store.
func NewFactGraph(db *gorm.DB, collector *metrics.Collector, logger *zap.Logger) *FactGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FactGraph{
		db:      db,
		logger:  logger.With(zap.String("component", "fact_graph")),
		metrics: collector,
		now:     time.Now,
	}
}

// EdgeInput carries one extracted relationship into the graph.
type EdgeInput struct {
	OwnerID    string
	SourceName string
	SourceType string
	Relation   string
	TargetName string
	TargetType string
	Fact       string
	Embedding  []float32
}

// UpsertEdge creates the edge keyed by (owner, source, relation, target)
// or strengthens the existing one. Repeated observation of the same fact
// converges to full strength instead of duplicating rows.
func (g *FactGraph) UpsertEdge(ctx context.Context, in EdgeInput) (*types.MemoryEdge, error) {
	if in.OwnerID == "" || in.SourceName == "" || in.Relation == "" || in.TargetName == "" {
		return nil, fmt.Errorf("owner, source, relation and target are required")
	}

	now := g.now()
	var edge types.MemoryEdge

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(
			"owner_id = ? AND source_name = ? AND relation = ? AND target_name = ?",
			in.OwnerID, in.SourceName, in.Relation, in.TargetName,
		).First(&edge).Error

		switch {
		case err == gorm.ErrRecordNotFound:
			edge = types.MemoryEdge{
				ID:         uuid.NewString(),
				OwnerID:    in.OwnerID,
				SourceName: in.SourceName,
				SourceType: in.SourceType,
				TargetName: in.TargetName,
				TargetType: in.TargetType,
				Relation:   in.Relation,
				Fact:       in.Fact,
				Embedding:  in.Embedding,
				Strength:   edgeInitialStrength,
				Active:     true,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			return tx.Create(&edge).Error
		case err != nil:
			return err
		}

		edge.Strength = capAt(edge.Strength+edgeStrengthenStep, 1.0)
		edge.Active = true
		if in.Fact != "" {
			edge.Fact = in.Fact
		}
		edge.UpdatedAt = now
		return tx.Save(&edge).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert edge: %w", err)
	}
	return &edge, nil
}

// Neighbors returns active edges touching the named entity in either
// direction, strongest first.
func (g *FactGraph) Neighbors(ctx context.Context, ownerID, entityName string, limit int) ([]types.MemoryEdge, error) {
	if limit <= 0 {
		limit = 20
	}
	var edges []types.MemoryEdge
	err := g.db.WithContext(ctx).
		Where("owner_id = ? AND active = ? AND (source_name = ? OR target_name = ?)",
			ownerID, true, entityName, entityName).
		Order("strength DESC").
		Limit(limit).
		Find(&edges).Error
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// ListActive returns an owner's active edges, strongest first.
func (g *FactGraph) ListActive(ctx context.Context, ownerID string, limit int) ([]types.MemoryEdge, error) {
	if limit <= 0 {
		limit = 100
	}
	var edges []types.MemoryEdge
	err := g.db.WithContext(ctx).
		Where("owner_id = ? AND active = ?", ownerID, true).
		Order("strength DESC").
		Limit(limit).
		Find(&edges).Error
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// SweepOrphans deactivates one batch of edges where either endpoint no
// longer appears as the entity of any active long-term memory. A cursor
// carries across calls so repeated sweeps cover the full edge set, then
// wraps. Returns how many edges were deactivated.
func (g *FactGraph) SweepOrphans(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	swept := 0
	now := g.now()
	const batch = 500

	g.mu.Lock()
	cursor := g.sweepCursor
	g.mu.Unlock()

	var edges []types.MemoryEdge
	q := g.db.WithContext(ctx).
		Where("active = ?", true).
		Order("id").
		Limit(batch)
	if cursor != "" {
		q = q.Where("id > ?", cursor)
	}
	if err := q.Find(&edges).Error; err != nil {
		return 0, err
	}

	next := ""
	if len(edges) == batch {
		next = edges[len(edges)-1].ID
	}

	for i := range edges {
		edge := &edges[i]
		sourceAlive, err := g.entityAlive(ctx, edge.OwnerID, edge.SourceName)
		if err != nil {
			return swept, err
		}
		targetAlive := sourceAlive
		if sourceAlive {
			targetAlive, err = g.entityAlive(ctx, edge.OwnerID, edge.TargetName)
			if err != nil {
				return swept, err
			}
		}
		if sourceAlive && targetAlive {
			continue
		}

		err = g.db.WithContext(ctx).
			Model(&types.MemoryEdge{}).
			Where("id = ?", edge.ID).
			Updates(map[string]any{"active": false, "updated_at": now}).Error
		if err != nil {
			return swept, err
		}
		swept++
	}

	g.mu.Lock()
	g.sweepCursor = next
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.EdgesSweptTotal.Add(float64(swept))
	}
	if swept > 0 {
		g.logger.Info("swept orphan edges", zap.Int("count", swept))
	}
	return swept, nil
}

func (g *FactGraph) entityAlive(ctx context.Context, ownerID, entityName string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).
		Model(&types.LongTermMemory{}).
		Where("owner_id = ? AND entity_name = ? AND active = ?", ownerID, entityName, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
