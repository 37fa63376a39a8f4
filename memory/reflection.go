package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/internal/metrics"
	"github.com/memflow/memflow/internal/ratelimit"
	"github.com/memflow/memflow/llm"
	"github.com/memflow/memflow/types"
)

// Reflector periodically mines an owner's important long-term memories
// for recurring patterns and promotes confident ones to core memory.
type Reflector struct {
	db       *gorm.DB
	ltm      *LongTermStore
	core     *CoreStore
	detector llm.PatternDetector
	embedder llm.Embedder
	budget   *ratelimit.TokenBudget
	cfg      config.ReflectionConfig
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// NewReflector creates the reflection engine. budget may be nil to run
// without a completion-token ceiling.
func NewReflector(db *gorm.DB, ltm *LongTermStore, core *CoreStore, detector llm.PatternDetector, embedder llm.Embedder, budget *ratelimit.TokenBudget, cfg config.ReflectionConfig, collector *metrics.Collector, logger *zap.Logger) *Reflector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reflector{
		db:       db,
		ltm:      ltm,
		core:     core,
		detector: detector,
		embedder: embedder,
		budget:   budget,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "reflector")),
		metrics:  collector,
		now:      time.Now,
	}
}

// RunAll reflects over every recently active owner. Per-owner failures
// are logged and skipped so one owner cannot starve the rest; the run as
// a whole succeeds. Returns how many patterns reached core memory.
func (r *Reflector) RunAll(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.OwnerActivityWindow)
	owners, err := r.ltm.ActiveOwnersSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := r.ReflectOwner(ctx, owner)
		if err != nil {
			r.logger.Warn("reflection failed for owner", zap.String("owner", owner), zap.Error(err))
			continue
		}
		total += n
	}
	return total, nil
}

// ReflectOwner mines one owner's memories. Owners with too little
// evidence are skipped; an exhausted token budget skips the owner
// without failing the run. Returns how many patterns were promoted.
func (r *Reflector) ReflectOwner(ctx context.Context, ownerID string) (int, error) {
	batch := r.cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}

	var candidates []types.LongTermMemory
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND active = ? AND current_importance > ?", ownerID, true, r.cfg.MinImportance).
		Order("current_importance DESC").
		Limit(batch).
		Find(&candidates).Error
	if err != nil {
		return 0, err
	}
	if len(candidates) < r.cfg.MinOccurrences {
		r.logger.Debug("too few memories to reflect",
			zap.String("owner", ownerID), zap.Int("count", len(candidates)))
		return 0, nil
	}

	summaries := make([]string, len(candidates))
	chars := 0
	for i, m := range candidates {
		text := m.Summary
		if text == "" {
			text = m.Content
		}
		summaries[i] = text
		chars += len(text)
	}

	if r.budget != nil {
		if d := r.budget.AllowN(estimateTokens(chars)); !d.OK {
			r.logger.Info("reflection token budget exhausted, skipping owner",
				zap.String("owner", ownerID), zap.Duration("retry_after", d.RetryAfter))
			return 0, nil
		}
	}

	patterns, err := r.detector.DetectPatterns(ctx, summaries)
	if err != nil {
		return 0, types.NewError(types.ErrExtractionFailed, "pattern detection failed").WithCause(err)
	}

	promoted := 0
	for _, p := range patterns {
		if p.Confidence < r.cfg.MinConfidence || p.Content == "" {
			continue
		}
		if err := r.promote(ctx, ownerID, p); err != nil {
			r.logger.Warn("pattern promotion failed",
				zap.String("owner", ownerID), zap.String("pattern", p.Content), zap.Error(err))
			continue
		}
		promoted++
	}

	if r.metrics != nil && promoted > 0 {
		r.metrics.ReflectionsTotal.Add(float64(promoted))
	}
	return promoted, nil
}

// promote turns one detected pattern into a core memory, reinforcing an
// identical existing entry instead of duplicating it. Audit records mark
// creations only; reinforcements are visible on the core row itself.
func (r *Reflector) promote(ctx context.Context, ownerID string, p llm.Pattern) (err error) {
	category := coreCategory(p.Category)

	existing, err := r.core.FindByContent(ctx, ownerID, p.Content)
	if err != nil {
		return err
	}

	result := "created"
	if existing != nil {
		// Identical content needs no fresh embedding.
		if _, err := r.core.Reinforce(ctx, existing.ID, r.cfg.ConfidenceIncrement, p.SupportingCount); err != nil {
			return err
		}
		result = "reinforced"
	} else {
		var embedding []float32
		if r.embedder != nil {
			embedding, err = r.embedder.Embed(ctx, p.Content)
			if err != nil {
				return types.NewError(types.ErrEmbeddingFailed, "embed pattern content").WithCause(err)
			}
		}
		created, err := r.core.Create(ctx, ownerID, p.Content, category, p.Confidence, p.SupportingCount, embedding)
		if err != nil {
			return err
		}

		audit := types.Reflection{
			ID:              uuid.NewString(),
			OwnerID:         ownerID,
			Content:         p.Content,
			Category:        category,
			Confidence:      p.Confidence,
			SupportingCount: p.SupportingCount,
			Reasoning:       p.Reasoning,
			CoreMemoryID:    created.ID,
			CreatedAt:       r.now(),
		}
		if err := r.db.WithContext(ctx).Create(&audit).Error; err != nil {
			return err
		}
	}

	if r.metrics != nil {
		r.metrics.CorePromotionsTotal.WithLabelValues(result).Inc()
	}
	return nil
}

func coreCategory(c types.CoreCategory) types.CoreCategory {
	switch c {
	case types.CoreIdentity, types.CorePreference, types.CoreRelationship,
		types.CoreBehavioral, types.CoreGoal, types.CoreConstraint:
		return c
	default:
		return types.CoreBehavioral
	}
}

// estimateTokens approximates completion input size as ceil(chars/4).
func estimateTokens(chars int) int {
	if chars <= 0 {
		return 1
	}
	return (chars + 3) / 4
}
