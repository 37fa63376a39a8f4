package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/internal/metrics"
	"github.com/memflow/memflow/internal/ratelimit"
	"github.com/memflow/memflow/llm"
	"github.com/memflow/memflow/retry"
	"github.com/memflow/memflow/types"
	"github.com/memflow/memflow/vector"
)

// TaskScheduler hands asynchronous work to a background runner. The
// scheduler package provides the production implementation; tests use an
// inline one.
type TaskScheduler interface {
	// RunAfter schedules fn to run once after delay.
	RunAfter(delay time.Duration, name string, fn func(ctx context.Context))
}

// inlineScheduler runs tasks synchronously. It is the fallback when no
// scheduler is wired, and the workhorse in tests.
type inlineScheduler struct{}

func (inlineScheduler) RunAfter(_ time.Duration, _ string, fn func(ctx context.Context)) {
	fn(context.Background())
}

// EngineOptions carries the collaborators for NewEngine. DB, Embedder
// and Extractor are required; everything else has a working default.
type EngineOptions struct {
	DB        *gorm.DB
	Config    config.EngineConfig
	Embedder  llm.Embedder
	Extractor llm.Extractor
	Detector  llm.PatternDetector
	// STMIndex and LTMIndex are the per-tier similarity indexes. When
	// nil, in-memory indexes are used.
	STMIndex  vector.Index
	LTMIndex  vector.Index
	Scheduler TaskScheduler
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Engine is the memory lifecycle facade: ingestion through the sensory
// filter, asynchronous promotion into short-term memory, consolidation,
// decay, reflection, and retrieval.
type Engine struct {
	cfg       config.EngineConfig
	logger    *zap.Logger
	metrics   *metrics.Collector
	db        *gorm.DB
	scheduler TaskScheduler

	sensory   *SensoryFilter
	shortTerm *ShortTermStore
	longTerm  *LongTermStore
	graph     *FactGraph
	core      *CoreStore
	decay     *DecayEngine
	reflector *Reflector
	assembler *Assembler

	embedder  llm.Embedder
	extractor llm.Extractor
	retryer   retry.Retryer
	limiter   *ratelimit.KeyedLimiter
	stmIndex  vector.Index
}

// NewEngine wires the tiers together.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if opts.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	stmIndex := opts.STMIndex
	if stmIndex == nil {
		stmIndex = vector.NewInMemoryIndex(vector.InMemoryIndexConfig{Dimension: llm.EmbeddingDim}, logger)
	}
	ltmIndex := opts.LTMIndex
	if ltmIndex == nil {
		ltmIndex = vector.NewInMemoryIndex(vector.InMemoryIndexConfig{Dimension: llm.EmbeddingDim}, logger)
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = inlineScheduler{}
	}

	cfg := opts.Config

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "memory_engine")),
		metrics:   collector,
		db:        opts.DB,
		scheduler: scheduler,
		embedder:  opts.Embedder,
		extractor: opts.Extractor,
		stmIndex:  stmIndex,
	}

	e.sensory = NewSensoryFilter(opts.DB, cfg.Sensory, collector, logger)
	e.shortTerm = NewShortTermStore(opts.DB, stmIndex, cfg.ShortTerm, logger)
	e.longTerm = NewLongTermStore(opts.DB, ltmIndex, cfg.LongTerm, cfg.Decay, collector, logger)
	e.graph = NewFactGraph(opts.DB, collector, logger)
	e.core = NewCoreStore(opts.DB, logger)
	e.decay = NewDecayEngine(opts.DB, cfg.Decay, collector, logger)

	var budget *ratelimit.TokenBudget
	if cfg.RateLimit.CompletionTokensPerMinute > 0 {
		budget = ratelimit.NewTokenBudget(cfg.RateLimit.CompletionTokensPerMinute, cfg.RateLimit.CompletionBurst)
	}
	if opts.Detector != nil {
		e.reflector = NewReflector(opts.DB, e.longTerm, e.core, opts.Detector, opts.Embedder, budget, cfg.Reflection, collector, logger)
	}

	e.assembler = NewAssembler(opts.DB, e.core, e.longTerm, opts.Embedder, cfg.Retrieval, collector, logger)

	if cfg.RateLimit.OwnerRPS > 0 {
		e.limiter = ratelimit.NewKeyedLimiter(cfg.RateLimit.OwnerRPS, cfg.RateLimit.OwnerBurst)
	}

	e.retryer = retry.NewBackoffRetryer(&retry.Policy{
		MaxRetries:   cfg.ShortTerm.ExtractRetries,
		InitialDelay: cfg.ShortTerm.ExtractBackoff,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}, logger)

	return e, nil
}

// RebuildIndexes reloads durable embeddings into the per-tier similarity
// indexes. Required at startup when the indexes are process-local:
// without it, consolidation dedup and similarity retrieval run against an
// empty index and ignore the existing population.
func (e *Engine) RebuildIndexes(ctx context.Context) error {
	ltm, err := e.longTerm.RebuildIndex(ctx)
	if err != nil {
		return fmt.Errorf("rebuild long-term index: %w", err)
	}
	stm, err := e.shortTerm.RebuildIndex(ctx)
	if err != nil {
		return fmt.Errorf("rebuild short-term index: %w", err)
	}
	e.logger.Info("similarity indexes rebuilt",
		zap.Int("long_term", ltm), zap.Int("short_term", stm))
	return nil
}

// Ingest pushes raw input through the sensory filter. Rate limiting is
// surfaced synchronously so the caller can back off; qualifying records
// are scheduled for asynchronous promotion and the call returns without
// waiting for extraction.
func (e *Engine) Ingest(ctx context.Context, ownerID, threadID, content string) (*IngestResult, error) {
	// Over-limit owners get a retryable rejection instead of queueing;
	// the ingestion API stays synchronous and callers own the backoff.
	if e.limiter != nil {
		if d := e.limiter.Allow(ownerID); !d.OK {
			return nil, types.NewError(types.ErrRateLimited,
				fmt.Sprintf("owner %s exceeded ingestion rate, retry after %s", ownerID, d.RetryAfter)).
				WithRetryable(true)
		}
	}

	result, err := e.sensory.Ingest(ctx, content, ownerID, threadID)
	if err != nil {
		return nil, err
	}

	if result.Pending {
		id := result.ID
		e.scheduler.RunAfter(0, "process_sensory", func(ctx context.Context) {
			if err := e.ProcessSensory(ctx, id); err != nil {
				e.logger.Error("sensory processing failed", zap.String("sensory_id", id), zap.Error(err))
			}
		})
	}
	return result, nil
}

// ProcessSensory runs extraction and embedding for one pending sensory
// record and creates the short-term memory. Safe under double delivery:
// only the caller that wins the pending->processing transition proceeds.
// Exhausted retries mark the record discarded, a terminal state.
func (e *Engine) ProcessSensory(ctx context.Context, sensoryID string) error {
	won, err := e.shortTerm.PromoteFromSensory(ctx, sensoryID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	rec, err := e.sensory.Get(ctx, sensoryID)
	if err != nil {
		return err
	}

	var extracted *llm.Extraction
	var embedding []float32
	err = e.retryer.Do(ctx, func() error {
		var err error
		extracted, err = e.extractor.Extract(ctx, rec.Content)
		if err != nil {
			return err
		}
		embedding, err = e.embedder.Embed(ctx, rec.Content)
		return err
	})
	if err != nil {
		if markErr := e.shortTerm.MarkExtractionFailed(ctx, sensoryID, err.Error()); markErr != nil {
			e.logger.Error("failed to mark extraction failure", zap.String("sensory_id", sensoryID), zap.Error(markErr))
		}
		return types.NewError(types.ErrExtractionFailed, "extraction retries exhausted").WithCause(err)
	}

	stm, err := e.shortTerm.Create(ctx, CreateInput{
		SensoryID: sensoryID,
		OwnerID:   rec.OwnerID,
		ThreadID:  rec.ThreadID,
		Content:   rec.Content,
		Embedding: embedding,
		Extracted: extracted,
	})
	if err != nil {
		return err
	}

	// Extracted triples feed the fact graph immediately; graph failures
	// do not undo the short-term write. Entity types come from the same
	// extraction, and the content embedding doubles as the fact embedding.
	entityTypes := make(map[string]string, len(extracted.Entities))
	for _, ent := range extracted.Entities {
		entityTypes[ent.Name] = ent.Type
	}
	for _, rel := range extracted.Relationships {
		_, err := e.graph.UpsertEdge(ctx, EdgeInput{
			OwnerID:    rec.OwnerID,
			SourceName: rel.Subject,
			SourceType: entityTypes[rel.Subject],
			Relation:   rel.Predicate,
			TargetName: rel.Object,
			TargetType: entityTypes[rel.Object],
			Fact:       fmt.Sprintf("%s %s %s", rel.Subject, rel.Predicate, rel.Object),
			Embedding:  embedding,
		})
		if err != nil {
			e.logger.Warn("edge upsert failed",
				zap.String("owner", rec.OwnerID),
				zap.String("subject", rel.Subject),
				zap.Error(err))
		}
	}

	e.logger.Debug("sensory record promoted to short-term memory",
		zap.String("sensory_id", sensoryID),
		zap.String("stm_id", stm.ID))
	return nil
}

// PromoteEligible consolidates short-term memories whose importance
// clears the promotion bar. Returns created and reinforced counts.
func (e *Engine) PromoteEligible(ctx context.Context) (created, reinforced int, err error) {
	eligible, err := e.shortTerm.ListEligibleForPromotion(ctx, e.cfg.LongTerm.PromotionImportance, e.cfg.Decay.BatchSize)
	if err != nil {
		return 0, 0, err
	}

	for _, stm := range eligible {
		if err := ctx.Err(); err != nil {
			return created, reinforced, err
		}
		result, _, err := e.longTerm.ConsolidateFromSTM(ctx, stm.ID)
		if err != nil {
			if types.IsCode(err, types.ErrNotFound) {
				continue // consolidated by a concurrent run
			}
			e.logger.Warn("consolidation failed", zap.String("stm_id", stm.ID), zap.Error(err))
			continue
		}
		// The short-term row is gone; drop its vector too.
		if err := e.stmIndex.Delete(ctx, stm.ID); err != nil {
			e.logger.Warn("short-term index delete failed", zap.String("stm_id", stm.ID), zap.Error(err))
		}
		switch result {
		case ConsolidationCreated:
			created++
		case ConsolidationReinforced:
			reinforced++
		}
	}
	return created, reinforced, nil
}

// CleanupExpiredSTM hard-deletes expired short-term memories.
func (e *Engine) CleanupExpiredSTM(ctx context.Context) (int, error) {
	n, err := e.shortTerm.DeleteExpired(ctx, e.cfg.Decay.BatchSize)
	if err != nil {
		return n, err
	}
	if n > 0 {
		e.metrics.ExpiredSTMTotal.Add(float64(n))
	}
	return n, nil
}

// Decay applies the forgetting curve to long-term memories.
func (e *Engine) Decay(ctx context.Context) (int, error) {
	return e.decay.DecayPass(ctx)
}

// Prune soft-deletes memories that faded below the retention threshold.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	return e.decay.PrunePass(ctx)
}

// SweepOrphanEdges deactivates graph edges with missing endpoints.
func (e *Engine) SweepOrphanEdges(ctx context.Context) (int, error) {
	return e.graph.SweepOrphans(ctx)
}

// Reflect mines recent memories for patterns and promotes them to core
// memory. Without a pattern detector wired it is a no-op.
func (e *Engine) Reflect(ctx context.Context) (int, error) {
	if e.reflector == nil {
		return 0, nil
	}
	return e.reflector.RunAll(ctx)
}

// Retrieve assembles the layered context for a prompt.
func (e *Engine) Retrieve(ctx context.Context, req AssembleRequest) (*AssembledContext, error) {
	return e.assembler.Assemble(ctx, req)
}

// GetMemory returns one of the owner's long-term memories.
func (e *Engine) GetMemory(ctx context.Context, ownerID, memoryID string) (*types.LongTermMemory, error) {
	return e.longTerm.Get(ctx, ownerID, memoryID)
}

// ListMemories returns the owner's active long-term memories.
func (e *Engine) ListMemories(ctx context.Context, ownerID string, mtype types.MemoryType, limit int) ([]types.LongTermMemory, error) {
	return e.longTerm.ListActive(ctx, ownerID, mtype, limit)
}

// DeleteMemory soft-deletes one of the owner's long-term memories.
func (e *Engine) DeleteMemory(ctx context.Context, ownerID, memoryID string) error {
	return e.longTerm.Delete(ctx, ownerID, memoryID)
}

// ListCoreMemories returns the owner's active core memories.
func (e *Engine) ListCoreMemories(ctx context.Context, ownerID string, category types.CoreCategory, limit int) ([]types.CoreMemory, error) {
	return e.core.List(ctx, ownerID, category, limit)
}

// DeleteCoreMemory soft-deletes one of the owner's core memories.
func (e *Engine) DeleteCoreMemory(ctx context.Context, ownerID, coreID string) error {
	return e.core.Delete(ctx, ownerID, coreID)
}

// Neighbors returns active fact-graph edges around an entity.
func (e *Engine) Neighbors(ctx context.Context, ownerID, entityName string, limit int) ([]types.MemoryEdge, error) {
	return e.graph.Neighbors(ctx, ownerID, entityName, limit)
}

// Stats summarizes the owner's long-term memory population.
func (e *Engine) Stats(ctx context.Context, ownerID string) (*types.MemoryStats, error) {
	return e.longTerm.Stats(ctx, ownerID)
}

// LogRun appends one background-run audit record.
func (e *Engine) LogRun(ctx context.Context, entry *types.ConsolidationLogEntry) error {
	return e.db.WithContext(ctx).Create(entry).Error
}

// RunLogs returns the newest background-run audit records.
func (e *Engine) RunLogs(ctx context.Context, limit int) ([]types.ConsolidationLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []types.ConsolidationLogEntry
	err := e.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
