package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/internal/metrics"
	"github.com/memflow/memflow/llm"
	"github.com/memflow/memflow/types"
)

// TokenEstimator approximates how many tokens a text costs in the
// downstream prompt.
type TokenEstimator interface {
	Estimate(text string) int
}

// CharEstimator approximates tokens as ceil(chars/4). Cheap and close
// enough for budget packing.
type CharEstimator struct{}

func (CharEstimator) Estimate(text string) int {
	return estimateTokens(len(text))
}

// TiktokenEstimator counts exact tokens with a tiktoken encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the named encoding, e.g. cl100k_base.
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (e *TiktokenEstimator) Estimate(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

// NewEstimator builds the estimator the configuration names, falling
// back to character counting when the tiktoken encoding cannot load.
func NewEstimator(cfg config.RetrievalConfig, logger *zap.Logger) TokenEstimator {
	if cfg.Estimator == "tiktoken" {
		est, err := NewTiktokenEstimator(cfg.TiktokenEncoding)
		if err == nil {
			return est
		}
		if logger != nil {
			logger.Warn("tiktoken estimator unavailable, using char estimator", zap.Error(err))
		}
	}
	return CharEstimator{}
}

// ContextItem is one memory packed into the assembled context.
type ContextItem struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
	Tokens  int     `json:"tokens"`
}

// AssembledContext is the retrieval result: per-tier sections plus the
// total packed token count.
type AssembledContext struct {
	Core        []ContextItem `json:"core,omitempty"`
	LongTerm    []ContextItem `json:"long_term,omitempty"`
	ShortTerm   []ContextItem `json:"short_term,omitempty"`
	TotalTokens int           `json:"total_tokens"`
}

// Format renders the context as prompt-ready prose. Empty sections are
// omitted; the section order is fixed.
func (c *AssembledContext) Format() string {
	var b strings.Builder
	writeSection := func(title string, items []ContextItem) {
		if len(items) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(title)
		b.WriteString("\n")
		for _, item := range items {
			b.WriteString("- ")
			b.WriteString(item.Content)
			b.WriteString("\n")
		}
	}
	writeSection("What I Know About You", c.Core)
	writeSection("Relevant Memories", c.LongTerm)
	writeSection("Current Context", c.ShortTerm)
	return b.String()
}

// AssembleRequest scopes one retrieval.
type AssembleRequest struct {
	OwnerID  string
	ThreadID string
	// Query, when non-empty, drives similarity ranking of long-term
	// memories. Without it long-term selection falls back to importance
	// and recency.
	Query string
}

// Assembler builds the layered context block injected ahead of agent
// prompts.
type Assembler struct {
	db        *gorm.DB
	core      *CoreStore
	ltm       *LongTermStore
	embedder  llm.Embedder
	estimator TokenEstimator
	cfg       config.RetrievalConfig
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// NewAssembler creates the retrieval assembler. embedder may be nil;
// retrieval then always uses the non-similarity fallback.
func NewAssembler(db *gorm.DB, core *CoreStore, ltm *LongTermStore, embedder llm.Embedder, cfg config.RetrievalConfig, collector *metrics.Collector, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		db:        db,
		core:      core,
		ltm:       ltm,
		embedder:  embedder,
		estimator: NewEstimator(cfg, logger),
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "retrieval_assembler")),
		metrics:   collector,
	}
}

// Assemble gathers candidates from all three tiers and greedily packs
// each section within its token budget, in ranking order, stopping at
// the first item that would overflow. Packed long-term memories get an
// access bump so retrieval slows their decay.
func (a *Assembler) Assemble(ctx context.Context, req AssembleRequest) (*AssembledContext, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	start := time.Now()

	out := &AssembledContext{}

	cores, err := a.core.List(ctx, req.OwnerID, "", a.cfg.CoreLimit)
	if err != nil {
		return nil, fmt.Errorf("list core memories: %w", err)
	}
	coreItems := make([]ContextItem, len(cores))
	for i, m := range cores {
		coreItems[i] = ContextItem{ID: m.ID, Content: m.Content, Score: m.Confidence}
	}
	out.Core = a.pack(coreItems, a.cfg.CoreBudget)

	ltmItems, err := a.longTermCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	out.LongTerm = a.pack(ltmItems, a.cfg.LongTermBudget)

	stmItems, err := a.shortTermCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	out.ShortTerm = a.pack(stmItems, a.cfg.ShortTermBudget)

	for _, section := range [][]ContextItem{out.Core, out.LongTerm, out.ShortTerm} {
		for _, item := range section {
			out.TotalTokens += item.Tokens
		}
	}

	if len(out.LongTerm) > 0 {
		ids := make([]string, len(out.LongTerm))
		for i, item := range out.LongTerm {
			ids[i] = item.ID
		}
		if err := a.ltm.RecordAccess(ctx, ids); err != nil {
			a.logger.Warn("retrieval access bookkeeping failed", zap.Error(err))
		}
	}

	if a.metrics != nil {
		a.metrics.RetrievalDuration.Observe(time.Since(start).Seconds())
		a.metrics.RetrievalTokens.Observe(float64(out.TotalTokens))
	}

	a.logger.Debug("context assembled",
		zap.String("owner", req.OwnerID),
		zap.Int("core", len(out.Core)),
		zap.Int("long_term", len(out.LongTerm)),
		zap.Int("short_term", len(out.ShortTerm)),
		zap.Int("tokens", out.TotalTokens))
	return out, nil
}

func (a *Assembler) longTermCandidates(ctx context.Context, req AssembleRequest) ([]ContextItem, error) {
	limit := a.cfg.LongTermLimit

	if req.Query != "" && a.embedder != nil {
		embedding, err := a.embedder.Embed(ctx, req.Query)
		if err == nil {
			scored, err := a.ltm.SearchSimilar(ctx, req.OwnerID, embedding, limit)
			if err != nil {
				return nil, err
			}
			items := make([]ContextItem, len(scored))
			for i, s := range scored {
				items[i] = ContextItem{ID: s.Memory.ID, Content: memoryText(&s.Memory), Score: s.Score}
			}
			return items, nil
		}
		// Embedding outage degrades ranking quality, not availability.
		a.logger.Warn("query embedding failed, using recency fallback", zap.Error(err))
	}

	memories, err := a.ltm.ListActive(ctx, req.OwnerID, "", limit)
	if err != nil {
		return nil, err
	}
	items := make([]ContextItem, len(memories))
	for i := range memories {
		items[i] = ContextItem{ID: memories[i].ID, Content: memoryText(&memories[i]), Score: memories[i].CurrentImportance}
	}
	return items, nil
}

func (a *Assembler) shortTermCandidates(ctx context.Context, req AssembleRequest) ([]ContextItem, error) {
	q := a.db.WithContext(ctx).
		Where("owner_id = ? AND expires_at > ?", req.OwnerID, time.Now())
	if req.ThreadID != "" {
		q = q.Where("thread_id = ?", req.ThreadID)
	}

	var memories []types.ShortTermMemory
	if err := q.Order("created_at DESC").Limit(a.cfg.ShortTermLimit).Find(&memories).Error; err != nil {
		return nil, err
	}

	items := make([]ContextItem, len(memories))
	for i, m := range memories {
		text := m.Summary
		if text == "" {
			text = m.Content
		}
		items[i] = ContextItem{ID: m.ID, Content: text}
	}
	return items, nil
}

// pack keeps items in ranking order until the budget would overflow,
// then stops. A later smaller item never jumps an earlier larger one;
// ranking order is the contract.
func (a *Assembler) pack(items []ContextItem, budget int) []ContextItem {
	var packed []ContextItem
	used := 0
	for _, item := range items {
		item.Tokens = a.estimator.Estimate(item.Content)
		if used+item.Tokens > budget {
			break
		}
		packed = append(packed, item)
		used += item.Tokens
	}
	return packed
}

func memoryText(m *types.LongTermMemory) string {
	if m.Summary != "" {
		return m.Summary
	}
	return m.Content
}
