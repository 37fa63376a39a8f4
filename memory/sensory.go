package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/internal/metrics"
	"github.com/memflow/memflow/types"
)

// IngestStatus is the synchronous outcome of an ingestion call.
type IngestStatus string

const (
	IngestCreated   IngestStatus = "created"
	IngestDuplicate IngestStatus = "duplicate"
)

// IngestResult is returned to the ingestion caller.
type IngestResult struct {
	Status IngestStatus `json:"status"`
	ID     string       `json:"id"`
	Score  float64      `json:"score"`
	// Pending reports that the record qualified for short-term
	// processing and awaits promotion.
	Pending bool `json:"pending"`
}

var (
	firstPersonRe = regexp.MustCompile(`(?i)\b(i am|i'm|i was|i have|i've|i feel|i think|i believe|i live|i work|i want|i need|i like|i love|i hate|my|mine)\b`)
	namedEntityRe = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)
	temporalRe    = regexp.MustCompile(`(?i)\b(yesterday|today|tomorrow|tonight|recently|always|never|last\s+(week|month|year|night)|next\s+(week|month|year)|this\s+(morning|week|month|year)|every\s+(day|week|month|morning))\b`)
)

// acknowledgements are throwaway conversational tokens that carry no
// memory value on their own.
var acknowledgements = map[string]struct{}{
	"ok": {}, "okay": {}, "k": {}, "kk": {},
	"thanks": {}, "thank you": {}, "thx": {},
	"yes": {}, "no": {}, "yeah": {}, "yep": {}, "nope": {},
	"sure": {}, "cool": {}, "nice": {}, "great": {}, "got it": {},
	"lol": {}, "haha": {}, "hmm": {},
}

const (
	attentionBase          = 0.3
	firstPersonWeight      = 0.2
	entityWeight           = 0.05
	entityWeightCap        = 0.2
	temporalWeight         = 0.1
	lengthBonus            = 0.1
	shortPenalty           = 0.2
	acknowledgementPenalty = 0.5
)

// SensoryFilter scores and gates raw input before it enters memory.
type SensoryFilter struct {
	db      *gorm.DB
	cfg     config.SensoryConfig
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewSensoryFilter creates the sensory filter.
func NewSensoryFilter(db *gorm.DB, cfg config.SensoryConfig, collector *metrics.Collector, logger *zap.Logger) *SensoryFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SensoryFilter{
		db:      db,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "sensory_filter")),
		metrics: collector,
		now:     time.Now,
	}
}

// Ingest hashes, dedups, and scores content, persisting a SensoryRecord.
// No record is silently lost: content below the attention threshold is
// stored as discarded and remains queryable for audit.
//
// The returned record is pending when it qualified for short-term
// processing; the caller is responsible for scheduling promotion.
func (f *SensoryFilter) Ingest(ctx context.Context, content, ownerID, threadID string) (*IngestResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("content is required")
	}
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}

	hash := ContentHash(content)

	// Identical content from the same owner inside the dedup window is
	// not re-recorded.
	var existing types.SensoryRecord
	err := f.db.WithContext(ctx).
		Where("owner_id = ? AND content_hash = ? AND created_at > ?",
			ownerID, hash, f.now().Add(-f.cfg.DedupWindow)).
		Order("created_at DESC").
		First(&existing).Error
	if err == nil {
		f.count(string(IngestDuplicate))
		return &IngestResult{Status: IngestDuplicate, ID: existing.ID, Score: existing.AttentionScore}, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("dedup lookup failed: %w", err)
	}

	score := AttentionScore(content)

	rec := types.SensoryRecord{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		ThreadID:       threadID,
		Content:        content,
		ContentHash:    hash,
		InputType:      types.InputText,
		AttentionScore: score,
		Status:         types.SensoryPending,
		CreatedAt:      f.now(),
		UpdatedAt:      f.now(),
	}

	if score < f.cfg.AttentionThreshold {
		rec.Status = types.SensoryDiscarded
		rec.StatusReason = fmt.Sprintf("attention score %.2f below threshold %.2f", score, f.cfg.AttentionThreshold)
	}

	if err := f.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("store sensory record: %w", err)
	}

	if f.metrics != nil {
		f.metrics.AttentionScore.Observe(score)
	}
	if rec.Status == types.SensoryDiscarded {
		f.count("discarded")
	} else {
		f.count(string(IngestCreated))
	}

	f.logger.Debug("sensory record stored",
		zap.String("id", rec.ID),
		zap.String("owner", ownerID),
		zap.Float64("score", score),
		zap.String("status", string(rec.Status)))

	return &IngestResult{
		Status:  IngestCreated,
		ID:      rec.ID,
		Score:   score,
		Pending: rec.Status == types.SensoryPending,
	}, nil
}

// Get returns a sensory record by id.
func (f *SensoryFilter) Get(ctx context.Context, id string) (*types.SensoryRecord, error) {
	var rec types.SensoryRecord
	if err := f.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("sensory record %s not found", id))
		}
		return nil, err
	}
	return &rec, nil
}

// ListByOwner returns an owner's sensory records, optionally filtered by
// status, newest first.
func (f *SensoryFilter) ListByOwner(ctx context.Context, ownerID string, status types.SensoryStatus, limit int) ([]types.SensoryRecord, error) {
	q := f.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit <= 0 {
		limit = 50
	}

	var recs []types.SensoryRecord
	if err := q.Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (f *SensoryFilter) count(status string) {
	if f.metrics != nil {
		f.metrics.IngestionsTotal.WithLabelValues(status).Inc()
	}
}

// ContentHash returns the stable hash used for dedup of raw input.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

// AttentionScore estimates relevance of raw content in [0,1] without a
// language model.
func AttentionScore(content string) float64 {
	trimmed := strings.TrimSpace(content)

	if _, ok := acknowledgements[strings.ToLower(strings.TrimRight(trimmed, ".!?"))]; ok {
		return clamp01(attentionBase - acknowledgementPenalty)
	}

	score := attentionBase

	if firstPersonRe.MatchString(trimmed) {
		score += firstPersonWeight
	}

	entityBonus := float64(len(namedEntityRe.FindAllString(trimmed, -1))) * entityWeight
	if entityBonus > entityWeightCap {
		entityBonus = entityWeightCap
	}
	score += entityBonus

	if temporalRe.MatchString(trimmed) {
		score += temporalWeight
	}

	if len(trimmed) >= 50 {
		score += lengthBonus
	}
	if len(trimmed) < 20 {
		score -= shortPenalty
	}

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
