package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/llm"
	"github.com/memflow/memflow/types"
	"github.com/memflow/memflow/vector"
)

// ShortTermStore buffers filtered input and clusters it into topics.
type ShortTermStore struct {
	db     *gorm.DB
	index  vector.Index
	cfg    config.ShortTermConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewShortTermStore creates the short-term store. index holds the
// embeddings of live short-term memories for topic resolution.
func NewShortTermStore(db *gorm.DB, index vector.Index, cfg config.ShortTermConfig, logger *zap.Logger) *ShortTermStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShortTermStore{
		db:     db,
		index:  index,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "short_term_store")),
		now:    time.Now,
	}
}

// PromoteFromSensory flips a pending sensory record to processing and
// reports whether the transition happened. Acting only on pending makes
// double delivery of the scheduling trigger safe: the second delivery
// sees processing and does nothing.
func (s *ShortTermStore) PromoteFromSensory(ctx context.Context, sensoryID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	res := s.db.WithContext(ctx).
		Model(&types.SensoryRecord{}).
		Where("id = ? AND status = ?", sensoryID, types.SensoryPending).
		Updates(map[string]any{
			"status":     types.SensoryProcessing,
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("promote sensory %s: %w", sensoryID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkExtractionFailed records terminal extraction failure on the source
// sensory record. This state is not retried.
func (s *ShortTermStore) MarkExtractionFailed(ctx context.Context, sensoryID, reason string) error {
	return s.db.WithContext(ctx).
		Model(&types.SensoryRecord{}).
		Where("id = ?", sensoryID).
		Updates(map[string]any{
			"status":        types.SensoryDiscarded,
			"status_reason": reason,
			"updated_at":    s.now(),
		}).Error
}

// CreateInput carries the results of external extraction and embedding
// into short-term memory creation.
type CreateInput struct {
	SensoryID string
	OwnerID   string
	ThreadID  string
	Content   string
	Embedding []float32
	Extracted *llm.Extraction
}

// Create resolves a topic, inserts the short-term memory, and marks the
// originating sensory record promoted.
func (s *ShortTermStore) Create(ctx context.Context, in CreateInput) (*types.ShortTermMemory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if len(in.Embedding) == 0 {
		return nil, fmt.Errorf("embedding is required")
	}
	if in.Extracted == nil {
		in.Extracted = &llm.Extraction{Importance: 0.5}
	}

	now := s.now()
	stm := types.ShortTermMemory{
		ID:            uuid.NewString(),
		OwnerID:       in.OwnerID,
		ThreadID:      in.ThreadID,
		Content:       in.Content,
		Summary:       in.Extracted.Summary,
		Embedding:     in.Embedding,
		Entities:      in.Extracted.Entities,
		Relationships: in.Extracted.Relationships,
		Importance:    clamp01(in.Extracted.Importance),
		AccessCount:   1,
		LastAccessed:  now,
		ExpiresAt:     now.Add(s.cfg.Expiry),
		SensoryID:     in.SensoryID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	topicID, err := s.resolveTopic(ctx, &stm)
	if err != nil {
		return nil, err
	}
	stm.TopicID = topicID

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&stm).Error; err != nil {
			return fmt.Errorf("insert short-term memory: %w", err)
		}
		if in.SensoryID != "" {
			if err := tx.Model(&types.SensoryRecord{}).
				Where("id = ?", in.SensoryID).
				Updates(map[string]any{
					"status":     types.SensoryPromoted,
					"updated_at": now,
				}).Error; err != nil {
				return fmt.Errorf("mark sensory promoted: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.index.Upsert(ctx, stm.ID, stm.Embedding, map[string]string{"owner": stm.OwnerID}); err != nil {
		s.logger.Warn("short-term index upsert failed", zap.String("id", stm.ID), zap.Error(err))
	}

	s.logger.Debug("short-term memory created",
		zap.String("id", stm.ID),
		zap.String("owner", stm.OwnerID),
		zap.String("topic", stm.TopicID),
		zap.Float64("importance", stm.Importance))

	return &stm, nil
}

// resolveTopic finds the nearest topic-bearing short-term memory and
// reuses its topic when similarity clears the threshold; otherwise it
// creates a new topic labeled from the most salient entity.
//
// Joining a topic recomputes the centroid as a running mean,
// (old*n + new)/(n+1), and bumps the member count.
func (s *ShortTermStore) resolveTopic(ctx context.Context, stm *types.ShortTermMemory) (string, error) {
	matches, err := s.index.Search(ctx, stm.Embedding, 1, map[string]string{"owner": stm.OwnerID})
	if err != nil {
		return "", fmt.Errorf("topic similarity search: %w", err)
	}

	if len(matches) > 0 && matches[0].Score >= s.cfg.TopicSimilarityThreshold {
		var neighbor types.ShortTermMemory
		err := s.db.WithContext(ctx).First(&neighbor, "id = ?", matches[0].ID).Error
		if err == nil && neighbor.TopicID != "" {
			if err := s.joinTopic(ctx, neighbor.TopicID, stm.Embedding); err != nil {
				return "", err
			}
			return neighbor.TopicID, nil
		}
		// Neighbor vanished between search and fetch (expiry race);
		// fall through to a fresh topic.
	}

	topic := types.Topic{
		ID:          uuid.NewString(),
		OwnerID:     stm.OwnerID,
		Label:       topicLabel(stm.Entities),
		Centroid:    append([]float32(nil), stm.Embedding...),
		MemberCount: 1,
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&topic).Error; err != nil {
		return "", fmt.Errorf("create topic: %w", err)
	}
	return topic.ID, nil
}

func (s *ShortTermStore) joinTopic(ctx context.Context, topicID string, embedding []float32) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var topic types.Topic
		if err := tx.First(&topic, "id = ?", topicID).Error; err != nil {
			return fmt.Errorf("load topic %s: %w", topicID, err)
		}

		n := float32(topic.MemberCount)
		centroid := topic.Centroid
		if len(centroid) != len(embedding) {
			centroid = append([]float32(nil), embedding...)
		} else {
			updated := make([]float32, len(centroid))
			for i := range centroid {
				updated[i] = (centroid[i]*n + embedding[i]) / (n + 1)
			}
			centroid = updated
		}

		// Map updates bypass the field's serializer:json tag, so the
		// centroid must be marshaled explicitly.
		centroidJSON, err := json.Marshal(centroid)
		if err != nil {
			return fmt.Errorf("encode topic centroid: %w", err)
		}
		return tx.Model(&types.Topic{}).
			Where("id = ?", topicID).
			Updates(map[string]any{
				"centroid":     centroidJSON,
				"member_count": topic.MemberCount + 1,
				"updated_at":   s.now(),
			}).Error
	})
}

func topicLabel(entities []types.Entity) string {
	label := "General"
	best := -1.0
	for _, e := range entities {
		if e.Name != "" && e.Salience > best {
			best = e.Salience
			label = e.Name
		}
	}
	return label
}

// Get returns a short-term memory by id.
func (s *ShortTermStore) Get(ctx context.Context, id string) (*types.ShortTermMemory, error) {
	var stm types.ShortTermMemory
	if err := s.db.WithContext(ctx).First(&stm, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("short-term memory %s not found", id))
		}
		return nil, err
	}
	return &stm, nil
}

// ListRecent returns the newest short-term memories for an owner,
// optionally scoped to a thread.
func (s *ShortTermStore) ListRecent(ctx context.Context, ownerID, threadID string, limit int) ([]types.ShortTermMemory, error) {
	if limit <= 0 {
		limit = 10
	}
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if threadID != "" {
		q = q.Where("thread_id = ?", threadID)
	}

	var stms []types.ShortTermMemory
	if err := q.Order("created_at DESC").Limit(limit).Find(&stms).Error; err != nil {
		return nil, err
	}
	return stms, nil
}

// ListEligibleForPromotion returns short-term memories whose importance
// clears minImportance, oldest first, bounded by limit.
func (s *ShortTermStore) ListEligibleForPromotion(ctx context.Context, minImportance float64, limit int) ([]types.ShortTermMemory, error) {
	if limit <= 0 {
		limit = 50
	}
	var stms []types.ShortTermMemory
	err := s.db.WithContext(ctx).
		Where("importance >= ?", minImportance).
		Order("created_at ASC").
		Limit(limit).
		Find(&stms).Error
	if err != nil {
		return nil, err
	}
	return stms, nil
}

// DeleteExpired hard-deletes short-term memories past their expiry.
// Short-term memory carries no audit obligation.
func (s *ShortTermStore) DeleteExpired(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}

	var expired []types.ShortTermMemory
	err := s.db.WithContext(ctx).
		Select("id").
		Where("expires_at < ?", s.now()).
		Limit(batch).
		Find(&expired).Error
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]string, len(expired))
	for i, stm := range expired {
		ids[i] = stm.ID
	}

	if err := s.db.WithContext(ctx).Delete(&types.ShortTermMemory{}, "id IN ?", ids).Error; err != nil {
		return 0, fmt.Errorf("delete expired short-term memories: %w", err)
	}
	for _, id := range ids {
		if err := s.index.Delete(ctx, id); err != nil {
			s.logger.Warn("short-term index delete failed", zap.String("id", id), zap.Error(err))
		}
	}

	return len(ids), nil
}

// RebuildIndex reloads unexpired short-term embeddings into the
// similarity index after a restart, so topic resolution keeps clustering
// against the surviving buffer. Returns how many vectors were loaded.
func (s *ShortTermStore) RebuildIndex(ctx context.Context) (int, error) {
	const batch = 500
	loaded := 0
	var lastID string
	for {
		var stms []types.ShortTermMemory
		q := s.db.WithContext(ctx).
			Where("expires_at > ?", s.now()).
			Order("id").
			Limit(batch)
		if lastID != "" {
			q = q.Where("id > ?", lastID)
		}
		if err := q.Find(&stms).Error; err != nil {
			return loaded, err
		}
		if len(stms) == 0 {
			return loaded, nil
		}
		lastID = stms[len(stms)-1].ID

		for i := range stms {
			stm := &stms[i]
			if len(stm.Embedding) == 0 {
				continue
			}
			if err := s.index.Upsert(ctx, stm.ID, stm.Embedding, map[string]string{"owner": stm.OwnerID}); err != nil {
				return loaded, fmt.Errorf("rebuild short-term index: %w", err)
			}
			loaded++
		}

		if len(stms) < batch {
			return loaded, nil
		}
	}
}

// Remove hard-deletes one short-term memory, used after promotion to
// long-term memory.
func (s *ShortTermStore) Remove(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&types.ShortTermMemory{}, "id = ?", id).Error; err != nil {
		return err
	}
	return s.index.Delete(ctx, id)
}
