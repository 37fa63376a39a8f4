package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow/memflow/types"
)

// CoreStore holds promoted identity facts. Entries change slowly: they
// are created by reflection, reinforced when re-observed, and only ever
// soft-deleted.
type CoreStore struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewCoreStore creates the core memory store.
func NewCoreStore(db *gorm.DB, logger *zap.Logger) *CoreStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoreStore{
		db:     db,
		logger: logger.With(zap.String("component", "core_store")),
		now:    time.Now,
	}
}

// Create inserts a new core memory.
func (s *CoreStore) Create(ctx context.Context, ownerID, content string, category types.CoreCategory, confidence float64, evidence int, embedding []float32) (*types.CoreMemory, error) {
	if ownerID == "" || content == "" {
		return nil, fmt.Errorf("owner and content are required")
	}

	now := s.now()
	m := types.CoreMemory{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Content:       content,
		Embedding:     embedding,
		Category:      category,
		Confidence:    clamp01(confidence),
		EvidenceCount: evidence,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, fmt.Errorf("insert core memory: %w", err)
	}

	s.logger.Info("core memory created",
		zap.String("id", m.ID),
		zap.String("owner", m.OwnerID),
		zap.String("category", string(m.Category)),
		zap.Float64("confidence", m.Confidence))
	return &m, nil
}

// FindByContent returns the owner's active core memory with exactly this
// content, or nil.
func (s *CoreStore) FindByContent(ctx context.Context, ownerID, content string) (*types.CoreMemory, error) {
	var m types.CoreMemory
	err := s.db.WithContext(ctx).
		First(&m, "owner_id = ? AND content = ? AND active = ?", ownerID, content, true).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Reinforce bumps confidence by the given increment, capped at 1.0, and
// accumulates supporting evidence.
func (s *CoreStore) Reinforce(ctx context.Context, coreID string, increment float64, evidence int) (*types.CoreMemory, error) {
	var m types.CoreMemory
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, "id = ?", coreID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return types.NewError(types.ErrNotFound, fmt.Sprintf("core memory %s not found", coreID))
			}
			return err
		}
		m.Confidence = capAt(m.Confidence+increment, 1.0)
		m.EvidenceCount += evidence
		m.UpdatedAt = s.now()
		return tx.Save(&m).Error
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// List returns the owner's active core memories, optionally filtered by
// category, highest confidence first.
func (s *CoreStore) List(ctx context.Context, ownerID string, category types.CoreCategory, limit int) ([]types.CoreMemory, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("owner_id = ? AND active = ?", ownerID, true)
	if category != "" {
		q = q.Where("category = ?", category)
	}

	var memories []types.CoreMemory
	if err := q.Order("confidence DESC, updated_at DESC").Limit(limit).Find(&memories).Error; err != nil {
		return nil, err
	}
	return memories, nil
}

// Delete soft-deletes a core memory after an ownership check.
func (s *CoreStore) Delete(ctx context.Context, ownerID, coreID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m types.CoreMemory
		if err := tx.First(&m, "id = ?", coreID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return types.NewError(types.ErrNotFound, fmt.Sprintf("core memory %s not found", coreID))
			}
			return err
		}
		if m.OwnerID != ownerID {
			return types.NewError(types.ErrOwnership, fmt.Sprintf("core memory %s is not owned by %s", coreID, ownerID))
		}
		if !m.Active {
			return nil
		}
		m.Active = false
		m.UpdatedAt = s.now()
		return tx.Save(&m).Error
	})
}
