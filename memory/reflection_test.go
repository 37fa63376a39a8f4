package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/memflow/memflow/internal/metrics"
	"github.com/memflow/memflow/internal/ratelimit"
	"github.com/memflow/memflow/llm"
	"github.com/memflow/memflow/types"
)

type reflectorFixture struct {
	reflector *Reflector
	db        *gorm.DB
	detector  *fakeDetector
	core      *CoreStore
}

func newReflectorFixture(t *testing.T, budget *ratelimit.TokenBudget) *reflectorFixture {
	t.Helper()
	db := newTestDB(t)
	cfg := defaultEngineConfig()
	ltm := NewLongTermStore(db, newTestIndex(), cfg.LongTerm, cfg.Decay, metrics.NewNopCollector(), nil)
	core := NewCoreStore(db, nil)
	detector := &fakeDetector{}
	r := NewReflector(db, ltm, core, detector, newFakeEmbedder(), budget, cfg.Reflection, metrics.NewNopCollector(), nil)
	return &reflectorFixture{reflector: r, db: db, detector: detector, core: core}
}

func seedImportantLTM(t *testing.T, db *gorm.DB, owner string, n int, importance float64) {
	t.Helper()
	now := time.Now()
	for i := 0; i < n; i++ {
		require.NoError(t, db.Create(&types.LongTermMemory{
			ID:                fmt.Sprintf("ltm-%s-%d", owner, i),
			OwnerID:           owner,
			Content:           fmt.Sprintf("memory %d about running", i),
			Summary:           fmt.Sprintf("runs every morning, sample %d", i),
			Type:              types.MemoryEpisodic,
			BaseImportance:    importance,
			CurrentImportance: importance,
			Stability:         100,
			LastAccessed:      now,
			Active:            true,
			CreatedAt:         now,
			UpdatedAt:         now,
		}).Error)
	}
}

func TestReflectOwnerPromotesConfidentPatterns(t *testing.T) {
	t.Parallel()

	f := newReflectorFixture(t, nil)
	ctx := context.Background()

	seedImportantLTM(t, f.db, "alice", 4, 0.8)
	f.detector.patterns = []llm.Pattern{
		{Content: "runs every morning", Category: "behavioral", Confidence: 0.85, SupportingCount: 4, Reasoning: "recurring activity"},
		{Content: "maybe likes tea", Category: "preference", Confidence: 0.4, SupportingCount: 2},
	}

	promoted, err := f.reflector.ReflectOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	cores, err := f.core.List(ctx, "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, cores, 1)
	assert.Equal(t, "runs every morning", cores[0].Content)
	assert.Equal(t, types.CoreBehavioral, cores[0].Category)

	var audits []types.Reflection
	require.NoError(t, f.db.Find(&audits, "owner_id = ?", "alice").Error)
	require.Len(t, audits, 1)
	assert.Equal(t, cores[0].ID, audits[0].CoreMemoryID)
}

func TestReflectOwnerSkipsOnThinEvidence(t *testing.T) {
	t.Parallel()

	f := newReflectorFixture(t, nil)
	ctx := context.Background()

	// Two qualifying memories are below the occurrence floor of three.
	seedImportantLTM(t, f.db, "alice", 2, 0.8)

	promoted, err := f.reflector.ReflectOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, promoted)
	assert.Zero(t, f.detector.calls)
}

func TestReflectOwnerIgnoresLowImportanceMemories(t *testing.T) {
	t.Parallel()

	f := newReflectorFixture(t, nil)
	ctx := context.Background()

	// Plenty of memories, none above the importance bar.
	seedImportantLTM(t, f.db, "alice", 5, 0.5)

	promoted, err := f.reflector.ReflectOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, promoted)
	assert.Zero(t, f.detector.calls)
}

func TestReflectOwnerBudgetExhaustedSkipsWithoutError(t *testing.T) {
	t.Parallel()

	// A burst of 1 token cannot cover any realistic summary batch.
	f := newReflectorFixture(t, ratelimit.NewTokenBudget(60, 1))
	ctx := context.Background()

	seedImportantLTM(t, f.db, "alice", 4, 0.8)
	f.detector.patterns = []llm.Pattern{
		{Content: "runs every morning", Category: "behavioral", Confidence: 0.9, SupportingCount: 4},
	}

	promoted, err := f.reflector.ReflectOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, promoted)
	assert.Zero(t, f.detector.calls)
}

func TestReflectIdenticalPatternReinforcesCore(t *testing.T) {
	t.Parallel()

	f := newReflectorFixture(t, nil)
	ctx := context.Background()

	seedImportantLTM(t, f.db, "alice", 4, 0.8)
	f.detector.patterns = []llm.Pattern{
		{Content: "runs every morning", Category: "behavioral", Confidence: 0.8, SupportingCount: 4},
	}

	_, err := f.reflector.ReflectOwner(ctx, "alice")
	require.NoError(t, err)
	_, err = f.reflector.ReflectOwner(ctx, "alice")
	require.NoError(t, err)

	cores, err := f.core.List(ctx, "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, cores, 1)
	assert.InDelta(t, 0.85, cores[0].Confidence, 1e-9)
	assert.Equal(t, 8, cores[0].EvidenceCount)

	// Only the original creation leaves an audit row.
	var audits int64
	require.NoError(t, f.db.Model(&types.Reflection{}).Count(&audits).Error)
	assert.Equal(t, int64(1), audits)
}

func TestRunAllReflectsEveryActiveOwner(t *testing.T) {
	t.Parallel()

	f := newReflectorFixture(t, nil)
	ctx := context.Background()

	seedImportantLTM(t, f.db, "alice", 4, 0.8)
	seedImportantLTM(t, f.db, "bob", 4, 0.8)
	f.detector.patterns = []llm.Pattern{
		{Content: "shared pattern", Category: "behavioral", Confidence: 0.9, SupportingCount: 4},
	}

	total, err := f.reflector.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, f.detector.calls)
}

func TestCoreCategoryFallback(t *testing.T) {
	t.Parallel()

	assert.Equal(t, types.CorePreference, coreCategory("preference"))
	assert.Equal(t, types.CoreBehavioral, coreCategory("nonsense"))
	assert.Equal(t, types.CoreBehavioral, coreCategory("IDENTITY"))
}
