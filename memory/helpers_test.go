package memory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/internal/database"
	"github.com/memflow/memflow/llm"
	"github.com/memflow/memflow/types"
	"github.com/memflow/memflow/vector"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenTest()
	require.NoError(t, err)
	return db
}

func newTestIndex() *vector.InMemoryIndex {
	return vector.NewInMemoryIndex(vector.InMemoryIndexConfig{}, zap.NewNop())
}

// unitVec builds a 4-dimensional unit vector pointing mostly along the
// given axis, with a small fixed spread so distinct axes stay clearly
// dissimilar while repeated axes are identical.
func unitVec(axis int) []float32 {
	v := make([]float32, 4)
	v[axis%4] = 1
	return v
}

// nearVec returns a vector very close to unitVec(axis), cosine
// similarity above 0.99.
func nearVec(axis int) []float32 {
	v := make([]float32, 4)
	v[axis%4] = 1
	v[(axis+1)%4] = 0.05
	norm := float32(math.Sqrt(float64(v[axis%4]*v[axis%4] + v[(axis+1)%4]*v[(axis+1)%4])))
	for i := range v {
		v[i] /= norm
	}
	return v
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFixedClock(t time.Time) *fixedClock {
	return &fixedClock{t: t}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeEmbedder hands out deterministic vectors keyed by input text and
// counts calls.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	calls   int
	err     error
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: make(map[string][]float32)}
}

func (f *fakeEmbedder) set(text string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[text] = vec
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return unitVec(len(text)), nil
}

type fakeExtractor struct {
	mu      sync.Mutex
	result  *llm.Extraction
	err     error
	calls   int
	failFor int // fail the first N calls
}

func (f *fakeExtractor) Extract(_ context.Context, _ string) (*llm.Extraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFor >= f.calls {
		return nil, fmt.Errorf("extractor temporarily down")
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &llm.Extraction{Importance: 0.6, Summary: "summary"}, nil
}

type fakeDetector struct {
	mu       sync.Mutex
	patterns []llm.Pattern
	err      error
	calls    int
}

func (f *fakeDetector) DetectPatterns(_ context.Context, _ []string) ([]llm.Pattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.patterns, nil
}

func seedSTM(t *testing.T, db *gorm.DB, index vector.Index, owner string, content string, importance float64, emb []float32) *types.ShortTermMemory {
	t.Helper()
	now := time.Now()
	stm := &types.ShortTermMemory{
		ID:           fmt.Sprintf("stm-%s-%d", owner, now.UnixNano()),
		OwnerID:      owner,
		Content:      content,
		Summary:      content,
		Embedding:    emb,
		Importance:   importance,
		AccessCount:  1,
		LastAccessed: now,
		ExpiresAt:    now.Add(4 * time.Hour),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, db.Create(stm).Error)
	if index != nil {
		require.NoError(t, index.Upsert(context.Background(), stm.ID, emb, map[string]string{"owner": owner}))
	}
	return stm
}

func defaultEngineConfig() config.EngineConfig {
	return config.DefaultConfig().Engine
}
