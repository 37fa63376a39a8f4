// Package vector provides the similarity-index contract required by the
// memory tiers, and an in-memory implementation.
//
// The contract is deliberately narrow: approximate nearest-neighbor by
// vector with equality-only metadata filters, excluding nothing
// automatically. Callers must post-filter soft-deleted records.
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Match is one similarity search hit.
type Match struct {
	ID    string
	Score float64
}

// Index is the similarity search contract.
type Index interface {
	// Upsert stores or replaces a vector with its equality-filterable
	// metadata.
	Upsert(ctx context.Context, id string, vec []float32, meta map[string]string) error

	// Delete removes a vector. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id string) error

	// Search returns the topK most similar vectors among those whose
	// metadata matches every filter entry exactly.
	Search(ctx context.Context, query []float32, topK int, filter map[string]string) ([]Match, error)
}

type entry struct {
	vec  []float32
	meta map[string]string
}

// InMemoryIndexConfig configures the in-memory index.
type InMemoryIndexConfig struct {
	// Dimension, when > 0, validates stored and queried vectors.
	Dimension int
}

// InMemoryIndex is a brute-force cosine index guarded by a RWMutex.
type InMemoryIndex struct {
	mu        sync.RWMutex
	items     map[string]entry
	dimension int
	logger    *zap.Logger
}

// NewInMemoryIndex creates an in-memory similarity index.
func NewInMemoryIndex(config InMemoryIndexConfig, logger *zap.Logger) *InMemoryIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryIndex{
		items:     make(map[string]entry),
		dimension: config.Dimension,
		logger:    logger.With(zap.String("component", "vector_index_inmemory")),
	}
}

func (s *InMemoryIndex) Upsert(ctx context.Context, id string, vec []float32, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if len(vec) == 0 {
		return fmt.Errorf("vector is required")
	}
	if s.dimension > 0 && len(vec) != s.dimension {
		return fmt.Errorf("vector dimension mismatch: got %d want %d", len(vec), s.dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[id] = entry{
		vec:  append([]float32(nil), vec...),
		meta: cloneMeta(meta),
	}
	return nil
}

func (s *InMemoryIndex) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, id)
	return nil
}

func (s *InMemoryIndex) Search(ctx context.Context, query []float32, topK int, filter map[string]string) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("query vector is required")
	}
	if s.dimension > 0 && len(query) != s.dimension {
		return nil, fmt.Errorf("query vector dimension mismatch: got %d want %d", len(query), s.dimension)
	}
	if topK <= 0 {
		return []Match{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]Match, 0, len(s.items))
	for id, ent := range s.items {
		if !matchesFilter(ent.meta, filter) {
			continue
		}
		results = append(results, Match{ID: id, Score: CosineSimilarity(query, ent.vec)})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if topK > len(results) {
		topK = len(results)
	}
	return results[:topK], nil
}

func matchesFilter(meta, filter map[string]string) bool {
	if len(filter) == 0 {
		return true
	}
	if meta == nil {
		return false
	}
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func cloneMeta(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// CosineSimilarity computes cosine similarity of two vectors, 0 for
// mismatched or zero-norm inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
