// Package llm defines the engine's contracts with the external embedding
// and completion collaborators, plus caching and client adapters.
//
// The lifecycle engine never talks to a network service directly; it
// depends on the interfaces here so decay, dedup, and promotion logic are
// testable without live calls.
package llm

import (
	"context"
	"errors"

	"github.com/memflow/memflow/types"
)

// EmbeddingDim is the expected embedding width.
const EmbeddingDim = 1536

// ErrUnavailable indicates a transient collaborator failure; callers
// reschedule with backoff.
var ErrUnavailable = errors.New("llm: collaborator unavailable")

// Embedder produces embedding vectors. Implementations must be
// deterministic enough to cache by exact input text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Extraction is the structured result of entity/relationship extraction.
type Extraction struct {
	Entities      []types.Entity       `json:"entities"`
	Relationships []types.Relationship `json:"relationships"`
	Importance    float64              `json:"importance"`
	Summary       string               `json:"summary"`
}

// Extractor turns raw text into structured memory content.
type Extractor interface {
	Extract(ctx context.Context, text string) (*Extraction, error)
}

// Pattern is one recurring pattern detected across memory summaries.
type Pattern struct {
	Content         string             `json:"content"`
	Category        types.CoreCategory `json:"category"`
	Confidence      float64            `json:"confidence"`
	SupportingCount int                `json:"supporting_count"`
	Reasoning       string             `json:"reasoning"`
}

// PatternDetector finds recurring patterns across memory summaries.
type PatternDetector interface {
	DetectPatterns(ctx context.Context, summaries []string) ([]Pattern, error)
}
