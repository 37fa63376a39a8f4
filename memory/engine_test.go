package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/llm"
	"github.com/memflow/memflow/types"
)

func newTestEngine(t *testing.T, mutate func(*config.EngineConfig)) (*Engine, *fakeExtractor, *fakeEmbedder) {
	t.Helper()
	cfg := defaultEngineConfig()
	cfg.RateLimit.OwnerRPS = 0 // most tests ingest freely
	cfg.ShortTerm.ExtractBackoff = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	extractor := &fakeExtractor{}
	embedder := newFakeEmbedder()
	e, err := NewEngine(EngineOptions{
		DB:        newTestDB(t),
		Config:    cfg,
		Embedder:  embedder,
		Extractor: extractor,
		Detector:  &fakeDetector{},
		STMIndex:  newTestIndex(),
		LTMIndex:  newTestIndex(),
	})
	require.NoError(t, err)
	return e, extractor, embedder
}

func TestIngestRunsFullPipeline(t *testing.T) {
	t.Parallel()

	e, extractor, _ := newTestEngine(t, nil)
	extractor.result = &llm.Extraction{
		Importance: 0.7,
		Summary:    "works at Acme",
		Entities:   []types.Entity{{Name: "Acme", Type: "org", Salience: 0.9}},
		Relationships: []types.Relationship{
			{Subject: "user", Predicate: "works_at", Object: "Acme", Confidence: 0.9},
		},
	}
	ctx := context.Background()

	result, err := e.Ingest(ctx, "alice", "t1", "I work at Acme Corp since last year")
	require.NoError(t, err)
	assert.Equal(t, IngestCreated, result.Status)
	assert.True(t, result.Pending)

	// The inline scheduler already ran the async stage.
	stms, err := e.shortTerm.ListRecent(ctx, "alice", "t1", 10)
	require.NoError(t, err)
	require.Len(t, stms, 1)
	assert.Equal(t, "works at Acme", stms[0].Summary)

	rec, err := e.sensory.Get(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SensoryPromoted, rec.Status)

	edges, err := e.Neighbors(ctx, "alice", "Acme", 10)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "works_at", edges[0].Relation)

	// Edges carry the extracted entity type and the content embedding.
	assert.Equal(t, "org", edges[0].TargetType)
	assert.Empty(t, edges[0].SourceType) // "user" is not an extracted entity
	assert.Equal(t, stms[0].Embedding, edges[0].Embedding)
	assert.Equal(t, "user works_at Acme", edges[0].Fact)
}

func TestIngestLowAttentionIsNotProcessed(t *testing.T) {
	t.Parallel()

	e, extractor, _ := newTestEngine(t, nil)
	ctx := context.Background()

	result, err := e.Ingest(ctx, "alice", "t1", "ok")
	require.NoError(t, err)
	assert.False(t, result.Pending)
	assert.Zero(t, extractor.calls)

	rec, err := e.sensory.Get(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SensoryDiscarded, rec.Status)
}

func TestIngestRateLimitSurfacesSynchronously(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t, func(cfg *config.EngineConfig) {
		cfg.RateLimit.OwnerRPS = 1
		cfg.RateLimit.OwnerBurst = 1
	})
	ctx := context.Background()

	_, err := e.Ingest(ctx, "alice", "t1", "I love long mountain hikes every weekend")
	require.NoError(t, err)

	_, err = e.Ingest(ctx, "alice", "t1", "I also love trail running in the forest")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRateLimited))
	assert.True(t, types.IsRetryable(err))

	// Other owners are unaffected.
	_, err = e.Ingest(ctx, "bob", "t1", "I love long mountain hikes every weekend")
	require.NoError(t, err)
}

func TestProcessSensoryRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	e, extractor, _ := newTestEngine(t, nil)
	extractor.failFor = 2
	ctx := context.Background()

	result, err := e.Ingest(ctx, "alice", "t1", "I am learning Go this month with my friend")
	require.NoError(t, err)

	rec, err := e.sensory.Get(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SensoryPromoted, rec.Status)
	assert.Equal(t, 3, extractor.calls)
}

func TestProcessSensoryExhaustedRetriesIsTerminal(t *testing.T) {
	t.Parallel()

	e, extractor, _ := newTestEngine(t, func(cfg *config.EngineConfig) {
		cfg.ShortTerm.ExtractRetries = 1
	})
	extractor.failFor = 10
	ctx := context.Background()

	result, err := e.Ingest(ctx, "alice", "t1", "I am learning Go this month with my friend")
	require.NoError(t, err)

	rec, err := e.sensory.Get(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SensoryDiscarded, rec.Status)
	assert.Contains(t, rec.StatusReason, "extractor temporarily down")

	// Terminal state: reprocessing does nothing.
	calls := extractor.calls
	require.NoError(t, e.ProcessSensory(ctx, result.ID))
	assert.Equal(t, calls, extractor.calls)
}

func TestPromoteEligibleConsolidates(t *testing.T) {
	t.Parallel()

	e, extractor, _ := newTestEngine(t, nil)
	extractor.result = &llm.Extraction{Importance: 0.8, Summary: "important fact"}
	ctx := context.Background()

	_, err := e.Ingest(ctx, "alice", "t1", "I always take my coffee black in the morning")
	require.NoError(t, err)

	created, reinforced, err := e.PromoteEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Zero(t, reinforced)

	memories, err := e.ListMemories(ctx, "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, memories, 1)

	// Source short-term memory was consumed.
	stms, err := e.shortTerm.ListRecent(ctx, "alice", "", 10)
	require.NoError(t, err)
	assert.Empty(t, stms)

	// Nothing left to promote.
	created, reinforced, err = e.PromoteEligible(ctx)
	require.NoError(t, err)
	assert.Zero(t, created+reinforced)
}

func TestPromoteEligibleSkipsLowImportance(t *testing.T) {
	t.Parallel()

	e, extractor, _ := newTestEngine(t, nil)
	extractor.result = &llm.Extraction{Importance: 0.2, Summary: "small talk"}
	ctx := context.Background()

	_, err := e.Ingest(ctx, "alice", "t1", "I watched a movie yesterday with my sister")
	require.NoError(t, err)

	created, reinforced, err := e.PromoteEligible(ctx)
	require.NoError(t, err)
	assert.Zero(t, created+reinforced)
}

func TestEngineEndToEndRetrieval(t *testing.T) {
	t.Parallel()

	e, extractor, embedder := newTestEngine(t, nil)
	extractor.result = &llm.Extraction{Importance: 0.8, Summary: "prefers tea over coffee"}
	embedder.set("I prefer tea over coffee, always have", unitVec(0))
	embedder.set("what drinks do I like", unitVec(0))
	ctx := context.Background()

	_, err := e.Ingest(ctx, "alice", "t1", "I prefer tea over coffee, always have")
	require.NoError(t, err)
	_, _, err = e.PromoteEligible(ctx)
	require.NoError(t, err)

	out, err := e.Retrieve(ctx, AssembleRequest{OwnerID: "alice", Query: "what drinks do I like"})
	require.NoError(t, err)
	require.Len(t, out.LongTerm, 1)
	assert.True(t, strings.Contains(out.Format(), "prefers tea over coffee"))
}

func TestEngineRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(EngineOptions{})
	assert.Error(t, err)

	_, err = NewEngine(EngineOptions{DB: newTestDB(t), Embedder: newFakeEmbedder()})
	assert.Error(t, err)
}
