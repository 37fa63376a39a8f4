package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memflow/memflow/internal/metrics"
	"github.com/memflow/memflow/types"
)

func newTestSensory(t *testing.T) (*SensoryFilter, *fixedClock) {
	t.Helper()
	clock := newFixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := NewSensoryFilter(newTestDB(t), defaultEngineConfig().Sensory, metrics.NewNopCollector(), nil)
	f.now = clock.Now
	return f, clock
}

func TestIngestStoresPendingRecord(t *testing.T) {
	t.Parallel()

	f, _ := newTestSensory(t)
	ctx := context.Background()

	result, err := f.Ingest(ctx, "I am a software engineer and I love hiking in Colorado", "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, IngestCreated, result.Status)
	assert.True(t, result.Pending)
	assert.GreaterOrEqual(t, result.Score, 0.3)

	rec, err := f.Get(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SensoryPending, rec.Status)
	assert.Equal(t, ContentHash(rec.Content), rec.ContentHash)
}

func TestIngestDiscardsLowAttentionButKeepsRecord(t *testing.T) {
	t.Parallel()

	f, _ := newTestSensory(t)
	ctx := context.Background()

	result, err := f.Ingest(ctx, "ok thanks", "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, IngestCreated, result.Status)
	assert.False(t, result.Pending)

	// Nothing is silently lost: the record stays queryable for audit.
	rec, err := f.Get(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SensoryDiscarded, rec.Status)
	assert.NotEmpty(t, rec.StatusReason)
}

func TestIngestDedupWindow(t *testing.T) {
	t.Parallel()

	f, clock := newTestSensory(t)
	ctx := context.Background()
	content := "I am planning a trip to Japan next month"

	first, err := f.Ingest(ctx, content, "alice", "t1")
	require.NoError(t, err)

	// Same content within the hour: deduplicated.
	dup, err := f.Ingest(ctx, content, "alice", "t2")
	require.NoError(t, err)
	assert.Equal(t, IngestDuplicate, dup.Status)
	assert.Equal(t, first.ID, dup.ID)

	// Different owner is never deduplicated against alice.
	other, err := f.Ingest(ctx, content, "bob", "t1")
	require.NoError(t, err)
	assert.Equal(t, IngestCreated, other.Status)

	// Past the window the same content is recorded again.
	clock.Advance(61 * time.Minute)
	later, err := f.Ingest(ctx, content, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, IngestCreated, later.Status)
	assert.NotEqual(t, first.ID, later.ID)
}

func TestIngestRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	f, _ := newTestSensory(t)
	ctx := context.Background()

	_, err := f.Ingest(ctx, "   ", "alice", "t1")
	assert.Error(t, err)
	_, err = f.Ingest(ctx, "some content", "", "t1")
	assert.Error(t, err)
}

func TestAttentionScoreHeuristics(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		check   func(t *testing.T, score float64)
	}{
		{
			name:    "acknowledgement scores near zero",
			content: "ok",
			check: func(t *testing.T, score float64) {
				assert.Less(t, score, 0.3)
			},
		},
		{
			name:    "first person statement clears the threshold",
			content: "I am a vegetarian and I love cooking Italian food at home",
			check: func(t *testing.T, score float64) {
				assert.GreaterOrEqual(t, score, 0.5)
			},
		},
		{
			name:    "temporal recurrence raises the score",
			content: "Every morning the standup happens before the coffee break starts",
			check: func(t *testing.T, score float64) {
				assert.Greater(t, score, 0.3)
			},
		},
		{
			name:    "short neutral fragment is penalized",
			content: "maybe later",
			check: func(t *testing.T, score float64) {
				assert.Less(t, score, 0.3)
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			score := AttentionScore(tc.content)
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 1.0)
			tc.check(t, score)
		})
	}
}

func TestContentHashStability(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ContentHash("hello"), ContentHash("hello"))
	assert.Equal(t, ContentHash("hello"), ContentHash("  hello  "))
	assert.NotEqual(t, ContentHash("hello"), ContentHash("Hello"))
}

func TestListByOwnerFiltersStatus(t *testing.T) {
	t.Parallel()

	f, _ := newTestSensory(t)
	ctx := context.Background()

	_, err := f.Ingest(ctx, "I am training for a marathon this year in Berlin", "alice", "t1")
	require.NoError(t, err)
	_, err = f.Ingest(ctx, "ok", "alice", "t1")
	require.NoError(t, err)

	pending, err := f.ListByOwner(ctx, "alice", types.SensoryPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	discarded, err := f.ListByOwner(ctx, "alice", types.SensoryDiscarded, 10)
	require.NoError(t, err)
	assert.Len(t, discarded, 1)

	all, err := f.ListByOwner(ctx, "alice", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
