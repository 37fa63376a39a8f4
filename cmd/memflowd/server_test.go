package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/internal/database"
	"github.com/memflow/memflow/llm"
	"github.com/memflow/memflow/memory"
	"github.com/memflow/memflow/types"
	"github.com/memflow/memflow/vector"
)

type testExtractor struct{}

func (testExtractor) Extract(_ context.Context, content string) (*llm.Extraction, error) {
	return &llm.Extraction{Importance: 0.8, Summary: content}, nil
}

type testEmbedder struct{}

func (testEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 4)
	v[len(text)%4] = 1
	return v, nil
}

func newTestServer(t *testing.T) (*Server, *memory.Engine) {
	t.Helper()
	db, err := database.OpenTest()
	require.NoError(t, err)

	cfg := config.DefaultConfig().Engine
	cfg.RateLimit.OwnerRPS = 0
	cfg.ShortTerm.ExtractBackoff = time.Millisecond
	// Dimensionless indexes: the test embedder emits 4-dim vectors, so
	// the default llm.EmbeddingDim-validated indexes would reject them.
	engine, err := memory.NewEngine(memory.EngineOptions{
		DB:        db,
		Config:    cfg,
		Embedder:  testEmbedder{},
		Extractor: testExtractor{},
		STMIndex:  vector.NewInMemoryIndex(vector.InMemoryIndexConfig{}, zap.NewNop()),
		LTMIndex:  vector.NewInMemoryIndex(vector.InMemoryIndexConfig{}, zap.NewNop()),
	})
	require.NoError(t, err)

	return NewServer(":0", engine, prometheus.NewRegistry(), zap.NewNop()), engine
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestIngestEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/v1/ingest",
		`{"owner_id":"alice","thread_id":"t1","content":"I am moving to Berlin next month for work"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var result memory.IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, memory.IngestCreated, result.Status)
	assert.True(t, result.Pending)

	// The inline scheduler processed it synchronously.
	rec = doRequest(t, s, http.MethodGet, "/v1/context?owner_id=alice&thread_id=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Berlin")
}

func TestIngestValidation(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/v1/ingest", `{"owner_id":"","content":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/ingest", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMemoryEndpointsAndErrorMapping(t *testing.T) {
	t.Parallel()

	s, engine := newTestServer(t)
	ctx := context.Background()

	rec := doRequest(t, s, http.MethodPost, "/v1/ingest",
		`{"owner_id":"alice","content":"I always run before breakfast, my favorite routine"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	_, _, err := engine.PromoteEligible(ctx)
	require.NoError(t, err)

	rec = doRequest(t, s, http.MethodGet, "/v1/memories?owner_id=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Memories []types.LongTermMemory `json:"memories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Memories, 1)
	id := listed.Memories[0].ID

	// Foreign owner delete is forbidden.
	rec = doRequest(t, s, http.MethodDelete, "/v1/memories/"+id+"?owner_id=bob", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown id is not found.
	rec = doRequest(t, s, http.MethodDelete, "/v1/memories/nope?owner_id=alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/v1/memories/"+id+"?owner_id=alice", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/memories?owner_id=alice", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Empty(t, listed.Memories)
}

func TestRateLimitedIngestMapsTo429(t *testing.T) {
	t.Parallel()

	db, err := database.OpenTest()
	require.NoError(t, err)
	cfg := config.DefaultConfig().Engine
	cfg.RateLimit.OwnerRPS = 1
	cfg.RateLimit.OwnerBurst = 1
	engine, err := memory.NewEngine(memory.EngineOptions{
		DB:        db,
		Config:    cfg,
		Embedder:  testEmbedder{},
		Extractor: testExtractor{},
	})
	require.NoError(t, err)
	s := NewServer(":0", engine, prometheus.NewRegistry(), zap.NewNop())

	body := `{"owner_id":"alice","content":"I am documenting my home lab setup this weekend"}`
	rec := doRequest(t, s, http.MethodPost, "/v1/ingest", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/ingest", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")

	rec = doRequest(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestContextTextFormat(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	doRequest(t, s, http.MethodPost, "/v1/ingest",
		`{"owner_id":"alice","thread_id":"t1","content":"I am rehearsing for the school play tomorrow"}`)

	rec := doRequest(t, s, http.MethodGet, "/v1/context?owner_id=alice&thread_id=t1&format=text", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "Current Context")
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	s, engine := newTestServer(t)
	ctx := context.Background()

	doRequest(t, s, http.MethodPost, "/v1/ingest",
		`{"owner_id":"alice","content":"I am keeping a reading journal, my new habit"}`)
	_, _, err := engine.PromoteEligible(ctx)
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/v1/stats?owner_id=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats types.MemoryStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Total)
}