package llm

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingEmbedder struct {
	calls int
	vec   []float32
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	return e.vec, nil
}

func TestCachingEmbedderLocalHit(t *testing.T) {
	t.Parallel()

	inner := &countingEmbedder{vec: []float32{1, 2, 3}}
	c := NewCachingEmbedder(inner, nil, DefaultCacheConfig(), nil, zap.NewNop())

	ctx := context.Background()

	v1, err := c.Embed(ctx, "I live in Berlin")
	require.NoError(t, err)
	v2, err := c.Embed(ctx, "I live in Berlin")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, inner.calls, "second call must be served from cache")

	_, err = c.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachingEmbedderLocalTTLExpiry(t *testing.T) {
	t.Parallel()

	inner := &countingEmbedder{vec: []float32{1}}
	cfg := DefaultCacheConfig()
	cfg.LocalTTL = time.Minute
	c := NewCachingEmbedder(inner, nil, cfg, nil, zap.NewNop())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := c.Embed(ctx, "text")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.Embed(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachingEmbedderLocalEviction(t *testing.T) {
	t.Parallel()

	inner := &countingEmbedder{vec: []float32{1}}
	cfg := DefaultCacheConfig()
	cfg.LocalMaxSize = 2
	c := NewCachingEmbedder(inner, nil, cfg, nil, zap.NewNop())

	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		_, err := c.Embed(ctx, text)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, len(c.local), 2)

	// "a" was evicted first.
	_, err := c.Embed(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 4, inner.calls)
}

func TestCachingEmbedderRedisLayer(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	inner := &countingEmbedder{vec: []float32{0.5, 0.25}}
	cfg := DefaultCacheConfig()
	c := NewCachingEmbedder(inner, rdb, cfg, nil, zap.NewNop())

	ctx := context.Background()
	_, err := c.Embed(ctx, "cached via redis")
	require.NoError(t, err)

	// A fresh instance with an empty local layer hits redis, not the
	// inner embedder.
	c2 := NewCachingEmbedder(inner, rdb, cfg, nil, zap.NewNop())
	vec, err := c2.Embed(ctx, "cached via redis")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
	assert.Equal(t, 1, inner.calls)
}

func TestStripCodeFence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain json", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no lang", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"leading whitespace", "  {\"a\":1}  ", `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripCodeFence(tt.input))
		})
	}
}
