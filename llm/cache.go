package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/metrics"
)

// CacheConfig configures the embedding cache layers.
type CacheConfig struct {
	LocalMaxSize int           // local cache entry bound
	LocalTTL     time.Duration // local cache TTL
	RedisTTL     time.Duration // redis TTL
	KeyPrefix    string        // redis key namespace
}

// DefaultCacheConfig returns the default embedding cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		LocalMaxSize: 2048,
		LocalTTL:     15 * time.Minute,
		RedisTTL:     72 * time.Hour,
		KeyPrefix:    "memflow:emb:",
	}
}

type localEntry struct {
	vector    []float32
	expiresAt time.Time
}

// CachingEmbedder wraps an Embedder with a small in-process cache and an
// optional redis layer, both keyed by the SHA-256 of the input text.
type CachingEmbedder struct {
	inner   Embedder
	redis   *redis.Client
	config  CacheConfig
	logger  *zap.Logger
	metrics *metrics.Collector

	mu    sync.Mutex
	local map[string]localEntry
	order []string // FIFO eviction order
	now   func() time.Time
}

// NewCachingEmbedder creates the cache. rdb may be nil to run with the
// local layer only; collector may be nil.
func NewCachingEmbedder(inner Embedder, rdb *redis.Client, cfg CacheConfig, collector *metrics.Collector, logger *zap.Logger) *CachingEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LocalMaxSize <= 0 {
		cfg.LocalMaxSize = DefaultCacheConfig().LocalMaxSize
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultCacheConfig().KeyPrefix
	}
	return &CachingEmbedder{
		inner:   inner,
		redis:   rdb,
		config:  cfg,
		logger:  logger.With(zap.String("component", "embedding_cache")),
		metrics: collector,
		local:   make(map[string]localEntry),
		now:     time.Now,
	}
}

// Embed returns the cached vector for text, or calls the inner embedder
// and populates both layers.
func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)

	if vec, ok := c.getLocal(key); ok {
		c.hit()
		return vec, nil
	}

	if vec, ok := c.getRedis(ctx, key); ok {
		c.hit()
		c.setLocal(key, vec)
		return vec, nil
	}

	c.miss()

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.setLocal(key, vec)
	c.setRedis(ctx, key, vec)
	return vec, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *CachingEmbedder) getLocal(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.local[key]
	if !ok {
		return nil, false
	}
	if c.config.LocalTTL > 0 && c.now().After(e.expiresAt) {
		delete(c.local, key)
		return nil, false
	}
	return e.vector, true
}

func (c *CachingEmbedder) setLocal(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.local[key]; !exists {
		c.order = append(c.order, key)
	}
	c.local[key] = localEntry{vector: vec, expiresAt: c.now().Add(c.config.LocalTTL)}

	for len(c.local) > c.config.LocalMaxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.local, oldest)
	}
}

func (c *CachingEmbedder) getRedis(ctx context.Context, key string) ([]float32, bool) {
	if c.redis == nil {
		return nil, false
	}

	data, err := c.redis.Get(ctx, c.config.KeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("redis get failed", zap.Error(err))
		}
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Warn("corrupt cached embedding dropped", zap.Error(err))
		return nil, false
	}
	return vec, true
}

func (c *CachingEmbedder) setRedis(ctx context.Context, key string, vec []float32) {
	if c.redis == nil {
		return
	}

	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.config.KeyPrefix+key, data, c.config.RedisTTL).Err(); err != nil {
		// A cache write failure is not an embedding failure.
		c.logger.Debug("redis set failed", zap.Error(err))
	}
}

func (c *CachingEmbedder) hit() {
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
}

func (c *CachingEmbedder) miss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}

// NewRedisClient builds a redis client for the embedding cache and
// verifies connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db, poolSize, minIdleConns int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: minIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
