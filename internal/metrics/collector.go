// Package metrics provides prometheus instrumentation for the memory
// lifecycle engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the engine's prometheus instruments.
type Collector struct {
	// Ingestion
	IngestionsTotal *prometheus.CounterVec
	AttentionScore  prometheus.Histogram

	// Consolidation
	ConsolidationsTotal *prometheus.CounterVec
	DecayUpdatesTotal   prometheus.Counter
	PrunedTotal         prometheus.Counter
	ExpiredSTMTotal     prometheus.Counter
	EdgesSweptTotal     prometheus.Counter

	// Reflection
	ReflectionsTotal    prometheus.Counter
	CorePromotionsTotal *prometheus.CounterVec

	// Retrieval
	RetrievalDuration prometheus.Histogram
	RetrievalTokens   prometheus.Histogram

	// Embedding cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg (the default
// registerer when nil).
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.IngestionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestions_total",
			Help:      "Raw inputs by outcome (created, duplicate, discarded).",
		},
		[]string{"status"},
	)
	c.AttentionScore = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attention_score",
			Help:      "Heuristic attention score distribution.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	c.ConsolidationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidations_total",
			Help:      "Short-term to long-term consolidations by result (created, reinforced).",
		},
		[]string{"result"},
	)
	c.DecayUpdatesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decay_updates_total",
			Help:      "Long-term memories whose importance was persisted by a decay pass.",
		},
	)
	c.PrunedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_total",
			Help:      "Long-term memories soft-deleted by pruning.",
		},
	)
	c.ExpiredSTMTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_stm_total",
			Help:      "Short-term memories removed on expiry.",
		},
	)
	c.EdgesSweptTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edges_swept_total",
			Help:      "Fact-graph edges deactivated by the orphan sweep.",
		},
	)

	c.ReflectionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reflections_total",
			Help:      "Patterns promoted to core memory by reflection.",
		},
	)
	c.CorePromotionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "core_promotions_total",
			Help:      "Core memory promotions by result (created, reinforced).",
		},
		[]string{"result"},
	)

	c.RetrievalDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Context assembly latency.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	c.RetrievalTokens = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_tokens",
			Help:      "Total tokens packed per assembled context.",
			Buckets:   prometheus.ExponentialBuckets(50, 2, 8),
		},
	)

	c.CacheHits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Embedding cache hits.",
		},
	)
	c.CacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_misses_total",
			Help:      "Embedding cache misses.",
		},
	)

	return c
}

// NewNopCollector returns a collector backed by a throwaway registry,
// for tests and optional wiring.
func NewNopCollector() *Collector {
	return NewCollector("memflow", prometheus.NewRegistry(), zap.NewNop())
}
