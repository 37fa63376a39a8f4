package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log:      DefaultLogConfig(),
		Database: DefaultDatabaseConfig(),
		Redis:    DefaultRedisConfig(),
		LLM:      DefaultLLMConfig(),
		Engine:   DefaultEngineConfig(),
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "memflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		EmbeddingTTL: 72 * time.Hour,
	}
}

// DefaultLLMConfig returns the default LLM collaborator configuration.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		CompletionModel: "gpt-4o-mini",
		EmbeddingModel:  "text-embedding-3-small",
		Timeout:         30 * time.Second,
	}
}

// DefaultEngineConfig returns the default lifecycle tuning.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Sensory: SensoryConfig{
			AttentionThreshold: 0.3,
			DedupWindow:        time.Hour,
		},
		ShortTerm: ShortTermConfig{
			Expiry:                   4 * time.Hour,
			TopicSimilarityThreshold: 0.82,
			ExtractRetries:           3,
			ExtractBackoff:           time.Second,
		},
		LongTerm: LongTermConfig{
			DedupThreshold:      0.95,
			DedupTopK:           3,
			ImportanceIncrement: 0.1,
			StabilityIncrement:  50,
			InitialStability:    100,
			MaxStability:        1000,
			PromotionImportance: 0.5,
		},
		Decay: DecayConfig{
			Rate:           0.01,
			Floor:          0.01,
			NoiseThreshold: 0.01,
			PruneThreshold: 0.1,
			BatchSize:      500,
		},
		Reflection: ReflectionConfig{
			OwnerActivityWindow: 7 * 24 * time.Hour,
			MinImportance:       0.7,
			MinOccurrences:      3,
			MinConfidence:       0.7,
			ConfidenceIncrement: 0.05,
			BatchSize:           100,
		},
		Retrieval: RetrievalConfig{
			CoreLimit:        10,
			LongTermLimit:    15,
			ShortTermLimit:   10,
			CoreBudget:       400,
			LongTermBudget:   1200,
			ShortTermBudget:  400,
			Estimator:        "chars",
			TiktokenEncoding: "cl100k_base",
		},
		Scheduler: SchedulerConfig{
			ShortInterval:  15 * time.Minute,
			DailyInterval:  24 * time.Hour,
			WeeklyInterval: 7 * 24 * time.Hour,
			MaxRetries:     3,
			RetryBackoff:   time.Second,
		},
		RateLimit: RateLimitConfig{
			OwnerRPS:                  5,
			OwnerBurst:                10,
			CompletionTokensPerMinute: 20000,
			CompletionBurst:           4000,
		},
	}
}
