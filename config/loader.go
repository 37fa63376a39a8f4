// Package config provides unified configuration loading for memflow.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("memflow.yaml").
//	    WithEnvPrefix("MEMFLOW").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete memflow configuration.
type Config struct {
	// Log configures zap logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Database configures the relational store backing all memory tiers.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis configures the embedding cache.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// LLM configures the external completion/embedding collaborators.
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Engine configures the memory lifecycle rules.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// Driver: sqlite, postgres, mysql.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	// Name is the database name; for sqlite it is the file path.
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig configures the embedding cache backend.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// EmbeddingTTL is how long cached embeddings stay valid.
	EmbeddingTTL time.Duration `yaml:"embedding_ttl" env:"EMBEDDING_TTL"`
}

// LLMConfig configures the external completion/embedding services.
type LLMConfig struct {
	APIKey         string        `yaml:"api_key" env:"API_KEY"`
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	CompletionModel string       `yaml:"completion_model" env:"COMPLETION_MODEL"`
	EmbeddingModel string        `yaml:"embedding_model" env:"EMBEDDING_MODEL"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// EngineConfig groups the lifecycle tuning knobs per component.
type EngineConfig struct {
	Sensory    SensoryConfig    `yaml:"sensory" env:"SENSORY"`
	ShortTerm  ShortTermConfig  `yaml:"short_term" env:"SHORT_TERM"`
	LongTerm   LongTermConfig   `yaml:"long_term" env:"LONG_TERM"`
	Decay      DecayConfig      `yaml:"decay" env:"DECAY"`
	Reflection ReflectionConfig `yaml:"reflection" env:"REFLECTION"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" env:"RETRIEVAL"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" env:"SCHEDULER"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// SensoryConfig tunes the attention filter.
type SensoryConfig struct {
	// AttentionThreshold gates promotion to short-term processing.
	AttentionThreshold float64 `yaml:"attention_threshold" env:"ATTENTION_THRESHOLD"`
	// DedupWindow is the lookback window for identical content hashes.
	DedupWindow time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW"`
}

// ShortTermConfig tunes the working-memory tier.
type ShortTermConfig struct {
	// Expiry is the short-term memory lifetime.
	Expiry time.Duration `yaml:"expiry" env:"EXPIRY"`
	// TopicSimilarityThreshold joins a memory to an existing topic.
	TopicSimilarityThreshold float64 `yaml:"topic_similarity_threshold" env:"TOPIC_SIMILARITY_THRESHOLD"`
	// ExtractRetries bounds extraction attempts before discarding.
	ExtractRetries int `yaml:"extract_retries" env:"EXTRACT_RETRIES"`
	// ExtractBackoff is the initial extraction retry delay.
	ExtractBackoff time.Duration `yaml:"extract_backoff" env:"EXTRACT_BACKOFF"`
}

// LongTermConfig tunes consolidation.
type LongTermConfig struct {
	// DedupThreshold reinforces an existing memory instead of creating one.
	DedupThreshold float64 `yaml:"dedup_threshold" env:"DEDUP_THRESHOLD"`
	// DedupTopK is how many similar candidates consolidation inspects.
	DedupTopK int `yaml:"dedup_top_k" env:"DEDUP_TOP_K"`
	// ImportanceIncrement is added on reinforcement, capped at 1.0.
	ImportanceIncrement float64 `yaml:"importance_increment" env:"IMPORTANCE_INCREMENT"`
	// StabilityIncrement is added on reinforcement, capped at MaxStability.
	StabilityIncrement float64 `yaml:"stability_increment" env:"STABILITY_INCREMENT"`
	// InitialStability is assigned to newly created memories.
	InitialStability float64 `yaml:"initial_stability" env:"INITIAL_STABILITY"`
	// MaxStability caps stability growth.
	MaxStability float64 `yaml:"max_stability" env:"MAX_STABILITY"`
	// PromotionImportance is the minimum short-term importance for
	// scheduled promotion to long-term memory.
	PromotionImportance float64 `yaml:"promotion_importance" env:"PROMOTION_IMPORTANCE"`
}

// DecayConfig tunes the forgetting curve.
type DecayConfig struct {
	// Rate is the Ebbinghaus constant k; decayRate = k / stability.
	Rate float64 `yaml:"rate" env:"RATE"`
	// Floor is the minimum current importance, never zero.
	Floor float64 `yaml:"floor" env:"FLOOR"`
	// NoiseThreshold suppresses writes for changes smaller than this.
	NoiseThreshold float64 `yaml:"noise_threshold" env:"NOISE_THRESHOLD"`
	// PruneThreshold soft-deletes memories below this importance.
	PruneThreshold float64 `yaml:"prune_threshold" env:"PRUNE_THRESHOLD"`
	// BatchSize bounds records touched per pass.
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
}

// ReflectionConfig tunes pattern detection and core promotion.
type ReflectionConfig struct {
	// OwnerActivityWindow skips owners inactive longer than this.
	OwnerActivityWindow time.Duration `yaml:"owner_activity_window" env:"OWNER_ACTIVITY_WINDOW"`
	// MinImportance selects candidate memories for pattern detection.
	MinImportance float64 `yaml:"min_importance" env:"MIN_IMPORTANCE"`
	// MinOccurrences is the evidence floor below which reflection skips.
	MinOccurrences int `yaml:"min_occurrences" env:"MIN_OCCURRENCES"`
	// MinConfidence gates promotion of a detected pattern.
	MinConfidence float64 `yaml:"min_confidence" env:"MIN_CONFIDENCE"`
	// ConfidenceIncrement is added when reinforcing an existing core memory.
	ConfidenceIncrement float64 `yaml:"confidence_increment" env:"CONFIDENCE_INCREMENT"`
	// BatchSize bounds candidate memories per owner per pass.
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
}

// RetrievalConfig tunes context assembly.
type RetrievalConfig struct {
	CoreLimit      int `yaml:"core_limit" env:"CORE_LIMIT"`
	LongTermLimit  int `yaml:"long_term_limit" env:"LONG_TERM_LIMIT"`
	ShortTermLimit int `yaml:"short_term_limit" env:"SHORT_TERM_LIMIT"`
	// Token budgets per source, approximated as ceil(chars/4) by default.
	CoreBudget      int `yaml:"core_budget" env:"CORE_BUDGET"`
	LongTermBudget  int `yaml:"long_term_budget" env:"LONG_TERM_BUDGET"`
	ShortTermBudget int `yaml:"short_term_budget" env:"SHORT_TERM_BUDGET"`
	// Estimator: chars, tiktoken.
	Estimator string `yaml:"estimator" env:"ESTIMATOR"`
	// TiktokenEncoding is used when Estimator is tiktoken.
	TiktokenEncoding string `yaml:"tiktoken_encoding" env:"TIKTOKEN_ENCODING"`
}

// SchedulerConfig tunes the consolidation workflows.
type SchedulerConfig struct {
	ShortInterval time.Duration `yaml:"short_interval" env:"SHORT_INTERVAL"`
	DailyInterval time.Duration `yaml:"daily_interval" env:"DAILY_INTERVAL"`
	WeeklyInterval time.Duration `yaml:"weekly_interval" env:"WEEKLY_INTERVAL"`
	// MaxRetries bounds attempts per workflow step.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// RetryBackoff is the initial step retry delay.
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
}

// RateLimitConfig tunes collaborator rate limiting.
type RateLimitConfig struct {
	// OwnerRPS limits ingestion per owner.
	OwnerRPS   float64 `yaml:"owner_rps" env:"OWNER_RPS"`
	OwnerBurst int     `yaml:"owner_burst" env:"OWNER_BURST"`
	// CompletionTokensPerMinute is the global token budget for
	// pattern-detection completion calls.
	CompletionTokensPerMinute int `yaml:"completion_tokens_per_minute" env:"COMPLETION_TOKENS_PER_MINUTE"`
	CompletionBurst           int `yaml:"completion_burst" env:"COMPLETION_BURST"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MEMFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a config validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads configuration. Precedence: defaults → YAML → environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	if c.Engine.Sensory.AttentionThreshold < 0 || c.Engine.Sensory.AttentionThreshold > 1 {
		errs = append(errs, "sensory attention_threshold must be in [0,1]")
	}
	if c.Engine.LongTerm.DedupThreshold <= 0 || c.Engine.LongTerm.DedupThreshold > 1 {
		errs = append(errs, "long_term dedup_threshold must be in (0,1]")
	}
	if c.Engine.Decay.Floor <= 0 {
		errs = append(errs, "decay floor must be positive")
	}
	if c.Engine.Decay.PruneThreshold < c.Engine.Decay.Floor {
		errs = append(errs, "decay prune_threshold below the importance floor would never fire")
	}
	if c.Engine.Reflection.MinOccurrences < 1 {
		errs = append(errs, "reflection min_occurrences must be at least 1")
	}
	if c.Engine.Retrieval.CoreBudget <= 0 || c.Engine.Retrieval.LongTermBudget <= 0 || c.Engine.Retrieval.ShortTermBudget <= 0 {
		errs = append(errs, "retrieval budgets must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
