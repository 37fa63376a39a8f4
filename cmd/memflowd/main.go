// memflowd is the memory lifecycle daemon: it ingests raw input through
// an HTTP API, runs the background consolidation workflows, and serves
// assembled context for agent prompts.
//
// Usage:
//
//	memflowd serve                        # start the daemon
//	memflowd serve --config config.yaml   # with a config file
//	memflowd version                      # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/internal/database"
	"github.com/memflow/memflow/internal/metrics"
	"github.com/memflow/memflow/llm"
	"github.com/memflow/memflow/memory"
	"github.com/memflow/memflow/scheduler"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	addr := fs.String("addr", ":8080", "HTTP listen address")
	fs.Parse(args)

	loader := config.NewLoader().WithEnvPrefix("MEMFLOW")
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting memflowd",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("memflow", registry, logger)

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	client := llm.NewOpenAIClient(cfg.LLM, logger)

	var embedder llm.Embedder = client
	if cfg.Redis.Enabled {
		rdb, err := llm.NewRedisClient(context.Background(),
			cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.MinIdleConns)
		if err != nil {
			logger.Warn("redis unavailable, embedding cache is local only", zap.Error(err))
		} else {
			embedder = llm.NewCachingEmbedder(client, rdb, llm.CacheConfig{RedisTTL: cfg.Redis.EmbeddingTTL}, collector, logger)
		}
	} else {
		embedder = llm.NewCachingEmbedder(client, nil, llm.CacheConfig{}, collector, logger)
	}

	runner := scheduler.NewRunner(logger)
	engine, err := memory.NewEngine(memory.EngineOptions{
		DB:        db,
		Config:    cfg.Engine,
		Embedder:  embedder,
		Extractor: client,
		Detector:  client,
		Scheduler: runner,
		Metrics:   collector,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("failed to build memory engine", zap.Error(err))
	}
	// The similarity indexes are process-local; reload them from the
	// durable rows before serving so dedup and search see the population.
	if err := engine.RebuildIndexes(context.Background()); err != nil {
		logger.Fatal("failed to rebuild similarity indexes", zap.Error(err))
	}

	workflows := scheduler.NewWorkflows(engine, cfg.Engine.Scheduler, logger)
	ctx, cancel := context.WithCancel(context.Background())
	workflows.Start(ctx)

	server := NewServer(*addr, engine, registry, logger)
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()

	cancel()
	workflows.Stop()
	runner.Stop()
	logger.Info("memflowd stopped")
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func printVersion() {
	fmt.Printf("memflowd %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`memflowd - AI agent memory lifecycle daemon

Usage:
  memflowd <command> [options]

Commands:
  serve     Start the daemon
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)
  --addr <addr>     HTTP listen address (default :8080)

Examples:
  memflowd serve
  memflowd serve --config /etc/memflow/config.yaml`)
}
