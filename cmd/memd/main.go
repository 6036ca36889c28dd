package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/agentmem/memd/config"
	"github.com/agentmem/memd/logger"
	"github.com/agentmem/memd/memory"
	ollamacap "github.com/agentmem/memd/memory/ollama"
	openaicap "github.com/agentmem/memd/memory/openai"
	"github.com/agentmem/memd/migrations"
	"github.com/agentmem/memd/runtime"
	"github.com/agentmem/memd/server"
	"github.com/agentmem/memd/session"
)

func main() {
	var (
		httpAddr       = flag.String("http", "", "HTTP listen address (overrides config)")
		dbPath         = flag.String("db", "", "sqlite database path (overrides config)")
		migrationsPath = flag.String("migrations", "", "migrations directory (overrides config)")
		logFile        = flag.String("logfile", "memd.log", "log file path (empty for stdout)")
		pretty         = flag.Bool("pretty", false, "pretty console logging (only with empty logfile)")
		configPath     = flag.String("config", "", "config file path (defaults to ~/.memd/config.yaml)")
	)
	flag.Parse()

	log, err := logger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	path := *configPath
	if path == "" {
		path = config.GetServerConfigPath()
	}
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *httpAddr != "" {
		cfg.Server.HTTP = *httpAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *migrationsPath != "" {
		cfg.MigrationsPath = *migrationsPath
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("memd exited with error")
	}
}

func run(cfg *config.ServerConfig, log zerolog.Logger) error {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	if err := migrations.RunMigrations(db, cfg.MigrationsPath, log); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	sim, embedder, err := buildSimilarity(cfg, log)
	if err != nil {
		return err
	}

	var generator memory.CandidateGenerator
	var condenser memory.Condenser
	if cfg.OpenAI.APIKey != "" {
		client, err := openaicap.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, log)
		if err != nil {
			return fmt.Errorf("create openai client: %w", err)
		}
		generator = client
		condenser = client
	} else {
		log.Warn().Msg("no openai api key configured, extraction will be unavailable")
	}
	if condenser == nil && cfg.Similarity == "ollama" {
		cond, err := ollamacap.NewCondenser(cfg.Ollama.CondenseModel)
		if err != nil {
			log.Warn().Err(err).Msg("ollama condenser unavailable, compaction will join contents")
		} else {
			condenser = cond
		}
	}

	store, err := memory.NewStore(db, sim, embedder, log)
	if err != nil {
		return fmt.Errorf("create memory store: %w", err)
	}
	locks := memory.NewKeyLock()
	sessions := session.NewStore(db)
	buffer := session.NewBuffer(sessions, session.BufferConfig{
		MaxMessages: cfg.Buffer.MaxMessages,
		MaxTokens:   cfg.Buffer.MaxTokens,
	}, log)

	extractor := memory.NewExtractor(store, locks, sessions, generator, memory.ExtractorConfig{
		MergeThreshold: cfg.Memory.MergeThreshold,
		ReinforceDelta: cfg.Memory.ReinforceDelta,
		LockWait:       cfg.Memory.LockWait(),
	}, log)
	reflector := memory.NewReflector(store, locks, sim, condenser, memory.ReflectorConfig{
		BaseTTL:        cfg.Memory.BaseTTL(),
		SummaryBaseTTL: cfg.Memory.SummaryTTL(),
		MergeThreshold: cfg.Memory.MergeThreshold,
		LockWait:       cfg.Memory.LockWait(),
	}, log)
	access := memory.NewAccess(store, locks, cfg.Memory.LockWait(), log)
	engine := memory.NewEngine(store, extractor, reflector, access)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := runtime.NewDispatcher(engine, runtime.DispatcherConfig{
		Workers:    cfg.Extract.Workers,
		QueueSize:  cfg.Extract.QueueSize,
		JobTimeout: time.Duration(cfg.Extract.TimeoutSeconds) * time.Second,
	}, log)
	dispatcher.Start(ctx)

	scheduler := runtime.NewScheduler(engine, engine, engine, runtime.SchedulerConfig{
		Schedule:   cfg.Reflect.Schedule,
		KeyTimeout: time.Duration(cfg.Reflect.TimeoutSeconds) * time.Second,
		PurgeAfter: time.Duration(cfg.Reflect.PurgeAfterDays) * 24 * time.Hour,
	}, log)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := server.New(engine, sessions, buffer, dispatcher, server.Config{
		Addr: cfg.Server.HTTP,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	scheduler.Stop()
	dispatcher.Stop()
	log.Info().Msg("memd stopped")
	return nil
}

// buildSimilarity selects the similarity backend. The embedder is returned
// separately so the store can persist embeddings alongside records.
func buildSimilarity(cfg *config.ServerConfig, log zerolog.Logger) (memory.Similarity, memory.Embedder, error) {
	switch cfg.Similarity {
	case "ollama":
		embedder, err := ollamacap.NewEmbedder(ollamacap.Model(cfg.Ollama.EmbedModel))
		if err != nil {
			return nil, nil, fmt.Errorf("create ollama embedder: %w", err)
		}
		return memory.NewEmbeddingSimilarity(embedder), embedder, nil
	case "lexical", "":
		log.Info().Msg("using lexical similarity backend")
		return memory.LexicalSimilarity{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown similarity backend %q", cfg.Similarity)
	}
}
