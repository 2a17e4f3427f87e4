// Package main implements the recsync API server: product recommendation
// queries backed by Qdrant, plus the bearer-protected sync admin surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/shopstack/recsync/engine/catalog"
	"github.com/shopstack/recsync/engine/query"
	"github.com/shopstack/recsync/engine/semantic"
	"github.com/shopstack/recsync/engine/syncer"
	"github.com/shopstack/recsync/pkg/metrics"
	"github.com/shopstack/recsync/pkg/mid"
	"github.com/shopstack/recsync/pkg/ollama"
)

// Config holds all environment-based configuration.
type Config struct {
	Port             string
	DatabaseURL      string
	QdrantURL        string
	Collection       string
	OllamaURL        string
	Model            string
	AdminToken       string
	NATSURL          string
	CORSOrigin       string
	DefaultBatchSize int
	DefaultLimit     int
}

func loadConfig() (Config, error) {
	cfg := Config{
		Port:             envOr("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		QdrantURL:        envOr("QDRANT_URL", "localhost:6334"),
		Collection:       envOr("COLLECTION_NAME", "products"),
		OllamaURL:        envOr("OLLAMA_URL", "http://localhost:11434"),
		Model:            envOr("MODEL_NAME", "all-minilm"),
		AdminToken:       os.Getenv("ADMIN_BEARER_TOKEN"),
		NATSURL:          os.Getenv("NATS_URL"),
		CORSOrigin:       envOr("CORS_ORIGIN", "*"),
		DefaultBatchSize: envIntOr("DEFAULT_BATCH_SIZE", 100),
		DefaultLimit:     envIntOr("DEFAULT_LIMIT", 10),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AdminToken == "" {
		return cfg, fmt.Errorf("ADMIN_BEARER_TOKEN is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to Postgres ---
	store, err := catalog.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure sync_history schema: %w", err)
	}

	// --- Connect to Qdrant ---
	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()

	// --- Embedding client ---
	embedder := ollama.New(cfg.OllamaURL, cfg.Model)

	dims, err := embedder.Dimensions(ctx)
	if err != nil {
		return fmt.Errorf("probe embedding dimensions: %w", err)
	}
	if err := vectorStore.EnsureCollection(ctx, dims); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	logger.Info("vector collection ready", "collection", cfg.Collection, "dimensions", dims, "model", embedder.Model())

	// --- Services ---
	registry := metrics.New()
	orch := syncer.New(store, embedder, vectorStore, syncer.Options{
		DefaultBatchSize: cfg.DefaultBatchSize,
		Metrics:          registry,
	}, logger)
	querySvc := query.New(vectorStore, embedder, logger)

	// --- Optional NATS trigger consumer ---
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("recsync-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()

		sub, err := orch.StartTriggerConsumer(nc, logger)
		if err != nil {
			return fmt.Errorf("start trigger consumer: %w", err)
		}
		defer sub.Unsubscribe()
		logger.Info("nats trigger consumer started", "subject", syncer.TriggerSubject)
	}

	// --- Build HTTP server ---
	app := &api{
		query:        querySvc,
		syncer:       orch,
		metrics:      registry,
		model:        embedder.Model(),
		defaultLimit: cfg.DefaultLimit,
		logger:       logger,
	}

	mux := newMux(app, cfg.AdminToken, registry, logger)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("recsync-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// newMux wires the route table. Admin routes sit behind bearer auth; the rest
// is public.
func newMux(app *api, adminToken string, registry *metrics.Registry, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", app.handleRoot)
	mux.HandleFunc("GET /api/health", app.handleHealth)
	mux.Handle("GET /metrics", registry.Handler())
	mux.HandleFunc("POST /api/v1/products/similar", app.handleSimilar)
	mux.HandleFunc("POST /api/v1/products/similar/list", app.handleSimilarList)
	mux.HandleFunc("POST /api/v1/products/search", app.handleSearch)

	admin := http.NewServeMux()
	admin.HandleFunc("POST /api/v1/admin/sync", app.handleSyncTrigger)
	admin.HandleFunc("GET /api/v1/admin/sync/status", app.handleSyncStatus)
	admin.HandleFunc("POST /api/v1/admin/sync/test-connection", app.handleTestConnection)
	mux.Handle("/api/v1/admin/", mid.Bearer(adminToken, logger)(admin))

	return mux
}
