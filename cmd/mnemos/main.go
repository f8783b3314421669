// mnemos server: terminates WebSocket sessions, runs the cognitive
// engines, and owns the memory ingest pipeline.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mnemos-ai/mnemos/pkg/api"
	"github.com/mnemos-ai/mnemos/pkg/config"
	"github.com/mnemos-ai/mnemos/pkg/database"
	"github.com/mnemos-ai/mnemos/pkg/embedding"
	"github.com/mnemos-ai/mnemos/pkg/ingest"
	"github.com/mnemos-ai/mnemos/pkg/llm"
	"github.com/mnemos-ai/mnemos/pkg/retriever"
	"github.com/mnemos-ai/mnemos/pkg/store"
	"github.com/mnemos-ai/mnemos/pkg/twin"
	"github.com/mnemos-ai/mnemos/pkg/twin/tools"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from the config directory.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting mnemos",
		"port", cfg.Server.Port,
		"config_dir", *configDir,
		"twins", cfg.TwinRegistry.Len())

	// 2. Database (migrations apply inside NewClient)
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// 3. Stores
	exchanges := store.NewExchangeStore(dbClient.Pool())
	documents := store.NewDocumentStore(dbClient.Pool(), cfg.Retrieval.DocumentSafetyCap)

	// 4. External clients
	embedder := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewHTTPClient(*cfg.LLM)
	defer func() {
		if err := llmClient.Close(); err != nil {
			slog.Error("Error closing LLM client", "error", err)
		}
	}()
	slog.Info("External clients initialized",
		"embedding_url", cfg.Embedding.BaseURL,
		"llm_url", cfg.LLM.BaseURL,
		"model", cfg.LLM.Model)

	// 5. Ingest pipeline (session buffer + durable write path)
	clusterer := ingest.NewClusterer(cfg.Ingest.ClusterJoinThreshold, cfg.Ingest.MaxClusters)
	pipeline := ingest.NewPipeline(embedder, exchanges, clusterer, *cfg.Ingest, slog.Default())
	pipeline.Start()

	// 6. Retrieval and tools
	dual := retriever.NewDual(exchanges, *cfg.Retrieval, slog.Default())
	executor := tools.NewExecutor(dual, exchanges, embedder, llmClient,
		cfg.Limits.SynthesisDeadline.Std(), slog.Default())

	// 7. Twin registry
	registry := twin.NewRegistry(twin.Deps{
		Embedder:  embedder,
		Retriever: dual,
		Recent:    exchanges,
		Documents: documents,
		Buffer:    pipeline,
		LLM:       llmClient,
		Tools:     executor,
		Phases:    twin.NewPhaseTracker(),
		Logger:    slog.Default(),
	}, cfg.TwinRegistry, *cfg.Retrieval)

	// 8. HTTP / WebSocket server
	resolver := api.NewHMACResolver(cfg.Auth)
	httpServer := api.NewServer(cfg, dbClient, registry, resolver, slog.Default())

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()
	slog.Info("mnemos started")

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: drain HTTP first so no new turns start, then
	// flush the ingest pipeline so buffered exchanges reach the store.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		pipeline.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Ingest pipeline flushed")
	case <-time.After(30 * time.Second):
		slog.Warn("Ingest pipeline flush timeout exceeded")
	}

	slog.Info("Shutdown complete")
}
