// Session Agent server
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/agentsession/internal/config"
	"github.com/ashureev/agentsession/internal/dbclient"
	"github.com/ashureev/agentsession/internal/durable"
	"github.com/ashureev/agentsession/internal/middleware"
	"github.com/ashureev/agentsession/internal/routing"
	"github.com/ashureev/agentsession/internal/sandbox"
	"github.com/ashureev/agentsession/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "store_backend", cfg.Durable.Backend, "sandbox_backend", cfg.Sandbox.Backend)

	tp, err := telemetry.NewProvider(context.Background(), telemetry.Config{
		ServiceName:  "agentsession",
		Environment:  cfg.Telemetry.Environment,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Enabled:      cfg.Telemetry.Enabled,
	})
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			slog.Error("Failed to shut down telemetry", "error", shutdownErr)
		}
	}()

	store, err := newDurableStore(context.Background(), cfg)
	if err != nil {
		slog.Error("Failed to initialize durable store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close durable store", "error", closeErr)
		}
	}()
	slog.Info("Durable store ready")

	provider, err := newSandboxProvider(cfg)
	if err != nil {
		slog.Error("Failed to initialize sandbox provider", "error", err)
		os.Exit(1)
	}
	if docker, ok := provider.(*sandbox.DockerSandboxProvider); ok {
		networkID, err := docker.EnsureNetwork(context.Background())
		if err != nil {
			slog.Error("Failed to ensure sandbox network", "error", err)
			os.Exit(1)
		}
		slog.Info("Sandbox network ready", "network_id", networkID)
	}

	db := dbclient.NewHTTPClient(cfg.DBSiteURL)
	agentClient := sandbox.NewAgentServerClient()

	shell := routing.NewShell(db, store, provider, agentClient, cfg.DBSiteURL, cfg.RateLimit.WindowDuration, cfg.RateLimit.RequestsPerWindow)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "timestamp": time.Now().UnixMilli()})
	})

	shell.Routes(r)

	// Create server.
	// Note: SSE/WebSocket connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout, sessions stream indefinitely
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func newDurableStore(ctx context.Context, cfg *config.Config) (durable.Store, error) {
	switch cfg.Durable.Backend {
	case config.StoreBackendRedis:
		return durable.NewRedisStore(ctx, durable.RedisStoreConfig{
			URL:      cfg.Durable.RedisURL,
			Password: cfg.Durable.RedisPassword,
			DB:       cfg.Durable.RedisDB,
		})
	default:
		return durable.NewSQLiteStore(cfg.Durable.SQLitePath)
	}
}

func newSandboxProvider(cfg *config.Config) (sandbox.Provider, error) {
	switch cfg.Sandbox.Backend {
	case config.SandboxBackendHTTP:
		return sandbox.NewHTTPSandboxProvider(cfg.Sandbox.HTTPBaseURL), nil
	default:
		return sandbox.NewDockerSandboxProvider(cfg.Sandbox.DockerImage, cfg.Sandbox.DockerNetwork, cfg.Sandbox.DockerSubnet)
	}
}
