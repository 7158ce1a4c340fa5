// FinSight - Conversational Analytics Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/finsight-ai/finsight/internal/api"
	"github.com/finsight-ai/finsight/internal/chat"
	"github.com/finsight-ai/finsight/internal/config"
	"github.com/finsight-ai/finsight/internal/middleware"
	"github.com/finsight-ai/finsight/internal/store"
	"github.com/finsight-ai/finsight/internal/warehouse"
	"github.com/finsight-ai/finsight/internal/workflow"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "backend", cfg.StorageBackend, "dev", cfg.IsDevelopment())

	st := openStore(cfg)
	if st != nil {
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("Failed to close store", "error", closeErr)
			}
		}()
	}

	// Engine wiring. The echo engine exercises the full frame protocol
	// until a real analysis backend is plugged in.
	var engine workflow.Engine = workflow.NewEchoEngine()

	registry := chat.NewRegistry()
	relay := chat.NewRelay(st, engine, registry, cfg.StreamDelay)

	wsHandler := chat.NewWebSocketHandler(relay, registry, st, cfg.FrontendURL, cfg.IsDevelopment())
	sessionHandler := api.NewSessionHandler(st)
	healthHandler := api.NewHealthHandler(st)

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(corsOrigins(cfg)))

	healthHandler.RegisterRoutes(r)
	sessionHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	// WebSocket sessions stay open indefinitely, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.Broadcast(shutdownCtx, map[string]string{"type": "error", "error": "Server shutting down"})

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// openStore builds the configured storage backend. Warehouse setup
// failures degrade to no persistence rather than refusing to start;
// SQLite failures are fatal since local disk should always work.
func openStore(cfg *config.Config) store.Store {
	switch cfg.StorageBackend {
	case config.BackendWarehouse:
		client := warehouse.New(warehouse.Config{
			Host:             cfg.Warehouse.Host,
			Token:            cfg.Warehouse.Token,
			WarehouseID:      cfg.Warehouse.WarehouseID,
			StatementTimeout: cfg.Warehouse.StatementTimeout,
			PollInterval:     cfg.Warehouse.PollInterval,
			SubmitRetries:    cfg.Warehouse.SubmitRetries,
			SubmitBackoff:    cfg.Warehouse.SubmitBackoff,
			MaxConns:         cfg.Warehouse.MaxConns,
			MaxConnsPerHost:  cfg.Warehouse.MaxConnsPerHost,
		})
		st := store.NewWarehouse(client, cfg.Warehouse.SessionsTable, cfg.Warehouse.TurnsTable)

		initCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := st.Initialize(initCtx); err != nil {
			slog.Warn("Warehouse initialization failed, continuing without persistence", "error", err)
			return nil
		}
		slog.Info("Warehouse storage ready",
			"sessions_table", cfg.Warehouse.SessionsTable,
			"turns_table", cfg.Warehouse.TurnsTable,
		)
		return st

	case config.BackendSQLite:
		st, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			slog.Error("Failed to open database", "path", cfg.DBPath, "error", err)
			os.Exit(1)
		}
		if err := st.Initialize(context.Background()); err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		slog.Info("SQLite storage ready", "path", cfg.DBPath)
		return st

	default:
		slog.Info("Running without persistence (STORAGE_BACKEND=none)")
		return nil
	}
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
