package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"searchsync/internal/catalog"
	"searchsync/internal/config"
	"searchsync/internal/engine"
	"searchsync/internal/events"
	"searchsync/internal/registry"
	"searchsync/internal/search"
	"searchsync/internal/store/postgres"
)

func main() {
	handler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("Application terminated with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()
	logger.Info("Starting sync worker", "env", cfg.Env, "engine", cfg.EngineMode)

	// Database (Postgres)
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to db: %w", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping db: %w", err)
	}

	// NATS (change event bus)
	bus, err := events.NewNATSBus(cfg.NatsURL, "searchsync-worker", logger)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}

	// Search backends, one per configured cluster
	conns := search.Connections{}
	for name, c := range cfg.Connections {
		conns[name] = search.NewTypesense(c.URL, c.APIKey)
	}

	// Document registry
	source := postgres.FromPool(dbPool, catalog.Tables)
	reg := registry.New()
	if err := catalog.Register(reg, source); err != nil {
		return fmt.Errorf("failed to register documents: %w", err)
	}

	// Synchronization engine, optionally deferred behind a worker queue
	eng := engine.New(reg, conns, engine.Options{
		AutoSync:    cfg.AutoSync,
		AutoRefresh: cfg.AutoRefresh,
	}, logger)

	var processor engine.Processor = eng
	var queued *engine.Queued
	if cfg.EngineMode == "queued" {
		queued = engine.NewQueued(eng, 1000, cfg.Workers, logger)
		processor = queued
	}

	// Bridge change events to engine notifications
	reader := events.NewEventReader(bus, events.NewEventConfig(), logger)
	err = reader.SubscribeToChangeEvents(func(ctx context.Context, evt events.ChangeEvent) error {
		n, err := toNotification(ctx, source, evt)
		if err != nil {
			// Transient load failure: redeliver.
			return err
		}
		return processor.Process(ctx, n)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	logger.Info("Worker is running and listening for events...")

	// Health check server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: healthHandler(dbPool, conns),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health server failed", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	logger.Info("Shutting down worker...", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Health server shutdown error", "error", err)
	}

	// Drain NATS first so in-flight notifications finish indexing.
	if err := bus.Close(); err != nil {
		logger.Error("NATS drain error", "error", err)
	}
	if queued != nil {
		queued.Drain()
	}

	dbPool.Close()

	logger.Info("Shutdown complete.")
	return nil
}

// toNotification loads the affected records for upserts; deletes carry only
// ids, so id-only records are synthesized for them.
func toNotification(ctx context.Context, source *postgres.Source, evt events.ChangeEvent) (engine.Notification, error) {
	n := engine.Notification{Op: engine.Op(evt.Op), Model: evt.Model}

	if n.Op == engine.OpDeleted || n.Op == engine.OpBulkDeleted {
		for _, id := range evt.IDs {
			n.Records = append(n.Records, map[string]any{"id": id})
		}
		return n, nil
	}

	records, err := source.Load(ctx, evt.Model, evt.IDs)
	if err != nil {
		return engine.Notification{}, fmt.Errorf("load %s records: %w", evt.Model, err)
	}
	n.Records = records
	return n, nil
}

func healthHandler(db *pgxpool.Pool, conns search.Connections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			http.Error(w, "Database unavailable", http.StatusServiceUnavailable)
			return
		}

		for name, backend := range conns {
			if err := backend.Health(ctx); err != nil {
				http.Error(w, "Search backend unavailable: "+name, http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}
