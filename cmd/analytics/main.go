// Command analytics runs the standalone analytics service.
//
// It consumes query events from Kafka, aggregates them in memory, logs index
// rebuild announcements, optionally snapshots the aggregate to Postgres, and
// serves GET /api/v1/analytics and GET /api/v1/analytics/snapshots.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/development.yaml] [-port 8001]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gciqs/gciqs/internal/analytics"
	"github.com/gciqs/gciqs/internal/analytics/store"
	"github.com/gciqs/gciqs/pkg/config"
	"github.com/gciqs/gciqs/pkg/health"
	"github.com/gciqs/gciqs/pkg/kafka"
	"github.com/gciqs/gciqs/pkg/logger"
	"github.com/gciqs/gciqs/pkg/middleware"
	"github.com/gciqs/gciqs/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	port := flag.Int("port", 8001, "HTTP port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, *port); err != nil {
		slog.Error("analytics service exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("analytics service stopped")
}

func run(cfg *config.Config, port int) error {
	if !cfg.Kafka.Enabled {
		return errors.New("the analytics service needs kafka.enabled=true")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	aggregator := analytics.NewAggregator()
	queries := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents, analytics.HandleEvent(aggregator))
	rebuilds := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.IndexRebuilt, logRebuild)
	g.Go(func() error { return queries.Start(gctx) })
	g.Go(func() error { return rebuilds.Start(gctx) })
	slog.Info("analytics consumers started",
		"query_topic", cfg.Kafka.Topics.QueryEvents,
		"rebuild_topic", cfg.Kafka.Topics.IndexRebuilt,
	)

	checker := health.NewChecker()
	checker.Register("kafka", consumerCheck(queries, rebuilds))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/analytics", analytics.NewHandler(aggregator).Stats)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	if cfg.Analytics.SnapshotInterval > 0 {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer db.Close()
		snapshots := store.New(db)
		if err := snapshots.EnsureSchema(ctx); err != nil {
			return err
		}
		snapshots.StartPeriodicSave(gctx, aggregator, cfg.Analytics.SnapshotInterval)
		checker.Register("postgres", health.PingCheck(db.Ping))
		mux.HandleFunc("GET /api/v1/analytics/snapshots", snapshotsHandler(snapshots))
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           middleware.Chain(mux, middleware.RequestID),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	g.Go(func() error {
		slog.Info("analytics service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// consumerCheck reports per-topic counts and degrades once a consumer has
// failed more messages than it processed.
func consumerCheck(consumers ...*kafka.Consumer) health.Check {
	return func(context.Context) health.ComponentHealth {
		status := health.StatusUp
		parts := make([]string, 0, len(consumers))
		for _, c := range consumers {
			st := c.Stats()
			if st.Failed > st.Processed {
				status = health.StatusDegraded
			}
			parts = append(parts, fmt.Sprintf("%s processed=%d failed=%d", st.Topic, st.Processed, st.Failed))
		}
		return health.ComponentHealth{Status: status, Message: strings.Join(parts, "; ")}
	}
}

func logRebuild(_ context.Context, _ []byte, value []byte) error {
	event, err := kafka.DecodeJSON[analytics.IndexRebuiltEvent](value)
	if err != nil {
		return err
	}
	slog.Info("index rebuilt",
		"generation", event.Generation,
		"documents", event.Documents,
		"vocabulary", event.Vocabulary,
		"duration_ms", event.DurationMs,
		"invalidated", event.Invalidated,
	)
	return nil
}

func snapshotsHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		snaps, err := s.List(r.Context(), limit)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			logger.FromContext(r.Context()).Error("listing snapshots failed", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "listing snapshots failed"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"snapshots": snaps})
	}
}
