// Command server runs the genomic query service.
//
// It loads the corpus, builds the hybrid index before opening the listener,
// and serves the streaming POST /query endpoint alongside the JSON search,
// document, index, cache and analytics APIs.
//
// Usage:
//
//	go run ./cmd/server [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gciqs/gciqs/internal/analytics"
	analyticsstore "github.com/gciqs/gciqs/internal/analytics/store"
	"github.com/gciqs/gciqs/internal/app"
	"github.com/gciqs/gciqs/internal/corpus"
	"github.com/gciqs/gciqs/internal/llm"
	"github.com/gciqs/gciqs/internal/retrieval"
	"github.com/gciqs/gciqs/internal/server"
	"github.com/gciqs/gciqs/internal/server/cache"
	"github.com/gciqs/gciqs/pkg/config"
	"github.com/gciqs/gciqs/pkg/health"
	"github.com/gciqs/gciqs/pkg/kafka"
	"github.com/gciqs/gciqs/pkg/logger"
	"github.com/gciqs/gciqs/pkg/metrics"
	"github.com/gciqs/gciqs/pkg/middleware"
	"github.com/gciqs/gciqs/pkg/postgres"
	pkgredis "github.com/gciqs/gciqs/pkg/redis"
	"github.com/gciqs/gciqs/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting gciqs server",
		"port", cfg.Server.Port,
		"corpus", cfg.Corpus.Source,
		"kafka", cfg.Kafka.Enabled,
		"redis", cfg.Redis.Enabled,
	)

	m := metrics.New()
	checker := health.NewChecker()

	var db *postgres.Client
	if app.NeedsPostgres(cfg) {
		err := resilience.Retry(ctx, "postgres-connect", resilience.RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
		}, func(ctx context.Context) error {
			var err error
			db, err = postgres.New(ctx, cfg.Postgres)
			return err
		})
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer db.Close()
		checker.Register("postgres", health.PingCheck(db.Ping))
	}

	source, err := app.OpenSource(ctx, cfg.Corpus, db)
	if err != nil {
		return fmt.Errorf("opening corpus: %w", err)
	}

	retriever := retrieval.New(source, app.RetrieverOptions(cfg.Retrieval, retrieval.NewMetricsObserver(m)))
	if cfg.Retrieval.EagerBuild {
		if err := retriever.Build(ctx); err != nil {
			return fmt.Errorf("building index: %w", err)
		}
	}
	checker.Register("index", func(context.Context) health.ComponentHealth {
		if !retriever.Built() {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "index not built"}
		}
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d documents, generation %d", retriever.CorpusSize(), retriever.Generation()),
		}
	})

	var remote cache.Backend
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, using in-process cache only", "addr", cfg.Redis.Addr, "error", err)
			redisClient = pkgredis.Connect(cfg.Redis)
		}
		defer redisClient.Close()
		remote = redisClient
		checker.Register("redis", health.DegradedOnError(redisClient.Ping))
	}
	searchCache := cache.New(remote, cache.Options{
		TTL:          cfg.Cache.TTL,
		LocalEntries: cfg.Cache.LocalEntries,
		Metrics:      m,
	})

	g, gctx := errgroup.WithContext(ctx)

	aggregator := analytics.NewAggregator()
	var publisher analytics.Publisher
	var rebuiltPublisher server.EventPublisher
	if cfg.Kafka.Enabled {
		queryProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents)
		defer queryProducer.Close()
		rebuiltProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexRebuilt)
		defer rebuiltProducer.Close()
		publisher = queryProducer
		rebuiltPublisher = rebuiltProducer

		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents, analytics.HandleEvent(aggregator))
		g.Go(func() error { return consumer.Start(gctx) })
		slog.Info("analytics pipeline using kafka", "topic", cfg.Kafka.Topics.QueryEvents)
	}
	collector := analytics.NewCollector(publisher, aggregator.Record, analytics.CollectorOptions{
		BufferSize:    cfg.Analytics.BufferSize,
		BatchSize:     cfg.Analytics.BatchSize,
		FlushInterval: cfg.Analytics.FlushInterval,
		Metrics:       m,
	})
	collector.Start(gctx)
	defer collector.Close()

	if db != nil && cfg.Analytics.SnapshotInterval > 0 {
		snapshots := analyticsstore.New(db)
		if err := snapshots.EnsureSchema(ctx); err != nil {
			return err
		}
		snapshots.StartPeriodicSave(gctx, aggregator, cfg.Analytics.SnapshotInterval)
	}

	var generator server.Generator
	llmClient := llm.New(cfg.LLM, m)
	if llmClient.Configured() {
		generator = llmClient
	} else {
		slog.Warn("no LLM API key configured, /query will stream references only")
	}

	if fs, ok := source.(*corpus.FileSource); ok && cfg.Corpus.Watch {
		g.Go(func() error {
			return corpus.Watch(gctx, fs.Path(), cfg.Corpus.Debounce, func(ctx context.Context) {
				if err := retriever.Build(ctx); err != nil {
					slog.Error("rebuild after corpus change failed", "error", err)
					return
				}
				if _, err := searchCache.Invalidate(ctx); err != nil {
					slog.Warn("cache invalidation after corpus change failed", "error", err)
				}
			})
		})
	}

	var sampleRate float64
	if cfg.Tracing.Enabled {
		sampleRate = cfg.Tracing.SampleRate
	}
	h := server.NewHandler(server.Deps{
		Retriever:       retriever,
		Documents:       source,
		Generator:       generator,
		Cache:           searchCache,
		Tracker:         collector,
		Publisher:       rebuiltPublisher,
		DefaultTopK:     cfg.Retrieval.DefaultTopK,
		MaxTopK:         cfg.Retrieval.MaxTopK,
		TraceSampleRate: sampleRate,
	})
	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.CORS.AllowedOrigins
	router := server.NewRouter(h, analytics.NewHandler(aggregator), checker, m, server.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		CORS:           cors,
	})

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, m)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownMetrics(shutdownCtx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		slog.Info("gciqs server listening", "addr", srv.Addr, "documents", retriever.CorpusSize())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
