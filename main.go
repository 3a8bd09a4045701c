package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"dineinsight/internal/analytics"
	"dineinsight/internal/config"
	"dineinsight/internal/db"
	"dineinsight/internal/fallback"
	"dineinsight/internal/http/handlers"
	appmw "dineinsight/internal/http/middleware"
	"dineinsight/internal/ingest"
	"dineinsight/internal/logging"
	"dineinsight/internal/mongostore"
	"dineinsight/internal/retry"
	"dineinsight/internal/supervisor"
)

// primaryStore is what both store adapters provide.
type primaryStore interface {
	analytics.EventStore
	analytics.SummaryStore
	analytics.RetentionStore
}

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to connect primary store")
	}
	defer closeStore()

	processor := analytics.NewProcessor(store, analytics.ProcessorConfig{
		Timeout:         cfg.StoreTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	})

	queue := fallback.New(cfg.FallbackDir, fallback.WithEmergencyDir(cfg.FallbackEmergencyDir))
	queue.Initialize()

	worker := retry.New(queue, processor, retry.Config{
		Interval:    cfg.RetryInterval,
		BatchSize:   cfg.RetryBatchSize,
		MaxRetries:  cfg.RetryMaxAttempts,
		CleanupDays: cfg.CleanupDays,
	})

	hour, minute, _ := cfg.AggregationClock()
	loc, _ := cfg.AggregationLocation()
	engine := analytics.NewEngine(store)
	jobs := make([]*analytics.DailyJob, 0, len(analytics.EntityTypes))
	for _, family := range analytics.EntityTypes {
		jobs = append(jobs, analytics.NewDailyJob(engine, family, analytics.Schedule{Hour: hour, Minute: minute, Location: loc}))
	}

	ingestor := ingest.New(processor, queue)

	r := router.New()
	r.SaveMatchedRoutePath = true
	operator := appmw.OperatorAuth(cfg.OperatorTokenHash)

	r.GET("/healthz", handlers.Healthz)
	r.GET("/metrics", handlers.MetricsHandler(nil))

	r.POST("/v1/events", handlers.IngestHandler(ingestor))
	r.GET("/v1/analytics/health", handlers.AnalyticsHealth(queue, worker, processor))
	r.GET("/v1/analytics/summaries", handlers.Summaries(store))
	r.POST("/v1/analytics/retry", operator(handlers.RetryNow(worker)))
	r.POST("/v1/analytics/aggregate", operator(handlers.Aggregate(jobs)))

	// Global middleware chain: request ID, request logger, self-reporting metrics, router.
	handler := appmw.RequestID(handlers.RequestLogger(appmw.InternalReporting(r.Handler)))

	server := &fasthttp.Server{
		Handler:            handler,
		Name:               "dineinsight",
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       30 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddWorker(worker)
	for _, j := range jobs {
		tree.AddWorker(j)
	}
	if cfg.RetentionDays > 0 {
		tree.AddWorker(analytics.NewRetentionJob(store, cfg.RetentionDays))
	}
	tree.AddAPI(supervisor.NewHTTPService(server, cfg.ListenAddr, 10*time.Second))

	logging.Info().Str("addr", cfg.ListenAddr).Str("store", cfg.StoreDriver).
		Str("fallback_dir", queue.Dir()).Msg("dineinsight listening")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("supervisor exited")
	}
	if unstopped, err := tree.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		logging.Warn().Int("services", len(unstopped)).Msg("services did not stop in time")
	}
	logging.Info().Msg("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (primaryStore, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreMongo:
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		s, err := mongostore.Connect(cctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Close(dctx)
		}, nil
	default:
		gdb, err := db.Connect(cfg)
		if err != nil {
			return nil, nil, err
		}
		return db.NewStore(gdb), func() { _ = db.Close(gdb) }, nil
	}
}
