package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/flossfund/pkg/allocation"
	"github.com/platinummonkey/flossfund/pkg/api"
	"github.com/platinummonkey/flossfund/pkg/async"
	"github.com/platinummonkey/flossfund/pkg/config"
	"github.com/platinummonkey/flossfund/pkg/crawler"
	"github.com/platinummonkey/flossfund/pkg/lock"
	"github.com/platinummonkey/flossfund/pkg/observability"
	"github.com/platinummonkey/flossfund/pkg/oracle"
	"github.com/platinummonkey/flossfund/pkg/pipeline"
	"github.com/platinummonkey/flossfund/pkg/queue"
	"github.com/platinummonkey/flossfund/pkg/retry"
	"github.com/platinummonkey/flossfund/pkg/statestore"
	"github.com/platinummonkey/flossfund/pkg/store"
)

var (
	migrateOnly = flag.Bool("migrate-only", false, "Apply the database schema and exit")
	version     = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	async.Logger = logger

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("flossfund exited with error")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// serverCtx is canceled when the admin server dies so the process shuts down cleanly
	serverCtx, serverFailed := context.WithCancel(ctx)
	defer serverFailed()

	serviceVersion := cfg.Observability.OTelServiceVersion
	if serviceVersion == "" {
		serviceVersion = version
	}
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: serviceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	// Postgres
	db, err := store.Open(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	ledger := store.NewPostgresStore(db, cfg.Storage.ConfigCacheTTL, logger, metrics)
	if err := ledger.Migrate(ctx); err != nil {
		return err
	}
	if cfg.Lock.Backend == "postgres" {
		if _, err := db.ExecContext(ctx, lock.Schema); err != nil {
			return err
		}
	}
	if *migrateOnly {
		logger.Info("Schema applied")
		return nil
	}

	// Redis is only needed by the redis lock backend
	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		rdb, err = lock.NewRedisClient(cfg.Storage)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info("Connected to Redis")
	}

	lockOpts := lock.Options{TTL: cfg.Lock.TTL}
	var locker lock.Locker
	var pgLocker *lock.PostgresLocker
	switch cfg.Lock.Backend {
	case "postgres":
		pgLocker = lock.NewPostgresLocker(db, lockOpts, metrics)
		locker = pgLocker
	default:
		locker = lock.NewRedisLocker(rdb, lockOpts, metrics)
	}

	// Code host
	keyPEM, err := cfg.CodeHost.PrivateKeyPEM()
	if err != nil {
		return err
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	auth, err := crawler.NewAppAuth(cfg.CodeHost.AppID, keyPEM, cfg.CodeHost.APIURL, httpClient)
	if err != nil {
		return err
	}
	crawlerRetry := retry.DefaultConfig()
	if cfg.CodeHost.MaxAttempts > 0 {
		crawlerRetry.MaxAttempts = cfg.CodeHost.MaxAttempts
	}
	newCrawler := func() pipeline.ManifestCrawler {
		return crawler.New(auth.TokenSource, crawler.Options{
			BaseURL:              cfg.CodeHost.APIURL,
			MaxConcurrentFetches: cfg.CodeHost.MaxConcurrentFetches,
			MinRequestSpacing:    cfg.CodeHost.MinRequestSpacing,
			RateLimitFloor:       cfg.CodeHost.RateLimitFloor,
			Retry:                retry.NewPolicy(crawlerRetry),
			Transport:            otelhttp.NewTransport(http.DefaultTransport),
			Logger:               logger,
			Metrics:              metrics,
		})
	}

	depOracle := oracle.NewHTTPClient(cfg.Oracle.URL, cfg.Oracle.Timeout, retry.NewPolicy(retry.DefaultConfig()))
	engine := allocation.NewEngine(ledger, ledger, logger, metrics)

	// Intermediate state
	s3Client, err := statestore.NewS3Client(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	bridge := statestore.NewS3Bridge(s3Client, cfg.Storage.S3Bucket, metrics)

	// Queues
	sqsClient, err := queue.NewSQSClient(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	sender := queue.NewSQSSender(sqsClient)

	orchestrator := pipeline.New(pipeline.Options{
		Store:              ledger,
		Oracle:             depOracle,
		Locker:             locker,
		Engine:             engine,
		NewCrawler:         newCrawler,
		State:              bridge,
		Sender:             sender,
		WeighQueueURL:      cfg.Queue.WeighQueueURL,
		DistributeQueueURL: cfg.Queue.DistributeQueueURL,
		Logger:             logger,
		Metrics:            metrics,
	})
	handler := pipeline.NewHandler(orchestrator, logger)

	consumerOpts := queue.ConsumerOptions{
		MaxMessages:       cfg.Queue.MaxMessages,
		WaitTime:          cfg.Queue.WaitTime,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		Workers:           cfg.Pipeline.BatchWorkers,
		Timeout:           cfg.Pipeline.InvocationTimeout,
	}
	routes := []struct {
		name    string
		url     string
		handler queue.HandlerFunc
	}{
		{"donations", cfg.Queue.DonationQueueURL, handler.HandleDonation},
		{"scrape", cfg.Queue.ScrapeQueueURL, handler.HandleScrape},
		{"weigh", cfg.Queue.WeighQueueURL, handler.HandleWeigh},
		{"distribute", cfg.Queue.DistributeQueueURL, handler.HandlePost},
	}
	consumersDone := make(chan struct{}, len(routes))
	running := 0
	for _, route := range routes {
		if route.url == "" {
			continue
		}
		consumer := queue.NewConsumer(sqsClient, route.url, route.name, route.handler, consumerOpts, logger, metrics)
		running++
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).WithField("queue", route.name).Error("Consumer stopped")
			}
			consumersDone <- struct{}{}
		}()
		logger.WithField("queue", route.name).Info("Consumer started")
	}

	// Expired postgres locks are harmless to Acquire but accumulate as rows
	scheduler := cron.New()
	if pgLocker != nil && cfg.Lock.ReapSchedule != "" {
		_, err = scheduler.AddFunc(cfg.Lock.ReapSchedule, func() {
			async.SafeGo(ctx, time.Minute, "lock reaper", func(ctx context.Context) error {
				n, err := pgLocker.ReapExpired(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					logger.WithField("reaped", n).Info("Removed expired locks")
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
		logger.Infof("Lock reaper schedule: %s", cfg.Lock.ReapSchedule)
	}
	scheduler.Start()

	health := observability.NewHealthChecker(db, rdb)
	health.AddDependency("state_store", bridge)

	serverOpts := api.Options{
		Runs:             orchestrator,
		Sender:           sender,
		DonationQueueURL: cfg.Queue.DonationQueueURL,
		ScrapeQueueURL:   cfg.Queue.ScrapeQueueURL,
		Health:           health,
		Logger:           logger,
	}
	if cfg.Observability.MetricsEnabled {
		serverOpts.Registry = registry
	}
	adminServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Admin.Host, cfg.Admin.Port),
		Handler:           otelhttp.NewHandler(api.NewServer(serverOpts), "flossfund-admin"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, adminServer, cfg.Admin.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	// canceling stops polling; batches already received finish and are acked
	shutdown.RegisterShutdownFunc("consumers", func(ctx context.Context) error {
		cancel()
		for i := 0; i < running; i++ {
			select {
			case <-consumersDone:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	shutdown.RegisterShutdownFunc("telemetry", providers.Shutdown)

	go func() {
		logger.Infof("Admin server listening on %s", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Admin server failed")
			serverFailed()
		}
	}()

	return shutdown.WaitForShutdown(serverCtx)
}
