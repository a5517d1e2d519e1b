// Package observability provides structured logging, Prometheus metrics, health checks,
// OpenTelemetry tracing, and graceful shutdown for the donation distributor.
//
// # Structured Logging
//
// Loggers are logrus loggers with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("organization_id", orgID).Info("distribution complete")
//
// A logger can ride along in a context:
//
//	ctx = observability.WithLogger(ctx, logger.WithField("correlation_id", cid))
//	observability.FromContext(ctx).Warn("stage skipped")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.DonationsTotal.WithLabelValues("sync", "success").Inc()
//	http.Handle("/metrics", observability.MetricsHandler(registry))
//
// # Health Checks
//
// Postgres and Redis are hard dependencies; anything else registered with
// AddDependency degrades the status instead of failing it:
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	checker.AddDependency("state_store", bridge)
//
// # Tracing and Shutdown
//
// InitOTel installs OTLP/gRPC trace and meter providers when enabled. Shutdown
// hooks run in registration order after the admin server stops:
//
//	providers, err := observability.InitOTel(ctx, otelCfg, logger)
//	sm := observability.NewShutdownManager(logger, server, 30*time.Second)
//	sm.RegisterShutdownFunc("telemetry", providers.Shutdown)
//	return sm.WaitForShutdown(ctx)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/api: Exposes health and metrics endpoints
package observability
