package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Debug("hidden")
	assert.Zero(t, buf.Len(), "debug should not be logged at info level")

	logger.WithField("organization_id", "org-1").Info("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "org-1", entry["organization_id"])
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"bogus", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.input))
		})
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	ctx := WithLogger(context.Background(), logger.WithField("stage", "weigh"))
	FromContext(ctx).Info("from ctx")
	assert.Contains(t, buf.String(), `"stage":"weigh"`)

	assert.NotNil(t, FromContext(context.Background()))
}

func TestMetrics_Registered(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.DonationsTotal.WithLabelValues("sync", "success").Inc()
	m.RecordStorageOperation("put", "s3", nil)
	m.RecordStorageOperation("put", "s3", errors.New("boom"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.DonationsTotal.WithLabelValues("sync", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StorageOperationsTotal.WithLabelValues("put", "s3", "error")))

	rec := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "flossfund_donations_total")
}

type failingPinger struct{ err error }

func (f failingPinger) HealthCheck(ctx context.Context) error { return f.err }

func TestHealthChecker_Check(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	t.Run("healthy", func(t *testing.T) {
		mock.ExpectPing()
		checker := NewHealthChecker(db, rdb)
		status := checker.Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Len(t, status.Dependencies, 2)
	})

	t.Run("optional dependency degrades", func(t *testing.T) {
		mock.ExpectPing()
		checker := NewHealthChecker(db, rdb)
		checker.AddDependency("state_store", failingPinger{err: errors.New("no bucket")})
		status := checker.Check(context.Background())
		assert.Equal(t, StatusDegraded, status.Status)
		assert.Equal(t, "no bucket", status.Dependencies["state_store"].Message)
	})

	t.Run("database failure is unhealthy", func(t *testing.T) {
		mock.ExpectPing().WillReturnError(errors.New("down"))
		checker := NewHealthChecker(db, nil)
		rec := httptest.NewRecorder()
		checker.Readiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitOTel_Disabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, NewLogger(InfoLevel, &bytes.Buffer{}))
	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestLoggerWithTraceContext_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	LoggerWithTraceContext(context.Background(), logger).Info("untraced")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestShutdownManager_OrderAndErrors(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), nil, time.Second)

	var order []string
	sm.RegisterShutdownFunc("consumers", func(ctx context.Context) error {
		order = append(order, "consumers")
		return errors.New("stuck")
	})
	sm.RegisterShutdownFunc("telemetry", func(ctx context.Context) error {
		order = append(order, "telemetry")
		return nil
	})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consumers: stuck")
	assert.Equal(t, []string{"consumers", "telemetry"}, order)

	// second call reports the first result without rerunning hooks
	assert.Equal(t, err, sm.Shutdown())
	assert.Len(t, order, 2)
}

func TestShutdownManager_WaitReturnsOnContext(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), nil, time.Second)
	ran := false
	sm.RegisterShutdownFunc("hook", func(ctx context.Context) error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, sm.WaitForShutdown(ctx))
	assert.True(t, ran)
}
