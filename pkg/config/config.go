package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/flossfund/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Admin         AdminConfig         `yaml:"admin"`
	Storage       StorageConfig       `yaml:"storage"`
	Lock          LockConfig          `yaml:"lock"`
	Queue         QueueConfig         `yaml:"queue"`
	CodeHost      CodeHostConfig      `yaml:"code_host"`
	Oracle        OracleConfig        `yaml:"oracle"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// AdminConfig holds the admin HTTP server configuration (health, metrics, run inspection)
type AdminConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds document store, lock store and blob store settings
type StorageConfig struct {
	PostgresURL      string        `yaml:"postgres_url"`
	PostgresMaxConns int           `yaml:"postgres_max_conns"`
	PostgresMinConns int           `yaml:"postgres_min_conns"`
	PostgresTimeout  time.Duration `yaml:"postgres_timeout"`

	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`

	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Region       string `yaml:"s3_region"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`

	// ConfigCacheTTL bounds how long values from the config table are reused
	ConfigCacheTTL time.Duration `yaml:"config_cache_ttl"`
}

// LockConfig selects the org lock backend
type LockConfig struct {
	Backend      string        `yaml:"backend"` // redis or postgres
	TTL          time.Duration `yaml:"ttl"`
	ReapSchedule string        `yaml:"reap_schedule"`
}

// QueueConfig holds SQS settings
type QueueConfig struct {
	Region             string        `yaml:"region"`
	Endpoint           string        `yaml:"endpoint"`
	DonationQueueURL   string        `yaml:"donation_queue_url"`
	ScrapeQueueURL     string        `yaml:"scrape_queue_url"`
	WeighQueueURL      string        `yaml:"weigh_queue_url"`
	DistributeQueueURL string        `yaml:"distribute_queue_url"`
	MaxMessages        int           `yaml:"max_messages"`
	WaitTime           time.Duration `yaml:"wait_time"`
	VisibilityTimeout  time.Duration `yaml:"visibility_timeout"`
}

// CodeHostConfig holds code host (GitHub) API and app settings
type CodeHostConfig struct {
	APIURL               string        `yaml:"api_url"`
	AppID                int64         `yaml:"app_id"`
	PrivateKey           string        `yaml:"private_key"`
	PrivateKeyPath       string        `yaml:"private_key_path"`
	MaxConcurrentFetches int           `yaml:"max_concurrent_fetches"`
	MinRequestSpacing    time.Duration `yaml:"min_request_spacing"`
	RateLimitFloor       int           `yaml:"rate_limit_floor"`
	MaxAttempts          int           `yaml:"max_attempts"`
}

// OracleConfig holds the weighting oracle endpoint
type OracleConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PipelineConfig bounds a single invocation
type PipelineConfig struct {
	InvocationTimeout time.Duration `yaml:"invocation_timeout"`
	BatchWorkers      int           `yaml:"batch_workers"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel           observability.LogLevel `yaml:"-"`
	LogLevelName       string                 `yaml:"log_level"`
	MetricsEnabled     bool                   `yaml:"metrics_enabled"`
	OTelEnabled        bool                   `yaml:"otel_enabled"`
	OTelEndpoint       string                 `yaml:"otel_endpoint"`
	OTelServiceName    string                 `yaml:"otel_service_name"`
	OTelServiceVersion string                 `yaml:"otel_service_version"`
	OTelInsecure       bool                   `yaml:"otel_insecure"`
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Host:            "0.0.0.0",
			Port:            "9090",
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			PostgresMaxConns: 10,
			PostgresMinConns: 2,
			PostgresTimeout:  10 * time.Second,
			RedisDB:          -1,
			S3Region:         "us-west-2",
			S3Bucket:         "org-donation-state",
			ConfigCacheTTL:   15 * time.Minute,
		},
		Lock: LockConfig{
			Backend:      "redis",
			TTL:          15 * time.Minute,
			ReapSchedule: "*/15 * * * *",
		},
		Queue: QueueConfig{
			Region:            "us-west-2",
			MaxMessages:       10,
			WaitTime:          20 * time.Second,
			VisibilityTimeout: 16 * time.Minute,
		},
		CodeHost: CodeHostConfig{
			APIURL:               "https://api.github.com",
			MaxConcurrentFetches: 30,
			MinRequestSpacing:    750 * time.Millisecond,
			RateLimitFloor:       5,
			MaxAttempts:          3,
		},
		Oracle: OracleConfig{
			Timeout: 2 * time.Minute,
		},
		Pipeline: PipelineConfig{
			InvocationTimeout: 15 * time.Minute,
			BatchWorkers:      10,
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.InfoLevel,
			LogLevelName:       "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "flossfund",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig loads configuration: defaults, then the optional YAML file named by
// FLOSSFUND_CONFIG_FILE, then environment variables.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := getEnv("FLOSSFUND_CONFIG_FILE", ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// mergeFile overlays a YAML file onto cfg
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	c.Observability.LogLevel = observability.ParseLogLevel(c.Observability.LogLevelName)
	return nil
}

// applyEnv overrides fields from the environment; unset variables keep the current value
func (c *Config) applyEnv() {
	c.Admin.Host = getEnv("FLOSSFUND_ADMIN_HOST", c.Admin.Host)
	c.Admin.Port = getEnv("FLOSSFUND_ADMIN_PORT", c.Admin.Port)
	c.Admin.ShutdownTimeout = getEnvDuration("FLOSSFUND_SHUTDOWN_TIMEOUT", c.Admin.ShutdownTimeout)

	s := &c.Storage
	s.PostgresURL = getEnv("FLOSSFUND_POSTGRES_URL", s.PostgresURL)
	s.PostgresMaxConns = getEnvInt("FLOSSFUND_POSTGRES_MAX_CONNS", s.PostgresMaxConns)
	s.PostgresMinConns = getEnvInt("FLOSSFUND_POSTGRES_MIN_CONNS", s.PostgresMinConns)
	s.PostgresTimeout = getEnvDuration("FLOSSFUND_POSTGRES_TIMEOUT", s.PostgresTimeout)
	s.RedisURL = getEnv("FLOSSFUND_REDIS_URL", s.RedisURL)
	s.RedisPassword = getEnv("FLOSSFUND_REDIS_PASSWORD", s.RedisPassword)
	s.RedisDB = getEnvInt("FLOSSFUND_REDIS_DB", s.RedisDB)
	s.RedisMaxRetries = getEnvInt("FLOSSFUND_REDIS_MAX_RETRIES", s.RedisMaxRetries)
	s.RedisPoolSize = getEnvInt("FLOSSFUND_REDIS_POOL_SIZE", s.RedisPoolSize)
	s.S3Endpoint = getEnv("FLOSSFUND_S3_ENDPOINT", s.S3Endpoint)
	s.S3Region = getEnv("FLOSSFUND_S3_REGION", s.S3Region)
	s.S3Bucket = getEnv("FLOSSFUND_S3_BUCKET", s.S3Bucket)
	s.S3AccessKey = getEnv("FLOSSFUND_S3_ACCESS_KEY", s.S3AccessKey)
	s.S3SecretKey = getEnv("FLOSSFUND_S3_SECRET_KEY", s.S3SecretKey)
	s.S3UsePathStyle = getEnvBool("FLOSSFUND_S3_USE_PATH_STYLE", s.S3UsePathStyle)
	s.ConfigCacheTTL = getEnvDuration("FLOSSFUND_CONFIG_CACHE_TTL", s.ConfigCacheTTL)

	c.Lock.Backend = strings.ToLower(getEnv("FLOSSFUND_LOCK_BACKEND", c.Lock.Backend))
	c.Lock.TTL = getEnvDuration("FLOSSFUND_LOCK_TTL", c.Lock.TTL)
	c.Lock.ReapSchedule = getEnv("FLOSSFUND_LOCK_REAP_SCHEDULE", c.Lock.ReapSchedule)

	q := &c.Queue
	q.Region = getEnv("FLOSSFUND_QUEUE_REGION", q.Region)
	q.Endpoint = getEnv("FLOSSFUND_QUEUE_ENDPOINT", q.Endpoint)
	q.DonationQueueURL = getEnv("FLOSSFUND_DONATION_QUEUE_URL", q.DonationQueueURL)
	q.ScrapeQueueURL = getEnv("FLOSSFUND_SCRAPE_QUEUE_URL", q.ScrapeQueueURL)
	q.WeighQueueURL = getEnv("FLOSSFUND_WEIGH_QUEUE_URL", q.WeighQueueURL)
	q.DistributeQueueURL = getEnv("FLOSSFUND_DISTRIBUTE_QUEUE_URL", q.DistributeQueueURL)
	q.MaxMessages = getEnvInt("FLOSSFUND_QUEUE_MAX_MESSAGES", q.MaxMessages)
	q.WaitTime = getEnvDuration("FLOSSFUND_QUEUE_WAIT_TIME", q.WaitTime)
	q.VisibilityTimeout = getEnvDuration("FLOSSFUND_QUEUE_VISIBILITY_TIMEOUT", q.VisibilityTimeout)

	h := &c.CodeHost
	h.APIURL = getEnv("FLOSSFUND_GITHUB_API_URL", h.APIURL)
	h.AppID = getEnvInt64("FLOSSFUND_GITHUB_APP_ID", h.AppID)
	h.PrivateKey = getEnv("FLOSSFUND_GITHUB_PRIVATE_KEY", h.PrivateKey)
	h.PrivateKeyPath = getEnv("FLOSSFUND_GITHUB_PRIVATE_KEY_PATH", h.PrivateKeyPath)
	h.MaxConcurrentFetches = getEnvInt("FLOSSFUND_GITHUB_MAX_CONCURRENT_FETCHES", h.MaxConcurrentFetches)
	h.MinRequestSpacing = getEnvDuration("FLOSSFUND_GITHUB_MIN_REQUEST_SPACING", h.MinRequestSpacing)
	h.RateLimitFloor = getEnvInt("FLOSSFUND_GITHUB_RATE_LIMIT_FLOOR", h.RateLimitFloor)
	h.MaxAttempts = getEnvInt("FLOSSFUND_GITHUB_MAX_ATTEMPTS", h.MaxAttempts)

	c.Oracle.URL = getEnv("FLOSSFUND_ORACLE_URL", c.Oracle.URL)
	c.Oracle.Timeout = getEnvDuration("FLOSSFUND_ORACLE_TIMEOUT", c.Oracle.Timeout)

	c.Pipeline.InvocationTimeout = getEnvDuration("FLOSSFUND_INVOCATION_TIMEOUT", c.Pipeline.InvocationTimeout)
	c.Pipeline.BatchWorkers = getEnvInt("FLOSSFUND_BATCH_WORKERS", c.Pipeline.BatchWorkers)

	o := &c.Observability
	o.LogLevelName = getEnv("FLOSSFUND_LOG_LEVEL", o.LogLevelName)
	o.LogLevel = observability.ParseLogLevel(o.LogLevelName)
	o.MetricsEnabled = getEnvBool("FLOSSFUND_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("FLOSSFUND_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("FLOSSFUND_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("FLOSSFUND_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("FLOSSFUND_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("FLOSSFUND_OTEL_INSECURE", o.OTelInsecure)
}

// PrivateKeyPEM returns the code host app key, reading PrivateKeyPath when the key
// is not set inline
func (c CodeHostConfig) PrivateKeyPEM() ([]byte, error) {
	if c.PrivateKey != "" {
		return []byte(c.PrivateKey), nil
	}
	data, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return data, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Admin.Port == "" {
		return fmt.Errorf("admin port is required")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.S3Bucket == "" {
		return fmt.Errorf("S3 bucket is required for the state store")
	}

	switch c.Lock.Backend {
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis lock backend")
		}
	case "postgres":
	default:
		return fmt.Errorf("invalid lock backend: %s (must be redis or postgres)", c.Lock.Backend)
	}
	if c.Lock.TTL < c.Pipeline.InvocationTimeout {
		return fmt.Errorf("lock TTL %s must not be shorter than the invocation timeout %s",
			c.Lock.TTL, c.Pipeline.InvocationTimeout)
	}

	if c.Queue.DonationQueueURL == "" && c.Queue.ScrapeQueueURL == "" {
		return fmt.Errorf("at least one of the donation or scrape queue URLs is required")
	}
	if c.Queue.ScrapeQueueURL != "" && (c.Queue.WeighQueueURL == "" || c.Queue.DistributeQueueURL == "") {
		return fmt.Errorf("weigh and distribute queue URLs are required for the split pipeline")
	}

	if c.CodeHost.AppID <= 0 {
		return fmt.Errorf("code host app id is required")
	}
	if c.CodeHost.PrivateKey == "" && c.CodeHost.PrivateKeyPath == "" {
		return fmt.Errorf("code host private key is required")
	}
	if c.CodeHost.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("max concurrent fetches must be positive")
	}

	if c.Oracle.URL == "" {
		return fmt.Errorf("oracle URL is required")
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
