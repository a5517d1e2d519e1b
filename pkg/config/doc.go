// Package config provides application configuration management.
//
// # Overview
//
// Configuration is resolved in three layers: built-in defaults, an optional YAML
// file named by FLOSSFUND_CONFIG_FILE, and environment variables. Later layers
// override earlier ones; unset variables leave the value alone.
//
// # Configuration Structure
//
// Storage settings:
//
//	FLOSSFUND_POSTGRES_URL="postgres://localhost/flossfund?sslmode=disable"
//	FLOSSFUND_REDIS_URL="redis://localhost:6379"
//	FLOSSFUND_S3_BUCKET="org-donation-state"
//	FLOSSFUND_S3_REGION="us-west-2"
//
// Locking:
//
//	FLOSSFUND_LOCK_BACKEND="redis"  # redis or postgres
//	FLOSSFUND_LOCK_TTL="15m"
//
// Queues:
//
//	FLOSSFUND_DONATION_QUEUE_URL=...    # synchronous flow
//	FLOSSFUND_SCRAPE_QUEUE_URL=...      # split flow, stage 1
//	FLOSSFUND_WEIGH_QUEUE_URL=...       # split flow, stage 2
//	FLOSSFUND_DISTRIBUTE_QUEUE_URL=...  # split flow, stage 3
//
// Code host:
//
//	FLOSSFUND_GITHUB_APP_ID="12345"
//	FLOSSFUND_GITHUB_PRIVATE_KEY_PATH="/etc/flossfund/app.pem"
//	FLOSSFUND_GITHUB_MIN_REQUEST_SPACING="750ms"
//
// The equivalent YAML file:
//
//	storage:
//	  postgres_url: postgres://localhost/flossfund
//	  s3_bucket: org-donation-state
//	lock:
//	  backend: postgres
//	code_host:
//	  app_id: 12345
//	  min_request_spacing: 750ms
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatalf("config: %v", err)
//	}
package config
