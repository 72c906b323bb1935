package config

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"development"`

	DBConnectionString string `envconfig:"DATABASE_URL" required:"true"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	// Plan catalog settings
	PlanCatalogPath string `envconfig:"PLAN_CATALOG_PATH" default:""`
	DefaultPlanID   string `envconfig:"DEFAULT_PLAN_ID" default:"free"`

	// Billing provider webhook settings
	PaddleWebhookSecret string `envconfig:"PADDLE_WEBHOOK_SECRET" default:""`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET" default:""`

	// GCP settings (Pub/Sub audit fanout, Secret Manager)
	GCPProjectID  string `envconfig:"GCP_PROJECT_ID" default:""`
	AuditTopic    string `envconfig:"AUDIT_TOPIC" default:"billing_audit"`
	UseSecretsAPI bool   `envconfig:"USE_SECRETS_API" default:"false"`

	// S3 settings for usage report exports
	S3URL       string `envconfig:"S3_URL" default:""`
	S3Bucket    string `envconfig:"S3_BUCKET" default:""`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY" default:""`
	S3SecretKey string `envconfig:"S3_SECRET_KEY" default:""`

	// Usage commit retry sweep settings
	UsageRetryQueueName      string `envconfig:"USAGE_RETRY_QUEUE_NAME" default:"usage_commit_retry"`
	UsageRetryPollTimeoutSec int    `envconfig:"USAGE_RETRY_POLL_TIMEOUT_SEC" default:"30"`
	UsageRetryPollMaxMsg     int    `envconfig:"USAGE_RETRY_POLL_MAX_MSG" default:"1"`
	UsageRetryMaxRetries     int    `envconfig:"USAGE_RETRY_MAX_RETRIES" default:"5"`
	UsageRetryBackoffInitSec int    `envconfig:"USAGE_RETRY_BACKOFF_INITIAL_SEC" default:"1"`
	UsageRetryBackoffMaxSec  int    `envconfig:"USAGE_RETRY_BACKOFF_MAX_SEC" default:"60"`
	UsageRetryDLQName        string `envconfig:"USAGE_RETRY_DLQ_NAME" default:"usage_commit_retry_dlq"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
