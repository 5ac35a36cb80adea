package config

import "time"

// Message store backends
const (
	StoreBackendMemory = "memory"
	StoreBackendPGMQ   = "pgmq"
	StoreBackendRedis  = "redis"
	StoreBackendSQS    = "sqs"
)

// Tracking backends
const (
	TrackingBackendNone     = "none"
	TrackingBackendPostgres = "postgres"
	TrackingBackendMySQL    = "mysql"
	TrackingBackendRedis    = "redis"
	TrackingBackendDynamoDB = "dynamodb"
	TrackingBackendMongoDB  = "mongodb"
)

// DefaultEnvPrefix prefixes every environment override (RUNQUEUE_QUEUE_NAME, ...).
const DefaultEnvPrefix = "RUNQUEUE"

// Config is the root configuration of a runqueue process.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	DLQ           DLQConfig           `mapstructure:"dlq"`
	Store         StoreConfig         `mapstructure:"store"`
	Tracking      TrackingConfig      `mapstructure:"tracking"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Health        HealthConfig        `mapstructure:"health"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel  string        `mapstructure:"log_level"`
	LogFormat string        `mapstructure:"log_format"` // json, text
	Tracing   TracingConfig `mapstructure:"tracing"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// QueueConfig names the main queue and its dead-letter queue.
type QueueConfig struct {
	Name               string        `mapstructure:"name"`
	DLQName            string        `mapstructure:"dlq_name"`
	VisibilityTimeout  time.Duration `mapstructure:"visibility_timeout"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
}

// RetryConfig configures exponential backoff with full jitter.
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// WorkerConfig configures the polling worker.
type WorkerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	Webhook        WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig configures the HTTP handler used by the worker command.
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DLQConfig configures dead-letter inspection and replay.
type DLQConfig struct {
	ScanLimit  int     `mapstructure:"scan_limit"`
	ReplayRate float64 `mapstructure:"replay_rate"`
}

// StoreConfig selects and configures the message store.
type StoreConfig struct {
	Backend  string              `mapstructure:"backend"` // memory, pgmq, redis, sqs
	Postgres StorePostgresConfig `mapstructure:"postgres"`
	Redis    StoreRedisConfig    `mapstructure:"redis"`
	SQS      StoreSQSConfig      `mapstructure:"sqs"`
}

// StorePostgresConfig configures the pgmq store.
type StorePostgresConfig struct {
	URL          string        `mapstructure:"url"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// StoreRedisConfig configures the Redis store.
type StoreRedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// StoreSQSConfig configures the SQS store.
type StoreSQSConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// TrackingConfig selects the job tracking side table.
type TrackingConfig struct {
	Backend         string                 `mapstructure:"backend"` // none, postgres, mysql, redis, dynamodb, mongodb
	URL             string                 `mapstructure:"url"`
	Table           string                 `mapstructure:"table"`
	Timeout         time.Duration          `mapstructure:"timeout"`
	BreakerFailures int                    `mapstructure:"breaker_failures"`
	BreakerReset    time.Duration          `mapstructure:"breaker_reset"`
	DynamoDB        TrackingDynamoDBConfig `mapstructure:"dynamodb"`
	MongoDB         TrackingMongoDBConfig  `mapstructure:"mongodb"`
}

// TrackingDynamoDBConfig configures the DynamoDB tracker.
type TrackingDynamoDBConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// TrackingMongoDBConfig configures the MongoDB tracker.
type TrackingMongoDBConfig struct {
	Database string `mapstructure:"database"`
}

// AdminConfig configures the operator HTTP API.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// HealthConfig configures health thresholds.
type HealthConfig struct {
	DLQDegradedThreshold int64 `mapstructure:"dlq_degraded_threshold"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "runqueue",
			Environment: "production",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				SampleRate: 1.0,
			},
		},
		Queue: QueueConfig{
			Name:               "workflow_jobs",
			DLQName:            "workflow_jobs_dlq",
			VisibilityTimeout:  30 * time.Second,
			DefaultMaxAttempts: 5,
		},
		Retry: RetryConfig{
			BaseDelay:   time.Second,
			MaxDelay:    300 * time.Second,
			MaxAttempts: 5,
		},
		Worker: WorkerConfig{
			PollInterval: time.Second,
			StopTimeout:  60 * time.Second,
			Webhook: WebhookConfig{
				Timeout: 30 * time.Second,
			},
		},
		DLQ: DLQConfig{
			ScanLimit: 1000,
		},
		Store: StoreConfig{
			Backend: StoreBackendMemory,
			Postgres: StorePostgresConfig{
				MaxOpenConns: 10,
				QueryTimeout: 5 * time.Second,
			},
			Redis: StoreRedisConfig{
				Prefix: "runqueue",
			},
		},
		Tracking: TrackingConfig{
			Backend:         TrackingBackendNone,
			Table:           "job_tracking",
			Timeout:         2 * time.Second,
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
			MongoDB: TrackingMongoDBConfig{
				Database: "runqueue",
			},
		},
		Admin: AdminConfig{
			Address: ":9090",
		},
		Health: HealthConfig{
			DLQDegradedThreshold: 100,
		},
	}
}
