package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (defaults to RUNQUEUE)
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix(l.prefix())

	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.tracing.enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing.endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing.sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))

	// Queue
	v.BindEnv("queue.name", l.prefixedEnv("QUEUE_NAME"))
	v.BindEnv("queue.dlq_name", l.prefixedEnv("QUEUE_DLQ_NAME"))
	v.BindEnv("queue.visibility_timeout", l.prefixedEnv("QUEUE_VISIBILITY_TIMEOUT"))
	v.BindEnv("queue.default_max_attempts", l.prefixedEnv("QUEUE_DEFAULT_MAX_ATTEMPTS"))

	// Retry
	v.BindEnv("retry.base_delay", l.prefixedEnv("RETRY_BASE_DELAY"))
	v.BindEnv("retry.max_delay", l.prefixedEnv("RETRY_MAX_DELAY"))
	v.BindEnv("retry.max_attempts", l.prefixedEnv("RETRY_MAX_ATTEMPTS"))

	// Worker
	v.BindEnv("worker.poll_interval", l.prefixedEnv("WORKER_POLL_INTERVAL"))
	v.BindEnv("worker.stop_timeout", l.prefixedEnv("WORKER_STOP_TIMEOUT"))
	v.BindEnv("worker.handler_timeout", l.prefixedEnv("WORKER_HANDLER_TIMEOUT"))
	v.BindEnv("worker.webhook.url", l.prefixedEnv("WORKER_WEBHOOK_URL"))
	v.BindEnv("worker.webhook.timeout", l.prefixedEnv("WORKER_WEBHOOK_TIMEOUT"))

	// DLQ
	v.BindEnv("dlq.scan_limit", l.prefixedEnv("DLQ_SCAN_LIMIT"))
	v.BindEnv("dlq.replay_rate", l.prefixedEnv("DLQ_REPLAY_RATE"))

	// Store
	v.BindEnv("store.backend", l.prefixedEnv("STORE_BACKEND"))
	v.BindEnv("store.postgres.url", l.prefixedEnv("STORE_POSTGRES_URL"), l.prefixedEnv("DATABASE_URL"))
	v.BindEnv("store.postgres.max_open_conns", l.prefixedEnv("STORE_POSTGRES_MAX_OPEN_CONNS"))
	v.BindEnv("store.postgres.query_timeout", l.prefixedEnv("STORE_POSTGRES_QUERY_TIMEOUT"))
	v.BindEnv("store.redis.url", l.prefixedEnv("STORE_REDIS_URL"))
	v.BindEnv("store.redis.prefix", l.prefixedEnv("STORE_REDIS_PREFIX"))
	v.BindEnv("store.sqs.region", l.prefixedEnv("STORE_SQS_REGION"), "AWS_REGION")
	v.BindEnv("store.sqs.endpoint", l.prefixedEnv("STORE_SQS_ENDPOINT"))
	v.BindEnv("store.sqs.access_key_id", l.prefixedEnv("STORE_SQS_ACCESS_KEY_ID"))
	v.BindEnv("store.sqs.secret_access_key", l.prefixedEnv("STORE_SQS_SECRET_ACCESS_KEY"))

	// Tracking
	v.BindEnv("tracking.backend", l.prefixedEnv("TRACKING_BACKEND"))
	v.BindEnv("tracking.url", l.prefixedEnv("TRACKING_URL"))
	v.BindEnv("tracking.table", l.prefixedEnv("TRACKING_TABLE"))
	v.BindEnv("tracking.timeout", l.prefixedEnv("TRACKING_TIMEOUT"))
	v.BindEnv("tracking.breaker_failures", l.prefixedEnv("TRACKING_BREAKER_FAILURES"))
	v.BindEnv("tracking.breaker_reset", l.prefixedEnv("TRACKING_BREAKER_RESET"))
	v.BindEnv("tracking.dynamodb.region", l.prefixedEnv("TRACKING_DYNAMODB_REGION"), "AWS_REGION")
	v.BindEnv("tracking.dynamodb.endpoint", l.prefixedEnv("TRACKING_DYNAMODB_ENDPOINT"))
	v.BindEnv("tracking.mongodb.database", l.prefixedEnv("TRACKING_MONGODB_DATABASE"))

	// Admin and health
	v.BindEnv("admin.enabled", l.prefixedEnv("ADMIN_ENABLED"))
	v.BindEnv("admin.address", l.prefixedEnv("ADMIN_ADDRESS"))
	v.BindEnv("health.dlq_degraded_threshold", l.prefixedEnv("HEALTH_DLQ_DEGRADED_THRESHOLD"))
}

func (l *ViperLoader) prefix() string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", l.prefix(), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing.enabled", cfg.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", cfg.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sample_rate", cfg.Observability.Tracing.SampleRate)

	v.SetDefault("queue.name", cfg.Queue.Name)
	v.SetDefault("queue.dlq_name", cfg.Queue.DLQName)
	v.SetDefault("queue.visibility_timeout", cfg.Queue.VisibilityTimeout)
	v.SetDefault("queue.default_max_attempts", cfg.Queue.DefaultMaxAttempts)

	v.SetDefault("retry.base_delay", cfg.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	v.SetDefault("retry.max_attempts", cfg.Retry.MaxAttempts)

	v.SetDefault("worker.poll_interval", cfg.Worker.PollInterval)
	v.SetDefault("worker.stop_timeout", cfg.Worker.StopTimeout)
	v.SetDefault("worker.handler_timeout", cfg.Worker.HandlerTimeout)
	v.SetDefault("worker.webhook.url", cfg.Worker.Webhook.URL)
	v.SetDefault("worker.webhook.timeout", cfg.Worker.Webhook.Timeout)

	v.SetDefault("dlq.scan_limit", cfg.DLQ.ScanLimit)
	v.SetDefault("dlq.replay_rate", cfg.DLQ.ReplayRate)

	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.postgres.url", cfg.Store.Postgres.URL)
	v.SetDefault("store.postgres.max_open_conns", cfg.Store.Postgres.MaxOpenConns)
	v.SetDefault("store.postgres.query_timeout", cfg.Store.Postgres.QueryTimeout)
	v.SetDefault("store.redis.url", cfg.Store.Redis.URL)
	v.SetDefault("store.redis.prefix", cfg.Store.Redis.Prefix)
	v.SetDefault("store.sqs.region", cfg.Store.SQS.Region)
	v.SetDefault("store.sqs.endpoint", cfg.Store.SQS.Endpoint)
	v.SetDefault("store.sqs.access_key_id", cfg.Store.SQS.AccessKeyID)
	v.SetDefault("store.sqs.secret_access_key", cfg.Store.SQS.SecretAccessKey)

	v.SetDefault("tracking.backend", cfg.Tracking.Backend)
	v.SetDefault("tracking.url", cfg.Tracking.URL)
	v.SetDefault("tracking.table", cfg.Tracking.Table)
	v.SetDefault("tracking.timeout", cfg.Tracking.Timeout)
	v.SetDefault("tracking.breaker_failures", cfg.Tracking.BreakerFailures)
	v.SetDefault("tracking.breaker_reset", cfg.Tracking.BreakerReset)
	v.SetDefault("tracking.dynamodb.region", cfg.Tracking.DynamoDB.Region)
	v.SetDefault("tracking.dynamodb.endpoint", cfg.Tracking.DynamoDB.Endpoint)
	v.SetDefault("tracking.mongodb.database", cfg.Tracking.MongoDB.Database)

	v.SetDefault("admin.enabled", cfg.Admin.Enabled)
	v.SetDefault("admin.address", cfg.Admin.Address)
	v.SetDefault("health.dlq_degraded_threshold", cfg.Health.DLQDegradedThreshold)
}

// Validate normalizes enum-like values and reports every problem at once.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Observability.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Observability.LogLevel))
	cfg.Observability.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Observability.LogFormat))
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	cfg.Tracking.Backend = strings.ToLower(strings.TrimSpace(cfg.Tracking.Backend))
	cfg.Queue.Name = strings.TrimSpace(cfg.Queue.Name)
	cfg.Queue.DLQName = strings.TrimSpace(cfg.Queue.DLQName)

	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !contains(validLevels, cfg.Observability.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLevels))
	}
	validFormats := []string{"json", "text", "console"}
	if !contains(validFormats, cfg.Observability.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validFormats))
	}
	if cfg.Observability.Tracing.Enabled {
		if strings.TrimSpace(cfg.Observability.Tracing.Endpoint) == "" {
			errs = append(errs, errors.New("observability.tracing.endpoint is required when tracing is enabled"))
		}
		if cfg.Observability.Tracing.SampleRate < 0 || cfg.Observability.Tracing.SampleRate > 1 {
			errs = append(errs, errors.New("observability.tracing.sample_rate must be between 0 and 1"))
		}
	}

	if cfg.Queue.Name == "" {
		errs = append(errs, errors.New("queue.name is required"))
	}
	if cfg.Queue.DLQName == "" {
		errs = append(errs, errors.New("queue.dlq_name is required"))
	} else if cfg.Queue.DLQName == cfg.Queue.Name {
		errs = append(errs, errors.New("queue.dlq_name must differ from queue.name"))
	}
	if cfg.Queue.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("queue.visibility_timeout must be positive"))
	}
	if cfg.Queue.DefaultMaxAttempts < 1 {
		errs = append(errs, errors.New("queue.default_max_attempts must be at least 1"))
	}

	if cfg.Retry.BaseDelay <= 0 {
		errs = append(errs, errors.New("retry.base_delay must be positive"))
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must be greater than or equal to retry.base_delay"))
	}
	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}

	if cfg.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if cfg.Worker.StopTimeout <= 0 {
		errs = append(errs, errors.New("worker.stop_timeout must be positive"))
	}
	if cfg.Worker.HandlerTimeout < 0 {
		errs = append(errs, errors.New("worker.handler_timeout must not be negative"))
	}
	if strings.TrimSpace(cfg.Worker.Webhook.URL) != "" && cfg.Worker.Webhook.Timeout <= 0 {
		errs = append(errs, errors.New("worker.webhook.timeout must be positive when worker.webhook.url is set"))
	}

	if cfg.DLQ.ScanLimit < 1 {
		errs = append(errs, errors.New("dlq.scan_limit must be at least 1"))
	}
	if cfg.DLQ.ReplayRate < 0 {
		errs = append(errs, errors.New("dlq.replay_rate must not be negative"))
	}

	switch cfg.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendPGMQ:
		if strings.TrimSpace(cfg.Store.Postgres.URL) == "" {
			errs = append(errs, errors.New("store.postgres.url is required when store.backend is pgmq"))
		}
	case StoreBackendRedis:
		if strings.TrimSpace(cfg.Store.Redis.URL) == "" {
			errs = append(errs, errors.New("store.redis.url is required when store.backend is redis"))
		}
	case StoreBackendSQS:
		if strings.TrimSpace(cfg.Store.SQS.Region) == "" {
			errs = append(errs, errors.New("store.sqs.region is required when store.backend is sqs"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid store.backend: %s (must be one of: %v)", cfg.Store.Backend,
			[]string{StoreBackendMemory, StoreBackendPGMQ, StoreBackendRedis, StoreBackendSQS}))
	}

	switch cfg.Tracking.Backend {
	case "", TrackingBackendNone:
		cfg.Tracking.Backend = TrackingBackendNone
	case TrackingBackendPostgres, TrackingBackendMySQL, TrackingBackendRedis, TrackingBackendMongoDB:
		if strings.TrimSpace(cfg.Tracking.URL) == "" {
			errs = append(errs, fmt.Errorf("tracking.url is required when tracking.backend is %s", cfg.Tracking.Backend))
		}
	case TrackingBackendDynamoDB:
		if strings.TrimSpace(cfg.Tracking.DynamoDB.Region) == "" {
			errs = append(errs, errors.New("tracking.dynamodb.region is required when tracking.backend is dynamodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid tracking.backend: %s (must be one of: %v)", cfg.Tracking.Backend,
			[]string{TrackingBackendNone, TrackingBackendPostgres, TrackingBackendMySQL, TrackingBackendRedis, TrackingBackendDynamoDB, TrackingBackendMongoDB}))
	}
	if cfg.Tracking.Backend != TrackingBackendNone {
		if !validIdentifier.MatchString(cfg.Tracking.Table) {
			errs = append(errs, fmt.Errorf("invalid tracking.table name %q", cfg.Tracking.Table))
		}
		if cfg.Tracking.Timeout <= 0 {
			errs = append(errs, errors.New("tracking.timeout must be positive"))
		}
		if cfg.Tracking.BreakerFailures < 1 {
			errs = append(errs, errors.New("tracking.breaker_failures must be at least 1"))
		}
		if cfg.Tracking.BreakerReset <= 0 {
			errs = append(errs, errors.New("tracking.breaker_reset must be positive"))
		}
	}

	if cfg.Admin.Enabled && strings.TrimSpace(cfg.Admin.Address) == "" {
		errs = append(errs, errors.New("admin.address is required when admin is enabled"))
	}
	if cfg.Health.DLQDegradedThreshold < 0 {
		errs = append(errs, errors.New("health.dlq_degraded_threshold must not be negative"))
	}

	return errors.Join(errs...)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
