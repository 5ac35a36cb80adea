package tracking

import (
	"fmt"
	"strings"

	"github.com/nimburion/runqueue/pkg/config"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/resilience"
	"github.com/nimburion/runqueue/pkg/tracking/dynamodb"
	"github.com/nimburion/runqueue/pkg/tracking/mongodb"
	"github.com/nimburion/runqueue/pkg/tracking/redis"
	"github.com/nimburion/runqueue/pkg/tracking/sqltrack"
)

// New selects and initializes the tracker named by cfg.Backend. Every backend other
// than none is wrapped in a circuit breaker.
func New(cfg config.TrackingConfig, log logger.Logger) (Tracker, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))

	var (
		inner Tracker
		err   error
	)
	switch backend {
	case "", config.TrackingBackendNone:
		return Nop{}, nil
	case config.TrackingBackendPostgres, config.TrackingBackendMySQL:
		inner, err = sqltrack.New(sqltrack.Config{
			Dialect:      sqltrack.Dialect(backend),
			URL:          cfg.URL,
			Table:        cfg.Table,
			QueryTimeout: cfg.Timeout,
		}, log)
	case config.TrackingBackendRedis:
		inner, err = redis.New(redis.Config{
			URL:              cfg.URL,
			Table:            cfg.Table,
			OperationTimeout: cfg.Timeout,
		}, log)
	case config.TrackingBackendDynamoDB:
		inner, err = dynamodb.New(dynamodb.Config{
			Region:           cfg.DynamoDB.Region,
			Endpoint:         cfg.DynamoDB.Endpoint,
			Table:            cfg.Table,
			OperationTimeout: cfg.Timeout,
		}, log)
	case config.TrackingBackendMongoDB:
		inner, err = mongodb.New(mongodb.Config{
			URL:              cfg.URL,
			Database:         cfg.MongoDB.Database,
			Collection:       cfg.Table,
			OperationTimeout: cfg.Timeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported tracking.backend %q (supported: none, postgres, mysql, redis, dynamodb, mongodb)", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s tracker: %w", backend, err)
	}

	breaker := resilience.NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset,
		resilience.WithStateChange(func(from, to resilience.State) {
			log.Warn("tracking circuit breaker state changed", "backend", backend, "from", from.String(), "to", to.String())
		}),
	)
	return NewGuarded(inner, breaker, log), nil
}
