package store

import (
	"fmt"
	"strings"

	"github.com/nimburion/runqueue/pkg/config"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/store/memory"
	"github.com/nimburion/runqueue/pkg/store/pgmq"
	"github.com/nimburion/runqueue/pkg/store/redis"
	"github.com/nimburion/runqueue/pkg/store/sqs"
)

// NewMessageStore selects and initializes the message store named by cfg.Store.Backend.
// pgmq queues are not created here; run the migrations first.
func NewMessageStore(cfg *config.Config, log logger.Logger) (MessageStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if backend == "" {
		backend = config.StoreBackendMemory
	}

	switch backend {
	case config.StoreBackendMemory:
		if log != nil {
			log.Warn("using in-memory message store; messages are lost on restart")
		}
		return memory.New(), nil
	case config.StoreBackendPGMQ:
		return pgmq.New(pgmq.Config{
			URL:          cfg.Store.Postgres.URL,
			MaxOpenConns: cfg.Store.Postgres.MaxOpenConns,
			QueryTimeout: cfg.Store.Postgres.QueryTimeout,
		}, log)
	case config.StoreBackendRedis:
		return redis.New(redis.Config{
			URL:    cfg.Store.Redis.URL,
			Prefix: cfg.Store.Redis.Prefix,
		}, log)
	case config.StoreBackendSQS:
		return sqs.New(sqs.Config{
			Region:          cfg.Store.SQS.Region,
			Endpoint:        cfg.Store.SQS.Endpoint,
			AccessKeyID:     cfg.Store.SQS.AccessKeyID,
			SecretAccessKey: cfg.Store.SQS.SecretAccessKey,
			HealthQueue:     cfg.Queue.Name,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported store.backend %q (supported: memory, pgmq, redis, sqs)", cfg.Store.Backend)
	}
}
