// Package redis keeps job tracking records as Redis hashes, one hash per message id.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix           = "runqueue"
	defaultTable            = "job_tracking"
	defaultTTL              = 7 * 24 * time.Hour
	defaultOperationTimeout = 2 * time.Second
)

// Config holds Redis tracking settings.
type Config struct {
	URL    string
	Prefix string
	// Table namespaces the hashes: <prefix>:<table>:<msg_id>.
	Table            string
	TTL              time.Duration
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	c.URL = strings.TrimSpace(c.URL)
	c.Prefix = strings.Trim(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	c.Table = strings.TrimSpace(c.Table)
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// Tracker implements jobs.Tracker on Redis hashes that expire after TTL.
type Tracker struct {
	client redis.UniversalClient
	log    logger.Logger
	config Config

	mu     sync.RWMutex
	closed bool
}

var (
	_ jobs.Tracker = (*Tracker)(nil)
	_ jobs.Adapter = (*Tracker)(nil)
)

// New connects to Redis and verifies the connection.
func New(cfg Config, log logger.Logger) (*Tracker, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	log.Info("redis tracker connected", "prefix", cfg.Prefix, "table", cfg.Table, "ttl", cfg.TTL)
	return NewWithClient(client, cfg, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, cfg Config, log logger.Logger) *Tracker {
	cfg.normalize()
	return &Tracker{client: client, log: log, config: cfg}
}

// Insert writes the tracking hash for a new message.
func (t *Tracker) Insert(ctx context.Context, record jobs.TrackingRecord) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := t.operationContext(ctx)
	defer cancel()

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	key := t.key(record.MsgID)
	_, err := t.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.HSet(opCtx, key,
			"msg_id", record.MsgID,
			"run_id", record.RunID,
			"queue_name", record.QueueName,
			"attempt", strconv.Itoa(record.Attempt),
			"max_attempts", strconv.Itoa(record.MaxAttempts),
			"created_at", formatTime(createdAt),
		)
		pipe.Expire(opCtx, key, t.config.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert tracking record %s: %w", record.MsgID, err)
	}
	return nil
}

// Update stamps the non-nil timestamps of update on the hash for msgID.
func (t *Tracker) Update(ctx context.Context, msgID string, update jobs.TrackingUpdate) error {
	fields := updateFields(update)
	if len(fields) == 0 {
		return nil
	}
	if err := t.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := t.operationContext(ctx)
	defer cancel()

	key := t.key(msgID)
	_, err := t.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.HSet(opCtx, key, fields...)
		pipe.Expire(opCtx, key, t.config.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update tracking record %s: %w", msgID, err)
	}
	return nil
}

// Get returns the raw tracking hash for msgID, empty when it does not exist.
func (t *Tracker) Get(ctx context.Context, msgID string) (map[string]string, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := t.operationContext(ctx)
	defer cancel()
	return t.client.HGetAll(opCtx, t.key(msgID)).Result()
}

// HealthCheck pings Redis.
func (t *Tracker) HealthCheck(ctx context.Context) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := t.client.Ping(hcCtx).Err(); err != nil {
		t.log.Error("redis tracker health check failed", "error", err)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close releases the client. Calling it twice is a no-op.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.client == nil {
		t.closed = true
		return nil
	}
	t.closed = true
	return t.client.Close()
}

func (t *Tracker) ensureOpen() error {
	if t == nil || t.client == nil {
		return errors.New("redis tracker is not initialized")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errors.New("redis tracker is closed")
	}
	return nil
}

func (t *Tracker) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.config.OperationTimeout)
}

func (t *Tracker) key(msgID string) string {
	return t.config.Prefix + ":" + t.config.Table + ":" + msgID
}

func updateFields(update jobs.TrackingUpdate) []any {
	var fields []any
	if update.StartedAt != nil {
		fields = append(fields, "started_at", formatTime(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		fields = append(fields, "completed_at", formatTime(*update.CompletedAt))
	}
	if update.MovedToDLQAt != nil {
		fields = append(fields, "moved_to_dlq_at", formatTime(*update.MovedToDLQAt))
	}
	return fields
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
