// Package redis implements jobs.MessageStore on Redis. Each queue keeps a visibility
// sorted set, a payload hash, an enqueue-time index and an archive hash; every
// multi-key transition runs as one Lua script.
package redis

import (
	"context"
	"encoding/json"
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
	defaultOperationTimeout = 5 * time.Second
)

var (
	sendScript = redis.NewScript(`
local id = redis.call("INCR", KEYS[1])
redis.call("HSET", KEYS[2], id, ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[2], id)
redis.call("ZADD", KEYS[4], ARGV[3], id)
return id
`)

	readScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
  redis.call("ZADD", KEYS[1], ARGV[2], id)
  local reads = redis.call("HINCRBY", KEYS[3], id, 1)
  table.insert(out, id)
  table.insert(out, redis.call("HGET", KEYS[2], id) or "")
  table.insert(out, reads)
end
return out
`)

	removeScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
  return 0
end
local record = redis.call("HGET", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
if ARGV[2] == "1" and record then
  redis.call("HSET", KEYS[5], ARGV[1], record)
end
return 1
`)

	purgeScript = redis.NewScript(`
local count = redis.call("ZCARD", KEYS[1])
redis.call("DEL", KEYS[1], KEYS[2], KEYS[3], KEYS[4])
return count
`)
)

// Config configures the Redis store.
type Config struct {
	URL              string
	Prefix           string
	MaxConns         int
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	c.URL = strings.TrimSpace(c.URL)
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// Option customizes a Store.
type Option func(*Store)

// WithClock drives visibility and delays from clock.
func WithClock(clock jobs.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// record is the stored form of a message; the id and read count live in their own keys.
type record struct {
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Store is a MessageStore on Redis.
type Store struct {
	client redis.UniversalClient
	log    logger.Logger
	clock  jobs.Clock
	config Config

	mu     sync.RWMutex
	closed bool
}

var (
	_ jobs.MessageStore = (*Store)(nil)
	_ jobs.Adapter      = (*Store)(nil)
)

// New connects to Redis and verifies the connection.
func New(cfg Config, log logger.Logger, opts ...Option) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}

	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	if cfg.MaxConns > 0 {
		redisOpts.PoolSize = cfg.MaxConns
	}
	redisOpts.ReadTimeout = cfg.OperationTimeout
	redisOpts.WriteTimeout = cfg.OperationTimeout
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	log.Info("redis store connected", "prefix", cfg.Prefix, "operation_timeout", cfg.OperationTimeout)
	return NewWithClient(client, cfg, log, opts...), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, cfg Config, log logger.Logger, opts ...Option) *Store {
	cfg.normalize()
	s := &Store{
		client: client,
		log:    log,
		clock:  jobs.SystemClock{},
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send stores payload and schedules it visible after delay.
func (s *Store) Send(ctx context.Context, queue string, payload []byte, delay time.Duration) (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}
	now := s.clock.Now()
	encoded, err := json.Marshal(record{EnqueuedAt: now, Payload: json.RawMessage(payload)})
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	id, err := sendScript.Run(opCtx, s.client,
		[]string{s.seqKey(queue), s.messagesKey(queue), s.visibilityKey(queue), s.enqueuedKey(queue)},
		string(encoded),
		now.Add(delay).UnixMilli(),
		now.UnixMilli(),
	).Int64()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// Read hides up to quantity visible messages until now+visibilityTimeout.
func (s *Store) Read(ctx context.Context, queue string, visibilityTimeout time.Duration, quantity int) ([]*jobs.Message, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, nil
	}
	if visibilityTimeout < 0 {
		visibilityTimeout = 0
	}
	now := s.clock.Now()
	visibleAt := now.Add(visibilityTimeout)

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	result, err := readScript.Run(opCtx, s.client,
		[]string{s.visibilityKey(queue), s.messagesKey(queue), s.readsKey(queue)},
		now.UnixMilli(),
		visibleAt.UnixMilli(),
		quantity,
	).Slice()
	if err != nil {
		return nil, err
	}

	messages := make([]*jobs.Message, 0, len(result)/3)
	for i := 0; i+2 < len(result); i += 3 {
		id := fmt.Sprint(result[i])
		raw, _ := result[i+1].(string)
		reads, _ := result[i+2].(int64)

		msg := &jobs.Message{ID: id, ReadCount: int(reads), VisibleAt: visibleAt}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.log.Warn("redis message record is corrupt", "queue", queue, "msg_id", id, "error", err)
		} else {
			msg.EnqueuedAt = rec.EnqueuedAt
			msg.Payload = []byte(rec.Payload)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Delete removes a message permanently.
func (s *Store) Delete(ctx context.Context, queue, msgID string) (bool, error) {
	return s.remove(ctx, queue, msgID, false)
}

// Archive moves a message into the queue archive hash.
func (s *Store) Archive(ctx context.Context, queue, msgID string) (bool, error) {
	return s.remove(ctx, queue, msgID, true)
}

// Purge drops every live message of queue; the id sequence and archive are kept.
func (s *Store) Purge(ctx context.Context, queue string) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	return purgeScript.Run(opCtx, s.client,
		[]string{s.visibilityKey(queue), s.messagesKey(queue), s.readsKey(queue), s.enqueuedKey(queue)},
	).Int64()
}

// Metrics reports length, message ages and the number of messages ever sent.
func (s *Store) Metrics(ctx context.Context, queue string) (*jobs.StoreMetrics, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	length := pipe.ZCard(opCtx, s.visibilityKey(queue))
	oldest := pipe.ZRangeWithScores(opCtx, s.enqueuedKey(queue), 0, 0)
	newest := pipe.ZRangeWithScores(opCtx, s.enqueuedKey(queue), -1, -1)
	total := pipe.Get(opCtx, s.seqKey(queue))
	if _, err := pipe.Exec(opCtx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	now := s.clock.Now()
	metrics := &jobs.StoreMetrics{Length: length.Val()}
	if z := oldest.Val(); len(z) > 0 {
		metrics.OldestAge = age(now, z[0].Score)
	}
	if z := newest.Val(); len(z) > 0 {
		metrics.NewestAge = age(now, z[0].Score)
	}
	if v, err := total.Int64(); err == nil {
		metrics.TotalMessages = v
	}
	return metrics, nil
}

// HealthCheck pings Redis.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the client. Later calls are no-ops.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.log.Info("closing redis store")
	return s.client.Close()
}

func (s *Store) remove(ctx context.Context, queue, msgID string, archive bool) (bool, error) {
	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	msgID = strings.TrimSpace(msgID)
	if msgID == "" {
		return false, nil
	}
	flag := "0"
	if archive {
		flag = "1"
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	removed, err := removeScript.Run(opCtx, s.client,
		[]string{s.visibilityKey(queue), s.messagesKey(queue), s.readsKey(queue), s.enqueuedKey(queue), s.archiveKey(queue)},
		msgID,
		flag,
	).Int()
	if err != nil {
		return false, err
	}
	return removed == 1, nil
}

func (s *Store) ensureOpen() error {
	if s == nil || s.client == nil {
		return errors.New("redis store is not initialized")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("redis store is closed")
	}
	return nil
}

func (s *Store) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func age(now time.Time, scoreMillis float64) time.Duration {
	d := now.Sub(time.UnixMilli(int64(scoreMillis)))
	if d < 0 {
		return 0
	}
	return d
}

func (s *Store) seqKey(queue string) string        { return s.queueKey(queue) + ":seq" }
func (s *Store) messagesKey(queue string) string   { return s.queueKey(queue) + ":messages" }
func (s *Store) visibilityKey(queue string) string { return s.queueKey(queue) + ":visibility" }
func (s *Store) readsKey(queue string) string      { return s.queueKey(queue) + ":reads" }
func (s *Store) enqueuedKey(queue string) string   { return s.queueKey(queue) + ":enqueued" }
func (s *Store) archiveKey(queue string) string    { return s.queueKey(queue) + ":archive" }

// Keys of one queue share a hash tag so the scripts stay on one cluster slot.
func (s *Store) queueKey(queue string) string {
	return strings.TrimRight(strings.TrimSpace(s.config.Prefix), ":") + ":queue:{" + strings.TrimSpace(queue) + "}"
}
