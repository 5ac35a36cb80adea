// Package pgmq implements jobs.MessageStore on Postgres through the pgmq extension.
package pgmq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
)

const (
	defaultMaxOpenConns = 10
	defaultQueryTimeout = 5 * time.Second
)

const (
	sendQuery    = `SELECT pgmq.send($1, $2::jsonb, $3::int)`
	readQuery    = `SELECT msg_id, read_ct, enqueued_at, vt, message FROM pgmq.read($1, $2::int, $3::int)`
	deleteQuery  = `SELECT pgmq.delete($1, $2::bigint)`
	archiveQuery = `SELECT pgmq.archive($1, $2::bigint)`
	purgeQuery   = `SELECT pgmq.purge_queue($1)`
	metricsQuery = `SELECT queue_length, newest_msg_age_sec, oldest_msg_age_sec, total_messages FROM pgmq.metrics($1)`
	createQuery  = `SELECT pgmq.create($1)`
)

// Config holds the Postgres connection settings.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

func (c *Config) normalize() {
	c.URL = strings.TrimSpace(c.URL)
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 || c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
}

// Store is a MessageStore over pgmq queues.
type Store struct {
	db     *sql.DB
	log    logger.Logger
	config Config
}

var (
	_ jobs.MessageStore = (*Store)(nil)
	_ jobs.Adapter      = (*Store)(nil)
)

// New opens a pooled connection and verifies it.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if cfg.URL == "" {
		return nil, errors.New("postgres url is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("pgmq store connected",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"query_timeout", cfg.QueryTimeout,
	)
	return newWithDB(db, cfg, log), nil
}

func newWithDB(db *sql.DB, cfg Config, log logger.Logger) *Store {
	cfg.normalize()
	return &Store{db: db, log: log, config: cfg}
}

// DB exposes the pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateQueue creates queue and its archive table. pgmq treats an existing queue as success.
func (s *Store) CreateQueue(ctx context.Context, queue string) error {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, createQuery, queue); err != nil {
		return fmt.Errorf("create queue %s: %w", queue, err)
	}
	return nil
}

// Send enqueues payload. pgmq delays are whole seconds, so delay is rounded up.
func (s *Store) Send(ctx context.Context, queue string, payload []byte, delay time.Duration) (string, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	var id int64
	if err := s.db.QueryRowContext(ctx, sendQuery, queue, string(payload), seconds(delay)).Scan(&id); err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// Read hides up to quantity messages for visibilityTimeout, rounded up to whole seconds.
func (s *Store) Read(ctx context.Context, queue string, visibilityTimeout time.Duration, quantity int) ([]*jobs.Message, error) {
	if quantity <= 0 {
		return nil, nil
	}
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, readQuery, queue, seconds(visibilityTimeout), quantity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]*jobs.Message, 0, quantity)
	for rows.Next() {
		var (
			id      int64
			msg     jobs.Message
			payload []byte
		)
		if err := rows.Scan(&id, &msg.ReadCount, &msg.EnqueuedAt, &msg.VisibleAt, &payload); err != nil {
			return nil, err
		}
		msg.ID = strconv.FormatInt(id, 10)
		msg.Payload = payload
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// Delete removes a message permanently.
func (s *Store) Delete(ctx context.Context, queue, msgID string) (bool, error) {
	return s.boolCall(ctx, deleteQuery, queue, msgID)
}

// Archive moves a message into the pgmq archive table of queue.
func (s *Store) Archive(ctx context.Context, queue, msgID string) (bool, error) {
	return s.boolCall(ctx, archiveQuery, queue, msgID)
}

// Purge truncates queue.
func (s *Store) Purge(ctx context.Context, queue string) (int64, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	var count int64
	if err := s.db.QueryRowContext(ctx, purgeQuery, queue).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Metrics reads pgmq.metrics. Ages are NULL on an empty queue.
func (s *Store) Metrics(ctx context.Context, queue string) (*jobs.StoreMetrics, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	var (
		length, total     int64
		newestAge, oldest sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx, metricsQuery, queue).Scan(&length, &newestAge, &oldest, &total); err != nil {
		return nil, err
	}
	return &jobs.StoreMetrics{
		Length:        length,
		NewestAge:     time.Duration(newestAge.Int64) * time.Second,
		OldestAge:     time.Duration(oldest.Int64) * time.Second,
		TotalMessages: total,
	}, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.log.Error("pgmq health check failed", "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.log.Info("closing pgmq store")
	if err := s.db.Close(); err != nil {
		s.log.Error("failed to close pgmq store", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// boolCall runs a pgmq function that takes (queue, msg_id) and returns a boolean.
// Ids that are not pgmq bigints cannot exist and report false.
func (s *Store) boolCall(ctx context.Context, query, queue, msgID string) (bool, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(msgID), 10, 64)
	if err != nil {
		return false, nil
	}
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, queue, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Store) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
