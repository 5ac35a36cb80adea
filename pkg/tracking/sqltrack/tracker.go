// Package sqltrack writes job tracking rows to a SQL table on Postgres or MySQL.
// The table is created by the migrations in pkg/migrate.
package sqltrack

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
)

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

const (
	defaultTable        = "job_tracking"
	defaultMaxOpenConns = 5
	defaultQueryTimeout = 2 * time.Second
)

var validTable = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config holds tracking table connection settings.
type Config struct {
	Dialect         Dialect
	URL             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

func (c *Config) normalize() {
	c.Dialect = Dialect(strings.ToLower(strings.TrimSpace(string(c.Dialect))))
	c.URL = strings.TrimSpace(c.URL)
	c.Table = strings.TrimSpace(c.Table)
	if c.Table == "" {
		c.Table = defaultTable
	}
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

func (c Config) validate() error {
	switch c.Dialect {
	case DialectPostgres, DialectMySQL:
	default:
		return fmt.Errorf("unsupported tracking dialect %q", c.Dialect)
	}
	if c.URL == "" {
		return errors.New("database URL is required")
	}
	if !validTable.MatchString(c.Table) {
		return fmt.Errorf("invalid tracking table name %q", c.Table)
	}
	return nil
}

// Tracker implements jobs.Tracker on a SQL table.
type Tracker struct {
	db     *sql.DB
	log    logger.Logger
	config Config

	insertQuery string
	updateQuery string
}

var (
	_ jobs.Tracker = (*Tracker)(nil)
	_ jobs.Adapter = (*Tracker)(nil)
)

// New opens the database pool and verifies connectivity.
func New(cfg Config, log logger.Logger) (*Tracker, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(string(cfg.Dialect), cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Dialect, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Dialect, err)
	}

	log.Info("tracking table connection established",
		"dialect", cfg.Dialect,
		"table", cfg.Table,
		"max_open_conns", cfg.MaxOpenConns,
	)
	return newWithDB(db, cfg, log), nil
}

func newWithDB(db *sql.DB, cfg Config, log logger.Logger) *Tracker {
	cfg.normalize()
	t := &Tracker{db: db, log: log, config: cfg}
	t.insertQuery, t.updateQuery = buildQueries(cfg.Dialect, cfg.Table)
	return t
}

// buildQueries renders the dialect specific statements. Insert is idempotent on msg_id,
// update only overwrites the timestamps it is given.
func buildQueries(dialect Dialect, table string) (insert, update string) {
	switch dialect {
	case DialectMySQL:
		insert = fmt.Sprintf("INSERT IGNORE INTO %s (msg_id, run_id, queue_name, attempt, max_attempts, created_at) VALUES (?, ?, ?, ?, ?, ?)", table)
		update = fmt.Sprintf("UPDATE %s SET started_at = COALESCE(?, started_at), completed_at = COALESCE(?, completed_at), moved_to_dlq_at = COALESCE(?, moved_to_dlq_at) WHERE msg_id = ?", table)
	default:
		insert = fmt.Sprintf("INSERT INTO %s (msg_id, run_id, queue_name, attempt, max_attempts, created_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (msg_id) DO NOTHING", table)
		update = fmt.Sprintf("UPDATE %s SET started_at = COALESCE($1, started_at), completed_at = COALESCE($2, completed_at), moved_to_dlq_at = COALESCE($3, moved_to_dlq_at) WHERE msg_id = $4", table)
	}
	return insert, update
}

// DB exposes the pool for migrations.
func (t *Tracker) DB() *sql.DB {
	return t.db
}

// Insert creates the tracking row for a freshly enqueued message.
func (t *Tracker) Insert(ctx context.Context, record jobs.TrackingRecord) error {
	queryCtx, cancel := t.withQueryTimeout(ctx)
	defer cancel()

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := t.db.ExecContext(queryCtx, t.insertQuery,
		record.MsgID, record.RunID, record.QueueName, record.Attempt, record.MaxAttempts, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("insert tracking record %s: %w", record.MsgID, err)
	}
	return nil
}

// Update stamps the non-nil timestamps of update on the row for msgID.
// A missing row is not an error.
func (t *Tracker) Update(ctx context.Context, msgID string, update jobs.TrackingUpdate) error {
	if update.StartedAt == nil && update.CompletedAt == nil && update.MovedToDLQAt == nil {
		return nil
	}
	queryCtx, cancel := t.withQueryTimeout(ctx)
	defer cancel()

	_, err := t.db.ExecContext(queryCtx, t.updateQuery,
		nullTime(update.StartedAt), nullTime(update.CompletedAt), nullTime(update.MovedToDLQAt), msgID)
	if err != nil {
		return fmt.Errorf("update tracking record %s: %w", msgID, err)
	}
	return nil
}

// HealthCheck pings the database.
func (t *Tracker) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := t.db.PingContext(hcCtx); err != nil {
		t.log.Error("tracking database health check failed", "error", err)
		return fmt.Errorf("tracking database health check failed: %w", err)
	}
	return nil
}

// Close releases the pool.
func (t *Tracker) Close() error {
	if err := t.db.Close(); err != nil {
		return fmt.Errorf("failed to close tracking database: %w", err)
	}
	return nil
}

func (t *Tracker) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.config.QueryTimeout)
}

func nullTime(ts *time.Time) sql.NullTime {
	if ts == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: ts.UTC(), Valid: true}
}
