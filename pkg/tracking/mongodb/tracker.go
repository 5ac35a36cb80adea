// Package mongodb keeps job tracking records as MongoDB documents whose _id is the message id.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultCollection       = "job_tracking"
	defaultConnectTimeout   = 5 * time.Second
	defaultOperationTimeout = 2 * time.Second
)

// Collection is the subset of *mongo.Collection the tracker uses.
type Collection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Config holds MongoDB tracker configuration.
type Config struct {
	URL              string
	Database         string
	Collection       string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	c.URL = strings.TrimSpace(c.URL)
	c.Database = strings.TrimSpace(c.Database)
	c.Collection = strings.TrimSpace(c.Collection)
	if c.Collection == "" {
		c.Collection = defaultCollection
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// Tracker implements jobs.Tracker on a MongoDB collection.
type Tracker struct {
	client     *mongo.Client
	collection Collection
	log        logger.Logger
	config     Config

	mu     sync.RWMutex
	closed bool
}

var (
	_ jobs.Tracker = (*Tracker)(nil)
	_ jobs.Adapter = (*Tracker)(nil)
)

// New connects to MongoDB and verifies connectivity via ping.
func New(cfg Config, log logger.Logger) (*Tracker, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if cfg.URL == "" {
		return nil, errors.New("mongodb URL is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongodb database is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.Info("mongodb tracker connected", "database", cfg.Database, "collection", cfg.Collection)
	t := NewWithCollection(client.Database(cfg.Database).Collection(cfg.Collection), cfg, log)
	t.client = client
	return t, nil
}

// NewWithCollection wraps an existing collection. HealthCheck needs a client and fails without one.
func NewWithCollection(collection Collection, cfg Config, log logger.Logger) *Tracker {
	cfg.normalize()
	return &Tracker{collection: collection, log: log, config: cfg}
}

// Insert upserts the tracking document; an existing document is left untouched.
func (t *Tracker) Insert(ctx context.Context, record jobs.TrackingRecord) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := t.withOperationTimeout(ctx)
	defer cancel()

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "run_id", Value: record.RunID},
		{Key: "queue_name", Value: record.QueueName},
		{Key: "attempt", Value: record.Attempt},
		{Key: "max_attempts", Value: record.MaxAttempts},
		{Key: "created_at", Value: createdAt.UTC()},
	}}}
	_, err := t.collection.UpdateOne(opCtx, bson.D{{Key: "_id", Value: record.MsgID}}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("insert tracking record %s: %w", record.MsgID, err)
	}
	return nil
}

// Update sets the non-nil timestamps on the document for msgID.
func (t *Tracker) Update(ctx context.Context, msgID string, update jobs.TrackingUpdate) error {
	set := updateDocument(update)
	if len(set) == 0 {
		return nil
	}
	if err := t.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := t.withOperationTimeout(ctx)
	defer cancel()

	_, err := t.collection.UpdateOne(opCtx, bson.D{{Key: "_id", Value: msgID}}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("update tracking record %s: %w", msgID, err)
	}
	return nil
}

// HealthCheck pings the primary.
func (t *Tracker) HealthCheck(ctx context.Context) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}
	if t.client == nil {
		return errors.New("mongodb tracker has no client")
	}
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := t.client.Ping(hcCtx, readpref.Primary()); err != nil {
		t.log.Error("mongodb tracker health check failed", "error", err)
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

// Close disconnects the client. Calling it twice is a no-op.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	return nil
}

func (t *Tracker) ensureOpen() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errors.New("mongodb tracker is closed")
	}
	if t.collection == nil {
		return errors.New("mongodb tracker is not initialized")
	}
	return nil
}

func (t *Tracker) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.config.OperationTimeout)
}

func updateDocument(update jobs.TrackingUpdate) bson.D {
	var set bson.D
	if update.StartedAt != nil {
		set = append(set, bson.E{Key: "started_at", Value: update.StartedAt.UTC()})
	}
	if update.CompletedAt != nil {
		set = append(set, bson.E{Key: "completed_at", Value: update.CompletedAt.UTC()})
	}
	if update.MovedToDLQAt != nil {
		set = append(set, bson.E{Key: "moved_to_dlq_at", Value: update.MovedToDLQAt.UTC()})
	}
	return set
}
