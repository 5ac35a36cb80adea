// Package dynamodb keeps job tracking records as DynamoDB items keyed by msg_id.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
)

const (
	defaultTable            = "job_tracking"
	defaultOperationTimeout = 2 * time.Second
)

// API is the subset of the DynamoDB client the tracker uses.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Config holds DynamoDB tracker configuration.
type Config struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	Table            string
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	c.Region = strings.TrimSpace(c.Region)
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.Table = strings.TrimSpace(c.Table)
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// Tracker implements jobs.Tracker on a DynamoDB table whose partition key is msg_id (S).
type Tracker struct {
	client API
	log    logger.Logger
	config Config

	mu     sync.RWMutex
	closed bool
}

var (
	_ jobs.Tracker = (*Tracker)(nil)
	_ jobs.Adapter = (*Tracker)(nil)
)

// New builds the DynamoDB client and checks that the table exists.
func New(cfg Config, log logger.Logger) (*Tracker, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if cfg.Region == "" {
		return nil, errors.New("aws region is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	tracker := NewWithClient(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracker.HealthCheck(ctx); err != nil {
		return nil, err
	}

	log.Info("dynamodb tracker initialized", "region", cfg.Region, "endpoint", cfg.Endpoint, "table", cfg.Table)
	return tracker, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, cfg Config, log logger.Logger) *Tracker {
	cfg.normalize()
	return &Tracker{client: client, log: log, config: cfg}
}

// Insert puts the tracking item unless one already exists for the message.
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
	_, err := t.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName: aws.String(t.config.Table),
		Item: map[string]types.AttributeValue{
			"msg_id":       &types.AttributeValueMemberS{Value: record.MsgID},
			"run_id":       &types.AttributeValueMemberS{Value: record.RunID},
			"queue_name":   &types.AttributeValueMemberS{Value: record.QueueName},
			"attempt":      &types.AttributeValueMemberN{Value: strconv.Itoa(record.Attempt)},
			"max_attempts": &types.AttributeValueMemberN{Value: strconv.Itoa(record.MaxAttempts)},
			"created_at":   &types.AttributeValueMemberS{Value: formatTime(createdAt)},
		},
		ConditionExpression: aws.String("attribute_not_exists(msg_id)"),
	})
	if err != nil && !IsConditionalCheckFailed(err) {
		return fmt.Errorf("insert tracking record %s: %w", record.MsgID, err)
	}
	return nil
}

// Update sets the non-nil timestamps on an existing item. A missing item is not an error.
func (t *Tracker) Update(ctx context.Context, msgID string, update jobs.TrackingUpdate) error {
	expr, values := updateExpression(update)
	if expr == "" {
		return nil
	}
	if err := t.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := t.withOperationTimeout(ctx)
	defer cancel()

	_, err := t.client.UpdateItem(opCtx, &dynamodb.UpdateItemInput{
		TableName: aws.String(t.config.Table),
		Key: map[string]types.AttributeValue{
			"msg_id": &types.AttributeValueMemberS{Value: msgID},
		},
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(msg_id)"),
		ExpressionAttributeValues: values,
	})
	if err != nil && !IsConditionalCheckFailed(err) {
		return fmt.Errorf("update tracking record %s: %w", msgID, err)
	}
	return nil
}

// HealthCheck describes the tracking table.
func (t *Tracker) HealthCheck(ctx context.Context) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := t.client.DescribeTable(hcCtx, &dynamodb.DescribeTableInput{TableName: aws.String(t.config.Table)})
	if err != nil {
		t.log.Error("dynamodb tracker health check failed", "error", err)
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

// Close marks the tracker closed; the SDK client holds no connections to release.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Tracker) ensureOpen() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errors.New("dynamodb tracker is closed")
	}
	if t.client == nil {
		return errors.New("dynamodb tracker is not initialized")
	}
	return nil
}

func (t *Tracker) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.config.OperationTimeout)
}

func updateExpression(update jobs.TrackingUpdate) (string, map[string]types.AttributeValue) {
	var sets []string
	values := map[string]types.AttributeValue{}
	add := func(field, placeholder string, ts *time.Time) {
		if ts == nil {
			return
		}
		sets = append(sets, field+" = "+placeholder)
		values[placeholder] = &types.AttributeValueMemberS{Value: formatTime(*ts)}
	}
	add("started_at", ":started", update.StartedAt)
	add("completed_at", ":completed", update.CompletedAt)
	add("moved_to_dlq_at", ":moved", update.MovedToDLQAt)
	if len(sets) == 0 {
		return "", nil
	}
	return "SET " + strings.Join(sets, ", "), values
}

// IsConditionalCheckFailed reports whether err is a failed condition expression.
func IsConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// IsThrottlingError reports whether err is a provisioned throughput rejection.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	var pte *types.ProvisionedThroughputExceededException
	return errors.As(err, &pte)
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
