// Package sqs implements jobs.MessageStore on Amazon SQS.
//
// SQS addresses messages by receipt handle rather than id, so the store remembers the
// latest receipt handle and body of every message it has read until its visibility window
// passes. Delete and Archive only succeed for messages this process has read. Archive is a copy into the
// "<queue><ArchiveSuffix>" queue followed by a delete.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
)

const (
	defaultOperationTimeout = 30 * time.Second
	defaultArchiveSuffix    = "_archive"

	maxDelay             = 15 * time.Minute
	maxVisibilityTimeout = 12 * time.Hour
	maxBatch             = 10
)

// API is the subset of the SQS client the store uses.
type API interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	PurgeQueue(ctx context.Context, params *sqs.PurgeQueueInput, optFns ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config holds SQS connection settings.
type Config struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	ArchiveSuffix    string
	OperationTimeout time.Duration
	// HealthQueue is resolved by HealthCheck; empty skips the probe.
	HealthQueue string
}

func (c *Config) normalize() {
	c.Region = strings.TrimSpace(c.Region)
	if strings.TrimSpace(c.ArchiveSuffix) == "" {
		c.ArchiveSuffix = defaultArchiveSuffix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

type receipt struct {
	handle    string
	body      string
	visibleAt time.Time
}

// Store is a MessageStore over SQS queues.
type Store struct {
	client API
	log    logger.Logger
	clock  jobs.Clock
	config Config

	mu       sync.Mutex
	urls     map[string]string
	receipts map[string]receipt
	closed   bool
}

var (
	_ jobs.MessageStore = (*Store)(nil)
	_ jobs.Adapter      = (*Store)(nil)
)

// New builds an SQS client from cfg with an optional custom endpoint.
func New(cfg Config, log logger.Logger) (*Store, error) {
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

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	store := NewWithClient(sqs.NewFromConfig(awsCfg, opts...), cfg, log)
	if err := store.HealthCheck(context.Background()); err != nil {
		return nil, err
	}
	log.Info("sqs store ready", "region", cfg.Region, "endpoint", cfg.Endpoint)
	return store, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, cfg Config, log logger.Logger) *Store {
	cfg.normalize()
	return &Store{
		client:   client,
		log:      log,
		clock:    jobs.SystemClock{},
		config:   cfg,
		urls:     map[string]string{},
		receipts: map[string]receipt{},
	}
}

// Send enqueues payload. SQS caps delays at 15 minutes; longer delays are clamped.
func (s *Store) Send(ctx context.Context, queue string, payload []byte, delay time.Duration) (string, error) {
	url, err := s.queueURL(ctx, queue)
	if err != nil {
		return "", err
	}
	return s.send(ctx, queue, url, string(payload), delay)
}

func (s *Store) send(ctx context.Context, queue, url, body string, delay time.Duration) (string, error) {
	if delay > maxDelay {
		s.log.Warn("sqs delay clamped", "queue", queue, "delay", delay, "max_delay", maxDelay)
		delay = maxDelay
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(body),
	}
	if strings.HasSuffix(queue, ".fifo") {
		input.MessageGroupId = aws.String(queue)
		input.MessageDeduplicationId = aws.String(uuid.NewString())
	} else {
		input.DelaySeconds = seconds(delay)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	out, err := s.client.SendMessage(opCtx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

// Read short-polls up to quantity messages, ten per request, hiding them for
// visibilityTimeout.
func (s *Store) Read(ctx context.Context, queue string, visibilityTimeout time.Duration, quantity int) ([]*jobs.Message, error) {
	if quantity <= 0 {
		return nil, nil
	}
	url, err := s.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	if visibilityTimeout > maxVisibilityTimeout {
		visibilityTimeout = maxVisibilityTimeout
	}

	now := s.clock.Now()
	s.evictExpired(now)

	seen := map[string]bool{}
	messages := make([]*jobs.Message, 0, min(quantity, maxBatch))
	for len(messages) < quantity {
		batch := int32(min(quantity-len(messages), maxBatch))
		opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
		out, err := s.client.ReceiveMessage(opCtx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(url),
			MaxNumberOfMessages: batch,
			VisibilityTimeout:   seconds(visibilityTimeout),
			WaitTimeSeconds:     0,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
				types.MessageSystemAttributeNameSentTimestamp,
			},
		})
		cancel()
		if err != nil {
			return nil, err
		}

		added := 0
		visibleAt := now.Add(visibilityTimeout)
		for _, m := range out.Messages {
			id := aws.ToString(m.MessageId)
			if seen[id] {
				continue
			}
			seen[id] = true
			added++
			s.remember(queue, id, receipt{handle: aws.ToString(m.ReceiptHandle), body: aws.ToString(m.Body), visibleAt: visibleAt})
			messages = append(messages, &jobs.Message{
				ID:         id,
				ReadCount:  atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]),
				EnqueuedAt: millis(m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]),
				VisibleAt:  visibleAt,
				Payload:    []byte(aws.ToString(m.Body)),
			})
		}
		if added == 0 || len(out.Messages) < int(batch) {
			break
		}
	}
	return messages, nil
}

// Delete removes a message read by this store. Unknown ids report false.
func (s *Store) Delete(ctx context.Context, queue, msgID string) (bool, error) {
	rcpt, ok := s.lookup(queue, msgID)
	if !ok {
		return false, nil
	}
	url, err := s.queueURL(ctx, queue)
	if err != nil {
		return false, err
	}
	if err := s.deleteMessage(ctx, url, rcpt.handle); err != nil {
		return false, err
	}
	s.forget(queue, msgID)
	return true, nil
}

// Archive copies the message body into the archive queue, then deletes the original.
func (s *Store) Archive(ctx context.Context, queue, msgID string) (bool, error) {
	rcpt, ok := s.lookup(queue, msgID)
	if !ok {
		return false, nil
	}
	url, err := s.queueURL(ctx, queue)
	if err != nil {
		return false, err
	}
	archiveQueue := queue + s.config.ArchiveSuffix
	archiveURL, err := s.queueURL(ctx, archiveQueue)
	if err != nil {
		return false, err
	}
	if _, err := s.send(ctx, archiveQueue, archiveURL, rcpt.body, 0); err != nil {
		return false, fmt.Errorf("copy to %s: %w", archiveQueue, err)
	}
	if err := s.deleteMessage(ctx, url, rcpt.handle); err != nil {
		return false, err
	}
	s.forget(queue, msgID)
	return true, nil
}

// Purge clears the queue. SQS reports no exact count, so the approximate number of
// live messages read just before the purge is returned.
func (s *Store) Purge(ctx context.Context, queue string) (int64, error) {
	url, err := s.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}
	count, err := s.approximateCount(ctx, url)
	if err != nil {
		return 0, err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	if _, err := s.client.PurgeQueue(opCtx, &sqs.PurgeQueueInput{QueueUrl: aws.String(url)}); err != nil {
		return 0, err
	}

	s.mu.Lock()
	prefix := queue + "/"
	for key := range s.receipts {
		if strings.HasPrefix(key, prefix) {
			delete(s.receipts, key)
		}
	}
	s.mu.Unlock()
	return count, nil
}

// Metrics reports the approximate number of live messages. SQS exposes no message
// ages or lifetime totals, so ages are zero and TotalMessages equals Length.
func (s *Store) Metrics(ctx context.Context, queue string) (*jobs.StoreMetrics, error) {
	url, err := s.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	count, err := s.approximateCount(ctx, url)
	if err != nil {
		return nil, err
	}
	return &jobs.StoreMetrics{Length: count, TotalMessages: count}, nil
}

// HealthCheck resolves the configured health queue.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if s.config.HealthQueue == "" {
		return nil
	}
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := s.client.GetQueueUrl(hcCtx, &sqs.GetQueueUrlInput{QueueName: aws.String(s.config.HealthQueue)}); err != nil {
		return fmt.Errorf("sqs health check failed: %w", err)
	}
	return nil
}

// Close marks the store closed. The SDK client holds no connections to release.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.receipts = map[string]receipt{}
	return nil
}

func (s *Store) approximateCount(ctx context.Context, url string) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	out, err := s.client.GetQueueAttributes(opCtx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(url),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, name := range []types.QueueAttributeName{
		types.QueueAttributeNameApproximateNumberOfMessages,
		types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
	} {
		total += int64(atoi(out.Attributes[string(name)]))
	}
	return total, nil
}

func (s *Store) deleteMessage(ctx context.Context, url, handle string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	_, err := s.client.DeleteMessage(opCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(handle),
	})
	return err
}

func (s *Store) queueURL(ctx context.Context, queue string) (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return "", errors.New("queue is required")
	}

	s.mu.Lock()
	url, ok := s.urls[queue]
	s.mu.Unlock()
	if ok {
		return url, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	out, err := s.client.GetQueueUrl(opCtx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", fmt.Errorf("resolve queue %s: %w", queue, err)
	}
	url = aws.ToString(out.QueueUrl)

	s.mu.Lock()
	s.urls[queue] = url
	s.mu.Unlock()
	return url, nil
}

func (s *Store) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sqs store is closed")
	}
	return nil
}

func (s *Store) remember(queue, msgID string, r receipt) {
	s.mu.Lock()
	s.receipts[strings.TrimSpace(queue)+"/"+strings.TrimSpace(msgID)] = r
	s.mu.Unlock()
}

func (s *Store) lookup(queue, msgID string) (receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[strings.TrimSpace(queue)+"/"+strings.TrimSpace(msgID)]
	return r, ok
}

// evictExpired drops handles whose visibility window has passed; another consumer may
// already hold a newer handle for the same message.
func (s *Store) evictExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, r := range s.receipts {
		if !r.visibleAt.After(now) {
			delete(s.receipts, key)
		}
	}
}

func (s *Store) forget(queue, msgID string) {
	s.mu.Lock()
	delete(s.receipts, strings.TrimSpace(queue)+"/"+strings.TrimSpace(msgID))
	s.mu.Unlock()
}

func seconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	return int32(math.Ceil(d.Seconds()))
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

func millis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
