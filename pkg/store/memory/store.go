// Package memory provides an in-process MessageStore with pgmq semantics: per-message
// visibility timeouts, delayed sends and an archive per queue.
package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/runqueue/pkg/jobs"
)

var errClosed = errors.New("memory store is closed")

type message struct {
	id         int64
	readCount  int
	enqueuedAt time.Time
	visibleAt  time.Time
	payload    []byte
}

func (m *message) export() *jobs.Message {
	return &jobs.Message{
		ID:         strconv.FormatInt(m.id, 10),
		ReadCount:  m.readCount,
		EnqueuedAt: m.enqueuedAt,
		VisibleAt:  m.visibleAt,
		Payload:    append([]byte(nil), m.payload...),
	}
}

type queue struct {
	nextID   int64
	total    int64
	live     map[int64]*message
	archived []*message
}

// Option customizes a Store.
type Option func(*Store)

// WithClock drives visibility and delays from clock instead of the wall clock.
func WithClock(clock jobs.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Store is a MessageStore held entirely in memory. It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	clock  jobs.Clock
	queues map[string]*queue
	closed bool
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:  jobs.SystemClock{},
		queues: map[string]*queue{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) queueLocked(name string) (*queue, error) {
	if s.closed {
		return nil, errClosed
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	q, ok := s.queues[name]
	if !ok {
		q = &queue{live: map[int64]*message{}}
		s.queues[name] = q
	}
	return q, nil
}

// Send implements jobs.MessageStore.
func (s *Store) Send(ctx context.Context, queueName string, payload []byte, delay time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueLocked(queueName)
	if err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}
	now := s.clock.Now()
	q.nextID++
	q.total++
	q.live[q.nextID] = &message{
		id:         q.nextID,
		enqueuedAt: now,
		visibleAt:  now.Add(delay),
		payload:    append([]byte(nil), payload...),
	}
	return strconv.FormatInt(q.nextID, 10), nil
}

// Read implements jobs.MessageStore. Messages are returned oldest id first.
func (s *Store) Read(ctx context.Context, queueName string, visibilityTimeout time.Duration, quantity int) ([]*jobs.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueLocked(queueName)
	if err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, nil
	}
	if visibilityTimeout < 0 {
		visibilityTimeout = 0
	}

	now := s.clock.Now()
	out := make([]*jobs.Message, 0, quantity)
	for _, msg := range q.sorted() {
		if len(out) == quantity {
			break
		}
		if msg.visibleAt.After(now) {
			continue
		}
		msg.readCount++
		msg.visibleAt = now.Add(visibilityTimeout)
		out = append(out, msg.export())
	}
	return out, nil
}

// Delete implements jobs.MessageStore.
func (s *Store) Delete(ctx context.Context, queueName, msgID string) (bool, error) {
	return s.remove(ctx, queueName, msgID, false)
}

// Archive implements jobs.MessageStore.
func (s *Store) Archive(ctx context.Context, queueName, msgID string) (bool, error) {
	return s.remove(ctx, queueName, msgID, true)
}

func (s *Store) remove(ctx context.Context, queueName, msgID string, archive bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueLocked(queueName)
	if err != nil {
		return false, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(msgID), 10, 64)
	if err != nil {
		return false, nil
	}
	msg, ok := q.live[id]
	if !ok {
		return false, nil
	}
	delete(q.live, id)
	if archive {
		q.archived = append(q.archived, msg)
	}
	return true, nil
}

// Purge implements jobs.MessageStore.
func (s *Store) Purge(ctx context.Context, queueName string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueLocked(queueName)
	if err != nil {
		return 0, err
	}
	count := int64(len(q.live))
	q.live = map[int64]*message{}
	return count, nil
}

// Metrics implements jobs.MessageStore.
func (s *Store) Metrics(ctx context.Context, queueName string) (*jobs.StoreMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueLocked(queueName)
	if err != nil {
		return nil, err
	}
	metrics := &jobs.StoreMetrics{
		Length:        int64(len(q.live)),
		TotalMessages: q.total,
	}
	messages := q.sorted()
	if len(messages) > 0 {
		now := s.clock.Now()
		metrics.OldestAge = now.Sub(messages[0].enqueuedAt)
		metrics.NewestAge = now.Sub(messages[len(messages)-1].enqueuedAt)
	}
	return metrics, nil
}

// Archived returns copies of the archived messages of queueName, oldest first.
func (s *Store) Archived(queueName string) []*jobs.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[strings.TrimSpace(queueName)]
	if !ok {
		return nil
	}
	out := make([]*jobs.Message, 0, len(q.archived))
	for _, msg := range q.archived {
		out = append(out, msg.export())
	}
	return out
}

// HealthCheck reports whether the store is open.
func (s *Store) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close releases every queue. Further calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queues = map[string]*queue{}
	return nil
}

func (q *queue) sorted() []*message {
	out := make([]*message, 0, len(q.live))
	for _, msg := range q.live {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
