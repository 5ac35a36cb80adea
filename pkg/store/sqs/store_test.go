package sqs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

type sentMessage struct {
	id    string
	body  string
	delay int32
	group string
}

// fakeSQS keeps per-queue message lists; receive returns every message still present.
type fakeSQS struct {
	mu        sync.Mutex
	nextID    int
	queues    map[string][]sentMessage
	deleted   []string
	purged    []string
	receives  int
	sendErr   error
	unknownQ  string
	lastVT    int32
	approxLen string
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{queues: map[string][]sentMessage{}, approxLen: "0"}
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	name := aws.ToString(in.QueueName)
	if name == f.unknownQ {
		return nil, &types.QueueDoesNotExist{Message: aws.String("no such queue")}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/" + name)}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	id := "m-" + strconv.Itoa(f.nextID)
	url := aws.ToString(in.QueueUrl)
	f.queues[url] = append(f.queues[url], sentMessage{
		id:    id,
		body:  aws.ToString(in.MessageBody),
		delay: in.DelaySeconds,
		group: aws.ToString(in.MessageGroupId),
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives++
	f.lastVT = in.VisibilityTimeout
	out := &sqs.ReceiveMessageOutput{}
	for _, m := range f.queues[aws.ToString(in.QueueUrl)] {
		if len(out.Messages) == int(in.MaxNumberOfMessages) {
			break
		}
		out.Messages = append(out.Messages, types.Message{
			MessageId:     aws.String(m.id),
			ReceiptHandle: aws.String("rh-" + m.id),
			Body:          aws.String(m.body),
			Attributes: map[string]string{
				"ApproximateReceiveCount": "2",
				"SentTimestamp":           "1772366400000",
			},
		})
	}
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handle := aws.ToString(in.ReceiptHandle)
	url := aws.ToString(in.QueueUrl)
	kept := f.queues[url][:0]
	for _, m := range f.queues[url] {
		if "rh-"+m.id != handle {
			kept = append(kept, m)
		}
	}
	f.queues[url] = kept
	f.deleted = append(f.deleted, handle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) PurgeQueue(_ context.Context, in *sqs.PurgeQueueInput, _ ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, aws.ToString(in.QueueUrl))
	delete(f.queues, aws.ToString(in.QueueUrl))
	return &sqs.PurgeQueueOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		"ApproximateNumberOfMessages":           f.approxLen,
		"ApproximateNumberOfMessagesNotVisible": "1",
		"ApproximateNumberOfMessagesDelayed":    "1",
	}}, nil
}

func newTestStore() (*Store, *fakeSQS) {
	fake := newFakeSQS()
	return NewWithClient(fake, Config{Region: "eu-west-1"}, &mockLogger{}), fake
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Region: "eu-west-1"}, nil); err == nil {
		t.Fatal("expected error for nil logger")
	}
	if _, err := New(Config{}, &mockLogger{}); err == nil {
		t.Fatal("expected error for empty region")
	}
}

func TestSend_DelayRoundedAndClamped(t *testing.T) {
	store, fake := newTestStore()
	ctx := context.Background()

	if _, err := store.Send(ctx, "workflow_jobs", []byte(`{"run_id":"a"}`), 1500*time.Millisecond); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := store.Send(ctx, "workflow_jobs", []byte(`{"run_id":"b"}`), time.Hour); err != nil {
		t.Fatalf("send: %v", err)
	}

	sent := fake.queues["https://sqs.local/workflow_jobs"]
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	if sent[0].delay != 2 {
		t.Fatalf("delay = %d, want 2", sent[0].delay)
	}
	if sent[1].delay != 900 {
		t.Fatalf("delay = %d, want clamped 900", sent[1].delay)
	}
}

func TestSend_FIFOQueueUsesGroupAndNoDelay(t *testing.T) {
	store, fake := newTestStore()
	if _, err := store.Send(context.Background(), "jobs.fifo", []byte(`{}`), time.Minute); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := fake.queues["https://sqs.local/jobs.fifo"][0]
	if sent.group != "jobs.fifo" || sent.delay != 0 {
		t.Fatalf("unexpected fifo send %+v", sent)
	}
}

func TestReadThenDelete(t *testing.T) {
	store, fake := newTestStore()
	ctx := context.Background()
	id, err := store.Send(ctx, "workflow_jobs", []byte(`{"run_id":"a"}`), 0)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	messages, err := store.Read(ctx, "workflow_jobs", 30*time.Second, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != id || messages[0].ReadCount != 2 {
		t.Fatalf("unexpected read %+v", messages)
	}
	if messages[0].EnqueuedAt.UnixMilli() != 1772366400000 {
		t.Fatalf("EnqueuedAt = %v", messages[0].EnqueuedAt)
	}
	if fake.lastVT != 30 {
		t.Fatalf("visibility timeout = %d, want 30", fake.lastVT)
	}

	deleted, err := store.Delete(ctx, "workflow_jobs", id)
	if err != nil || !deleted {
		t.Fatalf("Delete() = %v, %v", deleted, err)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "rh-"+id {
		t.Fatalf("unexpected delete calls %v", fake.deleted)
	}

	deleted, err = store.Delete(ctx, "workflow_jobs", id)
	if err != nil || deleted {
		t.Fatalf("second Delete() = %v, %v", deleted, err)
	}
}

func TestRead_EvictsReceiptsPastVisibility(t *testing.T) {
	store, fake := newTestStore()
	clock := jobs.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store.clock = clock
	ctx := context.Background()

	stale, _ := store.Send(ctx, "workflow_jobs", []byte(`{"run_id":"a"}`), 0)
	if _, err := store.Read(ctx, "workflow_jobs", 30*time.Second, 1); err != nil {
		t.Fatalf("read: %v", err)
	}
	fresh, _ := store.Send(ctx, "dead_letter_jobs", []byte(`{"run_id":"b"}`), 0)

	clock.Advance(31 * time.Second)
	if _, err := store.Read(ctx, "dead_letter_jobs", 30*time.Second, 1); err != nil {
		t.Fatalf("read: %v", err)
	}

	store.mu.Lock()
	remembered := len(store.receipts)
	store.mu.Unlock()
	if remembered != 1 {
		t.Fatalf("remembered receipts = %d, want 1", remembered)
	}
	if deleted, err := store.Delete(ctx, "workflow_jobs", stale); err != nil || deleted {
		t.Fatalf("Delete(expired) = %v, %v", deleted, err)
	}
	if deleted, err := store.Delete(ctx, "dead_letter_jobs", fresh); err != nil || !deleted {
		t.Fatalf("Delete(fresh) = %v, %v", deleted, err)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "rh-"+fresh {
		t.Fatalf("unexpected delete calls %v", fake.deleted)
	}
}

func TestRead_BatchesAndDeduplicates(t *testing.T) {
	store, fake := newTestStore()
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		if _, err := store.Send(ctx, "workflow_jobs_dlq", []byte(`{}`), 0); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	// The fake redelivers the same head messages, so a scan stops once nothing new arrives.
	messages, err := store.Read(ctx, "workflow_jobs_dlq", 0, 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(messages) != 10 {
		t.Fatalf("read %d messages, want 10 unique", len(messages))
	}
	if fake.receives != 2 {
		t.Fatalf("receives = %d, want 2", fake.receives)
	}
}

func TestArchive_CopiesThenDeletes(t *testing.T) {
	store, fake := newTestStore()
	ctx := context.Background()
	id, _ := store.Send(ctx, "workflow_jobs", []byte(`{"run_id":"a"}`), 0)

	archived, err := store.Archive(ctx, "workflow_jobs", id)
	if err != nil || archived {
		t.Fatalf("archive of an unread message = %v, %v; want false", archived, err)
	}

	if _, err := store.Read(ctx, "workflow_jobs", time.Second, 1); err != nil {
		t.Fatalf("read: %v", err)
	}
	archived, err = store.Archive(ctx, "workflow_jobs", id)
	if err != nil || !archived {
		t.Fatalf("Archive() = %v, %v", archived, err)
	}
	copies := fake.queues["https://sqs.local/workflow_jobs_archive"]
	if len(copies) != 1 || copies[0].body != `{"run_id":"a"}` {
		t.Fatalf("unexpected archive copies %+v", copies)
	}
	if len(fake.queues["https://sqs.local/workflow_jobs"]) != 0 {
		t.Fatal("original must be deleted after archiving")
	}
}

func TestArchive_CopyFailureKeepsOriginal(t *testing.T) {
	store, fake := newTestStore()
	ctx := context.Background()
	id, _ := store.Send(ctx, "workflow_jobs", []byte(`{}`), 0)
	if _, err := store.Read(ctx, "workflow_jobs", time.Second, 1); err != nil {
		t.Fatalf("read: %v", err)
	}

	boom := errors.New("throttled")
	fake.sendErr = boom
	if _, err := store.Archive(ctx, "workflow_jobs", id); !errors.Is(err, boom) {
		t.Fatalf("expected copy error, got %v", err)
	}
	if len(fake.deleted) != 0 {
		t.Fatal("original must not be deleted when the copy fails")
	}
}

func TestPurgeAndMetrics(t *testing.T) {
	store, fake := newTestStore()
	fake.approxLen = "3"
	ctx := context.Background()

	metrics, err := store.Metrics(ctx, "workflow_jobs")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics.Length != 5 || metrics.TotalMessages != 5 || metrics.OldestAge != 0 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}

	count, err := store.Purge(ctx, "workflow_jobs")
	if err != nil || count != 5 {
		t.Fatalf("Purge() = %d, %v", count, err)
	}
	if len(fake.purged) != 1 {
		t.Fatalf("purge calls = %v", fake.purged)
	}
}

func TestUnknownQueueAndClosedStore(t *testing.T) {
	store, fake := newTestStore()
	fake.unknownQ = "missing"
	if _, err := store.Send(context.Background(), "missing", []byte(`{}`), 0); err == nil {
		t.Fatal("expected unknown queue error")
	}

	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := store.Send(context.Background(), "workflow_jobs", []byte(`{}`), 0); err == nil {
		t.Fatal("send must fail when closed")
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("health check must fail when closed")
	}
}
