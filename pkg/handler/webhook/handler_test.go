package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

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

func sampleJob() *jobs.QueuedJob {
	return &jobs.QueuedJob{
		MsgID:      "17",
		ReadCount:  2,
		EnqueuedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Job: jobs.Job{
			RunID:       "run-1",
			WorkflowID:  "wf-1",
			ProjectID:   "proj-1",
			Attempt:     2,
			MaxAttempts: 5,
		},
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty", Config{}},
		{"relative", Config{URL: "/hook"}},
		{"bad scheme", Config{URL: "ftp://example.com/hook"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, nil, &mockLogger{}); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if _, err := New(Config{URL: "http://localhost/hook"}, nil, nil); err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestHandle_PostsJob(t *testing.T) {
	var got Request
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h, err := New(Config{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer token"}}, srv.Client(), &mockLogger{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := h.Handle(context.Background(), sampleJob()); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got.MsgID != "17" || got.ReadCount != 2 || got.Job.RunID != "run-1" || got.Job.Attempt != 2 {
		t.Fatalf("unexpected body: %+v", got)
	}
	if headers.Get(HeaderMsgID) != "17" || headers.Get(HeaderAttempt) != "2" || headers.Get(HeaderRunID) != "run-1" {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if headers.Get("Authorization") != "Bearer token" {
		t.Fatalf("expected custom header, got %v", headers)
	}
	if headers.Get("Content-Type") != "application/json" {
		t.Fatalf("expected json content type, got %q", headers.Get("Content-Type"))
	}
}

func TestHandle_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 2000), http.StatusBadGateway)
	}))
	defer srv.Close()

	h, err := New(Config{URL: srv.URL}, srv.Client(), &mockLogger{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = h.Handle(context.Background(), sampleJob())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", statusErr.StatusCode)
	}
	if len(statusErr.Body) > maxErrorBodyLen {
		t.Fatalf("body must be truncated, got %d bytes", len(statusErr.Body))
	}
}

func TestHandle_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h, err := New(Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client(), &mockLogger{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := h.Handle(context.Background(), sampleJob()); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestHandle_NilJob(t *testing.T) {
	h, err := New(Config{URL: "http://localhost/hook"}, nil, &mockLogger{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := h.Handle(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil job")
	}
}

func TestStatusError(t *testing.T) {
	if got := (&StatusError{StatusCode: 500}).Error(); got != "webhook returned status 500" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := (&StatusError{StatusCode: 400, Body: "bad"}).Error(); got != "webhook returned status 400: bad" {
		t.Fatalf("unexpected message %q", got)
	}
}
