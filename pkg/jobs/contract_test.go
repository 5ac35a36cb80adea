package jobs

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func validJob() Job {
	return Job{
		RunID:       "run-1",
		WorkflowID:  "wf-1",
		ProjectID:   "proj-1",
		Attempt:     1,
		MaxAttempts: 5,
		EnqueuedAt:  time.Date(2026, 2, 26, 2, 0, 0, 0, time.UTC),
		Metadata:    map[string]any{"step": "http"},
	}
}

func TestJobValidate(t *testing.T) {
	job := validJob()
	if err := job.Validate(); err != nil {
		t.Fatalf("expected valid job, got %v", err)
	}
}

func TestJobValidateMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Job)
		field  string
	}{
		{name: "run id", mutate: func(j *Job) { j.RunID = " " }, field: "run_id"},
		{name: "workflow id", mutate: func(j *Job) { j.WorkflowID = "" }, field: "workflow_id"},
		{name: "project id", mutate: func(j *Job) { j.ProjectID = "" }, field: "project_id"},
		{name: "negative attempt", mutate: func(j *Job) { j.Attempt = -1 }, field: "attempt"},
		{name: "negative max attempts", mutate: func(j *Job) { j.MaxAttempts = -2 }, field: "max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := validJob()
			tt.mutate(&job)
			err := job.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Fatalf("expected %s validation error, got %v", tt.field, err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestJobValidateNil(t *testing.T) {
	var job *Job
	if err := job.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for nil job, got %v", err)
	}
}

func TestDeadLetterJobFlattensOriginalPayload(t *testing.T) {
	dead := DeadLetterJob{
		Job:           validJob(),
		OriginalMsgID: "17",
		MovedToDLQAt:  time.Date(2026, 2, 26, 3, 0, 0, 0, time.UTC),
		ErrorMessage:  "boom",
		ReadCount:     3,
	}
	data, err := json.Marshal(dead)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, key := range []string{"run_id", "workflow_id", "project_id", "attempt", "original_msg_id", "moved_to_dlq_at", "error_message", "read_count"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("expected top-level key %q in %s", key, data)
		}
	}
	if _, ok := raw["error_stack"]; ok {
		t.Fatalf("empty error_stack must be omitted: %s", data)
	}
}

func TestDecodeQueuedJob(t *testing.T) {
	payload, err := encodeJob(validJob())
	if err != nil {
		t.Fatalf("encodeJob() error = %v", err)
	}
	queued, err := decodeQueuedJob(&Message{ID: "9", ReadCount: 2, Payload: payload})
	if err != nil {
		t.Fatalf("decodeQueuedJob() error = %v", err)
	}
	if queued.MsgID != "9" || queued.ReadCount != 2 || queued.Job.RunID != "run-1" {
		t.Fatalf("unexpected queued job %+v", queued)
	}

	if _, err := decodeQueuedJob(&Message{ID: "10", Payload: []byte("not json")}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for bad payload, got %v", err)
	}
	if _, err := decodeQueuedJob(nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for nil message, got %v", err)
	}
}

func TestCloneMetadataIsIndependent(t *testing.T) {
	original := map[string]any{"a": 1}
	cloned := cloneMetadata(original)
	cloned["b"] = 2
	if _, ok := original["b"]; ok {
		t.Fatal("clone must not alias the original map")
	}
	if cloneMetadata(nil) != nil {
		t.Fatal("empty metadata clones to nil")
	}
}
