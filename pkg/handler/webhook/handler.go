// Package webhook provides the job handler used by the runqueue worker command: every
// dequeued job is POSTed as JSON to a configured endpoint and any non-2xx answer fails it.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	defaultTimeout  = 30 * time.Second
	maxErrorBodyLen = 512

	HeaderMsgID   = "X-Runqueue-Msg-Id"
	HeaderAttempt = "X-Runqueue-Attempt"
	HeaderRunID   = "X-Runqueue-Run-Id"
)

// Config holds the webhook endpoint settings.
type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// Request is the JSON body POSTed for each job.
type Request struct {
	MsgID      string    `json:"msg_id"`
	ReadCount  int       `json:"read_count"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Job        jobs.Job  `json:"job"`
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// Handler posts jobs to an HTTP endpoint.
type Handler struct {
	client *http.Client
	log    logger.Logger
	config Config
}

// New validates cfg and builds a handler. A nil client uses a dedicated client with cfg.Timeout.
func New(cfg Config, client *http.Client, log logger.Logger) (*Handler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Handler{client: client, log: log, config: cfg}, nil
}

// Handle implements jobs.Handler.
func (h *Handler) Handle(ctx context.Context, job *jobs.QueuedJob) error {
	if job == nil {
		return errors.New("job is required")
	}
	body, err := json.Marshal(Request{
		MsgID:      job.MsgID,
		ReadCount:  job.ReadCount,
		EnqueuedAt: job.EnqueuedAt,
		Job:        job.Job,
	})
	if err != nil {
		return fmt.Errorf("encode webhook request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(HeaderMsgID, job.MsgID)
	req.Header.Set(HeaderRunID, job.Job.RunID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(job.Job.Attempt))
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(reqCtx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	h.log.Debug("webhook delivered",
		"msg_id", job.MsgID,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return nil
}
