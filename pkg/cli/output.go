package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nimburion/runqueue/pkg/jobs"
	"gopkg.in/yaml.v3"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func formatSettings(settings map[string]interface{}) (string, error) {
	if settings == nil {
		return "{}\n", nil
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

type queueMetricsView struct {
	Name          string `json:"name"`
	Length        int64  `json:"length"`
	OldestAge     string `json:"oldest_age"`
	NewestAge     string `json:"newest_age"`
	TotalMessages int64  `json:"total_messages"`
}

func metricsView(m *jobs.QueueMetrics) queueMetricsView {
	return queueMetricsView{
		Name:          m.Name,
		Length:        m.Length,
		OldestAge:     m.OldestAge.Round(time.Millisecond).String(),
		NewestAge:     m.NewestAge.Round(time.Millisecond).String(),
		TotalMessages: m.TotalMessages,
	}
}

type dlqEntryView struct {
	MsgID      string              `json:"msg_id"`
	ReadCount  int                 `json:"read_count"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
	Job        *jobs.DeadLetterJob `json:"job"`
}

func entryView(e *jobs.DLQEntry) dlqEntryView {
	return dlqEntryView{MsgID: e.MsgID, ReadCount: e.ReadCount, EnqueuedAt: e.EnqueuedAt, Job: e.Job}
}
