package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/spf13/cobra"
)

func (a *app) newEnqueueCommand() *cobra.Command {
	var (
		job   jobs.Job
		delay time.Duration
		meta  []string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue one workflow job on the main queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			job.Metadata = metadata
			if delay < 0 {
				return fmt.Errorf("--delay must not be negative")
			}
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				msgID, err := rt.queue.Enqueue(ctx, job, delay)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"msg_id": msgID,
					"queue":  rt.queue.Name(),
					"run_id": job.RunID,
				})
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&job.RunID, "run-id", "", "workflow run id (required)")
	flags.StringVar(&job.WorkflowID, "workflow-id", "", "workflow id (required)")
	flags.StringVar(&job.ProjectID, "project-id", "", "project id (required)")
	flags.IntVar(&job.MaxAttempts, "max-attempts", 0, "attempt budget (queue default when 0)")
	flags.DurationVar(&delay, "delay", 0, "delay before the job becomes visible")
	flags.StringArrayVar(&meta, "meta", nil, "metadata entry key=value (repeatable)")
	return cmd
}

// parseMetadata turns key=value pairs into a metadata map. Later keys win.
func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta %q (want key=value)", pair)
		}
		out[key] = value
	}
	return out, nil
}
