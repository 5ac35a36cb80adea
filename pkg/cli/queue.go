package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

func (a *app) newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or purge the main queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "metrics",
		Short: "Print main queue metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				m, err := rt.queue.GetQueueMetrics(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), metricsView(m))
			})
		},
	})

	var yes bool
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete every message in the main queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to purge without --yes")
			}
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				count, err := rt.queue.PurgeQueue(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"queue": rt.queue.Name(), "purged": count})
			})
		},
	}
	purge.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	cmd.AddCommand(purge)
	return cmd
}
