package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/spf13/cobra"
)

func (a *app) newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect, replay and purge dead-letter jobs",
	}
	cmd.AddCommand(
		a.newDLQListCommand(),
		a.newDLQGetCommand(),
		a.newDLQReplayCommand(),
		a.newDLQDeleteCommand(),
		a.newDLQPurgeCommand(),
		a.newDLQGroupsCommand(),
		a.newDLQMetricsCommand(),
	)
	return cmd
}

func (a *app) newDLQListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter jobs without hiding them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				entries, err := rt.dlq.ListDeadLetterJobs(ctx, limit)
				if err != nil {
					return err
				}
				views := make([]dlqEntryView, 0, len(entries))
				for _, e := range entries {
					views = append(views, entryView(e))
				}
				return printJSON(cmd.OutOrStdout(), views)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", jobs.DefaultDLQListLimit, "maximum entries to list")
	return cmd
}

func (a *app) newDLQGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <msg-id>",
		Short: "Show one dead-letter job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				entry, err := rt.dlq.GetDeadLetterJob(ctx, args[0])
				if err != nil {
					return err
				}
				if entry == nil {
					return fmt.Errorf("%w: dead-letter job %s not found", jobs.ErrNotFound, args[0])
				}
				return printJSON(cmd.OutOrStdout(), entryView(entry))
			})
		},
	}
}

func (a *app) newDLQReplayCommand() *cobra.Command {
	var (
		target string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "replay [msg-id...]",
		Short: "Re-enqueue dead-letter jobs as fresh attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("pass message ids or --all, not both")
			}
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				ids := args
				if all {
					entries, err := rt.dlq.ListDeadLetterJobs(ctx, rt.cfg.DLQ.ScanLimit)
					if err != nil {
						return err
					}
					for _, e := range entries {
						ids = append(ids, e.MsgID)
					}
				}
				if len(ids) == 1 && !all {
					newID, err := rt.dlq.ReplayDeadLetterJob(ctx, ids[0], target)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]any{"msg_id": ids[0], "new_msg_id": newID})
				}
				result, err := rt.dlq.ReplayMultipleJobs(ctx, ids, target)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if result.Failed > 0 {
					return fmt.Errorf("%d of %d replays failed", result.Failed, len(ids))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "queue to replay into (main queue when empty)")
	cmd.Flags().BoolVar(&all, "all", false, "replay every listed dead-letter job")
	return cmd
}

func (a *app) newDLQDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <msg-id>",
		Short: "Permanently delete one dead-letter job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				deleted, err := rt.dlq.DeleteDeadLetterJob(ctx, args[0])
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("%w: dead-letter job %s not found", jobs.ErrNotFound, args[0])
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"msg_id": args[0], "deleted": true})
			})
		},
	}
}

func (a *app) newDLQPurgeCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead-letter job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to purge without --yes")
			}
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				count, err := rt.dlq.PurgeDLQ(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"queue": rt.dlq.Name(), "purged": count})
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}

type dlqGroupView struct {
	ErrorMessage string   `json:"error_message"`
	Count        int      `json:"count"`
	MsgIDs       []string `json:"msg_ids"`
}

func (a *app) newDLQGroupsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "Group dead-letter jobs by error message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				groups, err := rt.dlq.GetJobsByErrorType(ctx)
				if err != nil {
					return err
				}
				views := make([]dlqGroupView, 0, len(groups))
				for message, entries := range groups {
					view := dlqGroupView{ErrorMessage: message, Count: len(entries)}
					for _, e := range entries {
						view.MsgIDs = append(view.MsgIDs, e.MsgID)
					}
					views = append(views, view)
				}
				sort.Slice(views, func(i, j int) bool {
					if views[i].Count != views[j].Count {
						return views[i].Count > views[j].Count
					}
					return views[i].ErrorMessage < views[j].ErrorMessage
				})
				return printJSON(cmd.OutOrStdout(), views)
			})
		},
	}
}

func (a *app) newDLQMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print dead-letter queue metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				m, err := rt.dlq.GetDLQMetrics(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), metricsView(m))
			})
		},
	}
}
