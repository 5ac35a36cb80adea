package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/runqueue/pkg/config"
	"github.com/nimburion/runqueue/pkg/migrate"
	"github.com/spf13/cobra"
)

const setAuto = "auto"

func (a *app) newMigrateCommand() *cobra.Command {
	var (
		set     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the embedded schema migrations",
		Long: "Sets: pgmq (extension, both queues and the tracking table on store.postgres.url),\n" +
			"postgres or mysql (tracking table only on tracking.url). auto picks pgmq when the store\n" +
			"backend is pgmq, otherwise the tracking backend's set.",
	}
	cmd.PersistentFlags().StringVar(&set, "set", setAuto, "migration set: auto, pgmq, postgres, mysql")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "overall migration timeout")

	run := func(direction string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			steps := 1
			if direction == "down" && len(args) == 1 {
				parsed, err := strconv.Atoi(args[0])
				if err != nil || parsed < 1 {
					return fmt.Errorf("invalid down steps %q", args[0])
				}
				steps = parsed
			}
			cfg, log, err := a.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			target, url, err := resolveMigrationTarget(cfg, set)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			vars := migrate.Vars{Queue: cfg.Queue.Name, DLQ: cfg.Queue.DLQName, TrackingTable: cfg.Tracking.Table}
			status, err := migrate.RunWithURL(ctx, url, target, vars, direction, steps, migrate.Options{Timeout: timeout, Logger: log})
			if err != nil {
				return err
			}
			if status != nil {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"set":     target,
					"applied": status.AppliedVersions,
					"pending": status.Pending,
				})
			}
			return nil
		}
	}

	cmd.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply pending migrations", Args: cobra.NoArgs, RunE: run("up")},
		&cobra.Command{Use: "down [steps]", Short: "Revert the newest migrations (default 1)", Args: cobra.MaximumNArgs(1), RunE: run("down")},
		&cobra.Command{Use: "status", Short: "List applied and pending migrations", Args: cobra.NoArgs, RunE: run("status")},
	)
	return cmd
}

// resolveMigrationTarget picks the migration set and the database URL it runs against.
func resolveMigrationTarget(cfg *config.Config, set string) (string, string, error) {
	set = strings.ToLower(strings.TrimSpace(set))
	if set == "" || set == setAuto {
		switch {
		case cfg.Store.Backend == config.StoreBackendPGMQ:
			set = migrate.SetPGMQ
		case cfg.Tracking.Backend == config.TrackingBackendPostgres:
			set = migrate.SetPostgresTracking
		case cfg.Tracking.Backend == config.TrackingBackendMySQL:
			set = migrate.SetMySQLTracking
		default:
			return "", "", fmt.Errorf("nothing to migrate: store backend %q and tracking backend %q have no SQL schema", cfg.Store.Backend, cfg.Tracking.Backend)
		}
	}

	var url string
	switch set {
	case migrate.SetPGMQ:
		url = cfg.Store.Postgres.URL
	case migrate.SetPostgresTracking, migrate.SetMySQLTracking:
		url = cfg.Tracking.URL
	default:
		return "", "", fmt.Errorf("unknown migration set %q", set)
	}
	if strings.TrimSpace(url) == "" {
		return "", "", fmt.Errorf("no database url configured for migration set %q", set)
	}
	return set, url, nil
}
