// Package cli builds the runqueue command tree: the worker host, enqueue, queue and
// dead-letter administration, migrations, config inspection and version.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nimburion/runqueue/pkg/config"
	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/store"
	"github.com/nimburion/runqueue/pkg/tracking"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// StoreFactory opens the message store named by cfg.
type StoreFactory func(cfg *config.Config, log logger.Logger) (store.MessageStore, error)

// TrackerFactory opens the tracking store named by cfg.
type TrackerFactory func(cfg config.TrackingConfig, log logger.Logger) (tracking.Tracker, error)

// HandlerFactory builds the job handler for the worker command when no webhook is configured.
type HandlerFactory func(cfg *config.Config, log logger.Logger) (jobs.Handler, error)

// Options customizes the command tree. Zero values select the production defaults.
type Options struct {
	Name       string
	EnvPrefix  string
	ConfigPath string
	Out        io.Writer

	StoreFactory   StoreFactory
	TrackerFactory TrackerFactory
	HandlerFactory HandlerFactory
}

func (o *Options) normalize() {
	if strings.TrimSpace(o.Name) == "" {
		o.Name = "runqueue"
	}
	if strings.TrimSpace(o.EnvPrefix) == "" {
		o.EnvPrefix = config.DefaultEnvPrefix
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.StoreFactory == nil {
		o.StoreFactory = store.NewMessageStore
	}
	if o.TrackerFactory == nil {
		o.TrackerFactory = tracking.New
	}
}

// app carries the parsed global flags to every subcommand.
type app struct {
	opts       Options
	cfgPath    string
	secretFile string
}

// NewRootCommand creates the runqueue CLI.
func NewRootCommand(opts Options) *cobra.Command {
	opts.normalize()
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:           opts.Name,
		Short:         "Durable workflow job queue with retries and a dead-letter queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.Out)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	flags.StringVar(&a.secretFile, "secret-file", "", "path to secrets file (sets "+strings.ToUpper(opts.EnvPrefix)+"_SECRETS_FILE)")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
	flags.String("log-format", "", "log format override (json, text)")
	flags.String("queue", "", "main queue name override")
	flags.String("dlq", "", "dead-letter queue name override")
	flags.String("store", "", "message store backend override (memory, pgmq, redis, sqs)")

	root.AddCommand(
		a.newWorkerCommand(),
		a.newEnqueueCommand(),
		a.newQueueCommand(),
		a.newDLQCommand(),
		a.newMigrateCommand(),
		a.newConfigCommand(),
		a.newVersionCommand(),
	)
	return root
}

// Execute runs cmd with a signal-aware context and exits non-zero on error.
func Execute(ctx context.Context, cmd *cobra.Command) {
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and builds the logger for one command invocation.
func (a *app) loadConfig(flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
	cfg, _, _, err := a.loadSettings(flags)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	logConfigIfDebug(log, cfg)
	return cfg, log, nil
}

func (a *app) loadSettings(flags *pflag.FlagSet) (*config.Config, *config.ConfigProvider, map[string]interface{}, error) {
	if err := applySecretFileFlag(a.opts.EnvPrefix, a.secretFile); err != nil {
		return nil, nil, nil, err
	}
	cfg := &config.Config{}
	provider := config.NewConfigProvider(a.cfgPath, a.opts.EnvPrefix).WithFlags(flags)
	secrets, err := provider.LoadWithSecrets(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, provider, secrets, nil
}

// newLogger writes logs to stderr so command output on stdout stays machine readable.
func newLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Observability.LogFormat)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{
		Level:  level,
		Format: format,
		Output: os.Stderr,
		Fields: []any{"service", cfg.Service.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(strings.ToUpper(strings.TrimSpace(envPrefix))+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if log == nil || cfg == nil || cfg.Observability.LogLevel != string(logger.DebugLevel) {
		return
	}
	log.Debug("effective configuration",
		"queue", cfg.Queue.Name,
		"dlq", cfg.Queue.DLQName,
		"store", cfg.Store.Backend,
		"tracking", cfg.Tracking.Backend,
		"admin_enabled", cfg.Admin.Enabled,
	)
}
