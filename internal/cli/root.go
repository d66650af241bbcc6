// Package cli implements the cachectl command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"rbac-cache/internal/app"
	"rbac-cache/internal/common/logging"
	"rbac-cache/internal/config"
)

// options are the persistent flags shared by every command.
type options struct {
	configFile string
	envFile    string
	timeout    time.Duration

	app *app.App
}

// NewRootCommand returns the cachectl command tree.
func NewRootCommand() *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:   "cachectl",
		Short: "Inspect and operate the RBAC cache",
		Long: `cachectl talks to the RBAC cache through the same multi-level façade the
services use: reads go through L1 then L2, writes go to L2 then L1, and
invalidations reach both levels.

Configuration comes from the environment (CACHE_*, LOG_LEVEL), a .env file
and, with --config, a YAML file overlaid on top.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case "help", "completion":
				return nil
			}
			return o.start(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return o.stop()
		},
	}

	root.PersistentFlags().StringVarP(&o.configFile, "config", "c", "", "YAML config file overlaid on the environment")
	root.PersistentFlags().StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 10*time.Second, "timeout for connecting and for each command")

	root.AddCommand(
		newGetCommand(o),
		newSetCommand(o),
		newDeleteCommand(o),
		newDeleteTagCommand(o),
		newDeletePatternCommand(o),
		newKeysCommand(o),
		newTTLCommand(o),
		newStatsCommand(o),
		newHealthCommand(o),
		newServeCommand(o),
	)

	// PersistentPostRunE is skipped when RunE fails.
	for _, c := range root.Commands() {
		run := c.RunE
		c.RunE = func(cmd *cobra.Command, args []string) error {
			if err := run(cmd, args); err != nil {
				_ = o.stop()
				return err
			}
			return nil
		}
	}
	return root
}

// Execute runs the root command.
func Execute() {
	err := NewRootCommand().ExecuteContext(context.Background())
	logging.MustSync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *options) start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.envFile != "" {
		_ = godotenv.Load(o.envFile)
	}

	cfg := config.Load()
	if o.configFile != "" {
		var err error
		if cfg, err = config.LoadFile(o.configFile); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewZapLogger(logging.LogConfig{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: os.Stderr,
		Name:   "cachectl",
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return err
	}
	o.app = a
	return nil
}

func (o *options) stop() error {
	if o.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	err := o.app.Shutdown(ctx)
	o.app = nil
	return err
}

// context returns a per-command context bounded by --timeout.
func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.timeout)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
