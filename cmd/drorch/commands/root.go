package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/drorch/pkg/app"
	"github.com/openfroyo/drorch/pkg/config"
	"github.com/openfroyo/drorch/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drorch",
		Short: "drorch - Disaster Recovery Execution Orchestrator",
		Long: `drorch drives recovery plans against a disaster recovery service one wave
at a time.

Features:
  - Ordered waves with optional manual approval between them
  - Per-server conflict locks across concurrent executions
  - Provider quota checks before every launch
  - Adaptive job polling with backoff
  - Rego admission policies
  - Plan and group catalogs in YAML, JSON or CUE`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newTerminateCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newLocksCommand())
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newArchiveCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

// loadConfig reads the file named by --config, or the default search path.
func loadConfig() (*config.Config, error) {
	return config.Load(config.New(), configPath)
}

// withApp wires the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	// Terminal transitions made by this command are archived before exit.
	if a.Archiver != nil {
		if err := a.Archiver.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("Archiver unavailable, executions finished by this command will not be archived")
		} else {
			defer a.Archiver.Close()
		}
	}

	ctx, span := a.Telemetry.Tracer.StartCommandSpan(ctx, cmd.Name())
	defer span.End()
	err = fn(ctx, a)
	telemetry.RecordError(span, err)
	return err
}
