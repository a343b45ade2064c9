package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/drorch/pkg/app"
	"github.com/openfroyo/drorch/pkg/config"
	"github.com/openfroyo/drorch/pkg/stores"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Long: `Serve imports the configured catalog and drives every active execution
until interrupted:
  - launches waves whose predecessors finished
  - polls running provider jobs with adaptive backoff
  - flags paused executions whose token expired
  - exposes Prometheus metrics`,
		Example: `  # Run with a config file
  drorch serve -c /etc/drorch/drorch.yaml

  # Override settings from the command line
  drorch serve --interval 10s --catalog ./catalog --watch-catalog`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.New()
			for key, flag := range map[string]string{
				"dispatcher.interval":              "interval",
				"catalog.paths":                    "catalog",
				"catalog.watch":                    "watch-catalog",
				"telemetry.metrics.listen_address": "metrics-addr",
			} {
				if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
					if err := v.BindPFlag(key, f); err != nil {
						return err
					}
				}
			}
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(ctx); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if !verbose {
				a.Telemetry.Logger.SetGlobal()
			}
			return a.Serve(cmd.Context())
		},
	}

	cmd.Flags().Duration("interval", 0, "dispatcher tick interval")
	cmd.Flags().StringSlice("catalog", nil, "catalog files or directories to import")
	cmd.Flags().Bool("watch-catalog", false, "re-import the catalog when files change")
	cmd.Flags().String("metrics-addr", "", "metrics listen address")

	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := stores.New(cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Store schema is up to date (%s)\n", store.Driver())
			return err
		},
	}
}

func newArchiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <execution-id>",
		Short: "Upload an execution record to the archive bucket",
		Long: `Archive writes the execution and its audit trail as one JSON object.
Finished executions are archived automatically while 'drorch serve' runs;
this command re-uploads one on demand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Archiver == nil {
					return fmt.Errorf("archiving is disabled (archive.endpoint is not set)")
				}
				key, err := a.Archiver.Archive(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]string{"bucket": a.Config.Archive.Bucket, "key": key}
				return newPrinter(cmd).Result(out, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Archived to %s/%s\n", a.Config.Archive.Bucket, key)
					return err
				})
			})
		},
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			red := cfg.Redacted()
			if jsonOutput {
				return newPrinter(cmd).JSON(red)
			}
			data, err := red.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	return cmd
}
