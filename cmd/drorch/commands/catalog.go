package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/drorch/pkg/app"
	"github.com/openfroyo/drorch/pkg/catalog"
	"github.com/openfroyo/drorch/pkg/engine"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage protection groups and recovery plans",
		Long: `Protection groups and recovery plans are declared in catalog files
(.yaml, .yml, .json or .cue) and imported into the store.

Without arguments the subcommands use catalog.paths from the configuration.`,
	}

	cmd.AddCommand(newCatalogValidateCommand())
	cmd.AddCommand(newCatalogImportCommand())
	cmd.AddCommand(newCatalogExportCommand())
	cmd.AddCommand(newCatalogListCommand())

	return cmd
}

func catalogPaths(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if len(cfg.Catalog.Paths) == 0 {
		return nil, fmt.Errorf("no catalog paths given and catalog.paths is not configured")
	}
	return cfg.Catalog.Paths, nil
}

func newCatalogValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path...]",
		Short: "Check catalog files without touching the store",
		Example: `  drorch catalog validate ./catalog
  drorch catalog validate groups.yaml plans.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := catalogPaths(args)
			if err != nil {
				return err
			}
			loader, err := catalog.NewLoader(log.Logger)
			if err != nil {
				return err
			}
			cat, err := loader.Load(cmd.Context(), paths)
			p := newPrinter(cmd)
			var issues catalog.ValidationErrors
			if errors.As(err, &issues) {
				_ = p.Result(map[string]interface{}{"valid": false, "issues": issues}, func(w io.Writer) error {
					for _, issue := range issues {
						fmt.Fprintln(w, issue.String())
					}
					return nil
				})
				return fmt.Errorf("catalog has %d issue(s)", len(issues))
			}
			if err != nil {
				return err
			}
			summary := map[string]interface{}{
				"valid":  true,
				"files":  cat.Files,
				"groups": len(cat.Groups),
				"plans":  len(cat.Plans),
			}
			return p.Result(summary, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Catalog is valid: %d file(s), %d group(s), %d plan(s)\n",
					len(cat.Files), len(cat.Groups), len(cat.Plans))
				return err
			})
		},
	}
}

func newCatalogImportCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import [path...]",
		Short: "Create or update groups and plans from catalog files",
		Long: `Import writes every group and plan of a valid catalog to the store.
Unchanged entries are left alone. Plans that already have executions
cannot be changed.`,
		Example: `  # Preview the changes
  drorch catalog import ./catalog --dry-run

  # Apply them
  drorch catalog import ./catalog`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := catalogPaths(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.ImportCatalog(ctx, paths, dryRun)
				if err != nil {
					return err
				}
				p := newPrinter(cmd)
				return p.Result(res, func(w io.Writer) error {
					rows := make([][]string, 0, len(res.Changes))
					for _, c := range res.Changes {
						rows = append(rows, []string{c.Kind, c.ID, string(c.Action)})
					}
					if err := p.Table([]string{"kind", "id", "action"}, rows); err != nil {
						return err
					}
					verb := "Imported"
					if res.DryRun {
						verb = "Would import"
					}
					_, err := fmt.Fprintf(w, "%s: %d created, %d updated, %d unchanged\n", verb,
						res.Count(catalog.ActionCreated),
						res.Count(catalog.ActionUpdated),
						res.Count(catalog.ActionUnchanged))
					return err
				})
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report changes without writing them")

	return cmd
}

func newCatalogExportCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:     "export",
		Short:   "Write the stored groups and plans as a catalog file",
		Example: `  drorch catalog export -o catalog.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				doc, err := catalog.Export(ctx, a.Store)
				if err != nil {
					return err
				}
				if jsonOutput {
					return newPrinter(cmd).JSON(doc)
				}
				data, err := catalog.MarshalYAML(doc)
				if err != nil {
					return err
				}
				if outFile == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				return os.WriteFile(outFile, data, 0o644)
			})
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default stdout)")

	return cmd
}

func newCatalogListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored groups and plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				groups, err := a.Store.ListGroups(ctx)
				if err != nil {
					return err
				}
				plans, err := a.Store.ListPlans(ctx)
				if err != nil {
					return err
				}
				p := newPrinter(cmd)
				out := map[string]interface{}{"groups": groups, "plans": plans}
				return p.Result(out, func(w io.Writer) error {
					rows := make([][]string, 0, len(groups))
					for _, g := range groups {
						rows = append(rows, []string{g.ID, g.Name, joinOrDash(g.ServerIDs)})
					}
					if err := p.Table([]string{"group", "name", "servers"}, rows); err != nil {
						return err
					}
					fmt.Fprintln(w)

					rows = rows[:0]
					for _, plan := range plans {
						waves := make([]string, len(plan.Waves))
						for i, wave := range plan.Waves {
							waves[i] = wave.GroupID
							if wave.PauseBeforeWave {
								waves[i] = "||" + waves[i]
							}
						}
						order := "-"
						if levels, err := engine.WaveLevels(plan); err == nil {
							order = formatLevels(levels)
						}
						rows = append(rows, []string{plan.ID, plan.Name, joinOrDash(waves), order})
					}
					return p.Table([]string{"plan", "name", "waves", "dependency levels"}, rows)
				})
			})
		},
	}
}

// formatLevels renders dependency levels as "0 > 1,2 > 3".
func formatLevels(levels [][]int) string {
	parts := make([]string, len(levels))
	for i, level := range levels {
		parts[i] = formatIndexes(level)
	}
	return strings.Join(parts, " > ")
}
