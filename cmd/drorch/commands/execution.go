package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/drorch/pkg/app"
	"github.com/openfroyo/drorch/pkg/engine"
)

func newStartCommand() *cobra.Command {
	var (
		execType  string
		startedBy string
	)

	cmd := &cobra.Command{
		Use:   "start <plan-id>",
		Short: "Start an execution of a recovery plan",
		Long: `Start a drill or recovery of a plan.

Start validates the plan, evaluates admission policies, checks the provider
quota and locks every server in the plan. The execution is then driven by
'drorch serve'.`,
		Example: `  # Rehearse the payments plan
  drorch start payments

  # Fail over for real
  drorch start payments --type recovery --started-by oncall@example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := engine.ParseExecutionType(execType)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				exec, err := a.Sequencer.Start(ctx, engine.StartRequest{
					PlanID:    args[0],
					Type:      t,
					StartedBy: startedBy,
				})
				if err != nil {
					return err
				}
				return printExecution(newPrinter(cmd), exec)
			})
		},
	}

	cmd.Flags().StringVarP(&execType, "type", "t", "drill", "execution type (drill or recovery)")
	cmd.Flags().StringVar(&startedBy, "started-by", os.Getenv("USER"), "operator starting the execution")

	return cmd
}

func newResumeCommand() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Approve the next wave of a paused execution",
		Long: `Resume a paused execution with the pause token shown by 'drorch status'.
A token can be used once and only before it expires.`,
		Example: `  drorch resume 3f2c9a0e-... --token 9d1e...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				exec, err := a.Sequencer.Resume(ctx, args[0], token)
				if err != nil {
					return err
				}
				return printExecution(newPrinter(cmd), exec)
			})
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "pause token of the waiting wave")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an execution",
		Long: `Cancel stops an execution before its next wave and releases its server
locks. Jobs already running at the provider are not stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				exec, err := a.Sequencer.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printExecution(newPrinter(cmd), exec)
			})
		},
	}
}

func newTerminateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <execution-id>",
		Short: "Terminate the recovery instances of a finished execution",
		Long: `Terminate asks the provider to remove every recovery instance an execution
launched, typically after a drill. The execution must be terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Sequencer.TerminateInstances(ctx, args[0])
				if err != nil {
					return err
				}
				return newPrinter(cmd).Result(report, func(w io.Writer) error {
					fmt.Fprintf(w, "Terminating %d instance(s) of %s\n", len(report.InstanceIDs), report.ExecutionID)
					for _, id := range report.InstanceIDs {
						fmt.Fprintf(w, "  %s\n", id)
					}
					if report.Error != "" {
						fmt.Fprintf(w, "Provider error: %s\n", report.Error)
					}
					return nil
				})
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution and its waves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				exec, err := a.Sequencer.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printExecution(newPrinter(cmd), exec)
			})
		},
	}
}

func newListCommand() *cobra.Command {
	var (
		planID   string
		statuses []string
		limit    int
		active   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Example: `  # Everything still running
  drorch list --active

  # Failed runs of one plan
  drorch list --plan payments --status failed --status partial`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.ListFilter{PlanID: planID, Limit: limit}
			for _, raw := range statuses {
				s, err := engine.ParseExecutionStatus(raw)
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, s)
			}
			if active {
				filter.Statuses = append(filter.Statuses,
					engine.ExecutionStatusPending,
					engine.ExecutionStatusLaunching,
					engine.ExecutionStatusPolling,
					engine.ExecutionStatusPaused)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				execs, err := a.Sequencer.List(ctx, filter)
				if err != nil {
					return err
				}
				p := newPrinter(cmd)
				return p.Result(execs, func(io.Writer) error {
					rows := make([][]string, 0, len(execs))
					for _, e := range execs {
						rows = append(rows, []string{
							e.ID, e.PlanID, string(e.Type), string(e.Status),
							waveProgress(e), orDash(e.StartedBy), formatTime(&e.CreatedAt),
						})
					}
					return p.Table([]string{"id", "plan", "type", "status", "waves", "started by", "created"}, rows)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&planID, "plan", "p", "", "only executions of this plan")
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "only executions in these statuses")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of executions")
	cmd.Flags().BoolVar(&active, "active", false, "only non-terminal executions")

	return cmd
}

func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events <execution-id>",
		Short: "Show the audit trail of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				events, err := a.Sequencer.Events(ctx, args[0])
				if err != nil {
					return err
				}
				p := newPrinter(cmd)
				return p.Result(events, func(io.Writer) error {
					rows := make([][]string, 0, len(events))
					for _, e := range events {
						wave := "-"
						if e.WaveIndex != nil {
							wave = strconv.Itoa(*e.WaveIndex)
						}
						transition := "-"
						if e.From != "" || e.To != "" {
							transition = e.From + " -> " + e.To
						}
						rows = append(rows, []string{
							formatTime(&e.CreatedAt), string(e.Kind), wave, transition, orDash(e.Message),
						})
					}
					return p.Table([]string{"time", "kind", "wave", "transition", "message"}, rows)
				})
			})
		},
	}
}

func newLocksCommand() *cobra.Command {
	var servers []string

	cmd := &cobra.Command{
		Use:   "locks [execution-id]",
		Short: "Show which servers are locked and by whom",
		Long: `With an execution ID, locks lists the servers that execution holds.
With --server, it shows the live owner of each server. Locks left by
finished executions are reported as free since the next start takes them over.`,
		Example: `  drorch locks 4f0c2a7e-5d1b-4c1e-9d6b-2f7b8f0e9a11
  drorch locks --server s-db-1 --server s-web-1`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(servers) == 0 {
				return fmt.Errorf("give an execution ID or at least one --server")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var locks []engine.ConflictLock
				if len(args) == 1 {
					held, err := a.Conflicts.Held(ctx, args[0])
					if err != nil {
						return err
					}
					locks = append(locks, held...)
				}
				var free []string
				for _, id := range servers {
					lock, err := a.Conflicts.Owner(ctx, id)
					if err != nil {
						return err
					}
					if lock == nil {
						free = append(free, id)
						continue
					}
					locks = append(locks, *lock)
				}

				p := newPrinter(cmd)
				out := map[string]interface{}{"locks": locks, "free": free}
				return p.Result(out, func(io.Writer) error {
					rows := make([][]string, 0, len(locks)+len(free))
					for _, l := range locks {
						rows = append(rows, []string{l.ServerID, l.ExecutionID, formatTime(&l.AcquiredAt)})
					}
					for _, id := range free {
						rows = append(rows, []string{id, "free", "-"})
					}
					return p.Table([]string{"server", "execution", "acquired"}, rows)
				})
			})
		},
	}

	cmd.Flags().StringSliceVar(&servers, "server", nil, "server to look up (repeatable)")

	return cmd
}

func printExecution(p *printer, exec *engine.Execution) error {
	return p.Result(exec, func(w io.Writer) error {
		fmt.Fprintf(w, "Execution:  %s\n", exec.ID)
		fmt.Fprintf(w, "Plan:       %s\n", exec.PlanID)
		fmt.Fprintf(w, "Type:       %s\n", exec.Type)
		fmt.Fprintf(w, "Status:     %s\n", exec.Status)
		fmt.Fprintf(w, "Policy:     %s\n", exec.FailurePolicy)
		fmt.Fprintf(w, "Started by: %s\n", orDash(exec.StartedBy))
		fmt.Fprintf(w, "Created:    %s\n", formatTime(&exec.CreatedAt))
		fmt.Fprintf(w, "Completed:  %s\n", formatTime(exec.CompletedAt))
		if exec.LastError != "" {
			fmt.Fprintf(w, "Last error: %s\n", exec.LastError)
		}
		fmt.Fprintln(w)

		rows := make([][]string, 0, len(exec.Waves))
		for _, wave := range exec.Waves {
			rows = append(rows, []string{
				strconv.Itoa(wave.Index),
				wave.GroupID,
				formatIndexes(wave.DependsOn),
				string(wave.Status),
				strconv.Itoa(len(wave.ServerIDs)),
				orDash(wave.JobID),
				strconv.Itoa(len(wave.RecoveryInstanceIDs)),
				orDash(wave.LastError),
			})
		}
		if err := p.Table([]string{"wave", "group", "depends on", "status", "servers", "job", "instances", "error"}, rows); err != nil {
			return err
		}

		for _, wave := range exec.Waves {
			if wave.PauseToken != "" {
				fmt.Fprintf(w, "\nWave %d is waiting for approval. Resume with:\n", wave.Index)
				fmt.Fprintf(w, "  drorch resume %s --token %s\n", exec.ID, wave.PauseToken)
				fmt.Fprintf(w, "The token expires at %s.\n", formatTime(wave.PauseTokenExpiry))
			}
		}
		return nil
	})
}

func waveProgress(e *engine.Execution) string {
	done := 0
	for _, w := range e.Waves {
		if w.Status.IsTerminal() {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(e.Waves))
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func formatIndexes(idx []int) string {
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = strconv.Itoa(n)
	}
	return joinOrDash(parts)
}
