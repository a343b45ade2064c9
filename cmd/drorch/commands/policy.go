package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/drorch/pkg/app"
	"github.com/openfroyo/drorch/pkg/engine"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test admission policies",
		Long: `Admission policies are Rego modules evaluated before an execution starts.
Built-in policies are always loaded; policy.paths adds .rego and .json files.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyTestCommand())

	return cmd
}

func requirePolicy(a *app.App) error {
	if a.Policy == nil {
		return fmt.Errorf("policy evaluation is disabled (policy.enabled is false)")
	}
	return nil
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := requirePolicy(a); err != nil {
					return err
				}
				policies := a.Policy.ListPolicies()
				p := newPrinter(cmd)
				return p.Result(policies, func(io.Writer) error {
					rows := make([][]string, 0, len(policies))
					for _, pol := range policies {
						source := pol.Source
						if pol.Builtin {
							source = "builtin"
						}
						rows = append(rows, []string{
							pol.Name, string(pol.Severity), strconv.FormatBool(pol.Enabled), orDash(source), pol.Description,
						})
					}
					return p.Table([]string{"name", "severity", "enabled", "source", "description"}, rows)
				})
			})
		},
	}
}

func newPolicyTestCommand() *cobra.Command {
	var (
		execType  string
		startedBy string
	)

	cmd := &cobra.Command{
		Use:     "test <plan-id>",
		Short:   "Evaluate the policies against a stored plan without starting it",
		Example: `  drorch policy test payments --type recovery --started-by oncall@example.com`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := engine.ParseExecutionType(execType)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := requirePolicy(a); err != nil {
					return err
				}
				plan, err := a.Store.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				req := engine.AdmissionRequest{Plan: plan, Type: t, StartedBy: startedBy}
				for _, w := range plan.Waves {
					g, err := a.Store.GetGroup(ctx, w.GroupID)
					if err != nil {
						return err
					}
					req.Groups = append(req.Groups, g)
					req.ServerIDs = append(req.ServerIDs, g.ServerIDs...)
				}

				decision, err := a.Policy.Evaluate(ctx, req)
				if err != nil {
					return err
				}
				p := newPrinter(cmd)
				err = p.Result(decision, func(w io.Writer) error {
					verdict := "ALLOWED"
					if !decision.Allowed {
						verdict = "DENIED"
					}
					fmt.Fprintf(w, "%s %s of plan %s (%d policies in %s)\n",
						verdict, t, plan.ID, len(decision.EvaluatedPolicies), decision.Duration)
					for _, v := range decision.Violations {
						fmt.Fprintf(w, "  deny  %s: %s\n", v.Policy, v.Message)
					}
					for _, v := range decision.Warnings {
						fmt.Fprintf(w, "  warn  %s: %s\n", v.Policy, v.Message)
					}
					return nil
				})
				if err != nil {
					return err
				}
				if !decision.Allowed {
					return fmt.Errorf("plan %s would be denied", plan.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&execType, "type", "t", "drill", "execution type (drill or recovery)")
	cmd.Flags().StringVar(&startedBy, "started-by", os.Getenv("USER"), "operator to evaluate as")

	return cmd
}
