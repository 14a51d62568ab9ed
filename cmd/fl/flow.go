package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"flowline/internal/app"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/repo"
)

func flowCmd() *cobra.Command {
	f := &cobra.Command{Use: "flow", Short: "Run graphs"}
	f.AddCommand(flowCreateCmd())
	f.AddCommand(flowTransitionCmd("start", "Start a created flow"))
	f.AddCommand(flowTickCmd())
	f.AddCommand(flowTransitionCmd("pause", "Stop dispatching new attempts"))
	f.AddCommand(flowTransitionCmd("resume", "Resume a paused flow"))
	f.AddCommand(flowTransitionCmd("abort", "Abort a flow and its running attempts"))
	f.AddCommand(flowShowCmd())
	f.AddCommand(flowListCmd())
	return f
}

func flowCreateCmd() *cobra.Command {
	var opts engine.FlowCreateOptions
	var autoRetry string
	cmd := &cobra.Command{
		Use:   "create <graph>",
		Short: "Lock a graph into a new flow",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.GraphID = args[0]
			opts.ActorID = actor()
			if cmd.Flags().Changed("auto-retry") {
				mode := domain.RetryMode(autoRetry)
				opts.AutoRetry = &mode
			}
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				f, err := c.Engine.CreateFlow(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(f, nil)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "flow id (generated when empty)")
	cmd.Flags().StringVar(&opts.Repo, "repo", "", "attached repository (defaults to the only one)")
	cmd.Flags().StringVar(&opts.TargetBranch, "target-branch", "", "merge target (defaults to the repository's)")
	cmd.Flags().IntVar(&opts.MaxAttempts, "max-attempts", 0, "attempts per task (0 uses retry.max_attempts)")
	cmd.Flags().IntVar(&opts.MaxParallel, "max-parallel", 0, "concurrent attempts (0 uses scheduler.max_parallel)")
	cmd.Flags().StringVar(&autoRetry, "auto-retry", "", "retry failed tasks automatically: continue, clean or empty")
	return cmd
}

func flowTransitionCmd(name, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   name + " <flow>",
		Short: short,
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				var (
					f   domain.Flow
					err error
				)
				switch name {
				case "start":
					f, err = c.Engine.StartFlow(ctx, args[0], actor())
				case "pause":
					f, err = c.Engine.PauseFlow(ctx, args[0], reason, actor())
				case "resume":
					f, err = c.Engine.ResumeFlow(ctx, args[0], actor())
				case "abort":
					f, err = c.Engine.AbortFlow(ctx, args[0], reason, actor())
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(f, func() {
					fmt.Printf("Flow %s is %s\n", f.ID, f.State)
				})
			})
		},
	}
	if name == "pause" || name == "abort" {
		cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the event")
	}
	return cmd
}

func flowTickCmd() *cobra.Command {
	var expected int64
	cmd := &cobra.Command{
		Use:   "tick <flow>",
		Short: "Dispatch ready tasks and run their attempts",
		Long: `A tick settles finished tasks, dispatches ready ones up to the flow's parallelism and runs them.
Without --expected-seq a tick that loses a race with another writer is re-read and retried.`,
		Args: nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TickOptions{ActorID: actor(), ExpectedSeq: optionalSeq(cmd, "expected-seq", expected)}
			// watch so aborts from another process cancel running adapters promptly
			return withApp(cmd, true, func(ctx context.Context, c *app.Context) error {
				var res engine.TickResult
				tick := func() error {
					var err error
					res, err = c.Engine.TickFlow(ctx, args[0], opts)
					return err
				}
				var err error
				if opts.ExpectedSeq != nil {
					err = tick()
				} else {
					err = app.RetryConflicts(ctx, c.Log, "flow tick", tick)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func() {
					fmt.Printf("Flow %s is %s", res.FlowID, res.State)
					switch {
					case len(res.Dispatched) > 0:
						fmt.Printf(", dispatched %d attempt(s)\n", len(res.Dispatched))
					case res.Observed:
						fmt.Println(", nothing to dispatch")
					default:
						fmt.Println()
					}
					var rows []table.Row
					for _, r := range res.Results {
						rows = append(rows, table.Row{r.TaskID, r.AttemptID, r.Outcome, r.Code, r.TaskState})
					}
					if len(rows) > 0 {
						renderTable(table.Row{"Task", "Attempt", "Outcome", "Code", "Task state"}, rows)
					}
				})
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-seq", 0, "fail with Conflict unless the flow is at this watermark")
	return cmd
}

func flowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <flow>",
		Short: "Show a flow and the scheduling status of its tasks",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				v, err := c.Engine.FlowView(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v, func() {
					f := v.Flow
					fmt.Printf("Flow: %s (%s) graph=%s repo=%s target=%s watermark=%d\n", f.ID, f.State, f.GraphID, f.Repo, f.TargetBranch, v.Watermark)
					if f.FailureReason != "" {
						fmt.Printf("Failure: %s\n", f.FailureReason)
					}
					var rows []table.Row
					for _, t := range v.Order {
						rows = append(rows, table.Row{t, v.Statuses[t]})
					}
					renderTable(table.Row{"Task", "Status"}, rows)
					if v.Merge != nil {
						fmt.Printf("Merge: %s (%s)\n", v.Merge.ID, v.Merge.State)
					}
				})
			})
		},
	}
}

func flowListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				id, err := project(ctx, c)
				if err != nil {
					return err
				}
				items, err := c.Engine.Repo.ListFlows(ctx, repo.Query{ProjectID: id, State: state})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					var rows []table.Row
					for _, f := range items {
						rows = append(rows, table.Row{f.ID, f.GraphID, f.State, len(f.Tasks), f.Ticks, f.MergeID})
					}
					renderTable(table.Row{"ID", "Graph", "State", "Tasks", "Ticks", "Merge"}, rows)
				})
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only flows in this state")
	return cmd
}
