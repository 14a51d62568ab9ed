package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"flowline/internal/app"
	"flowline/internal/domain"
	"flowline/internal/engine"
)

func verifyCmd() *cobra.Command {
	v := &cobra.Command{Use: "verify", Short: "Run checkpoint checks"}
	var complete bool
	run := &cobra.Command{
		Use:   "run <task>",
		Short: "Run the required checks against the current attempt's checkpoint",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				res, err := c.Engine.RunVerification(ctx, engine.VerifyOptions{TaskID: args[0], ActorID: actor(), AutoComplete: complete})
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func() {
					renderCheckResults(res.Results)
					fmt.Printf("Satisfied: %t, task %s\n", res.Satisfied, res.TaskState)
				})
			})
		},
	}
	run.Flags().BoolVar(&complete, "complete", false, "complete the task when every check passes")
	v.AddCommand(run)
	v.AddCommand(&cobra.Command{
		Use:   "show <task>",
		Short: "Show the latest check results",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				cp, err := currentCheckpoint(ctx, c, args[0])
				if err != nil {
					return err
				}
				var results []domain.CheckResult
				for _, chk := range cp.RequiredChecks {
					if r, ok := cp.Results[chk.Name]; ok {
						results = append(results, r)
					}
				}
				return printJSONOrTable(results, func() {
					renderCheckResults(results)
					fmt.Printf("Runs: %d, satisfied: %t\n", cp.Runs, cp.Satisfied)
				})
			})
		},
	})
	return v
}

func renderCheckResults(results []domain.CheckResult) {
	var rows []table.Row
	for _, r := range results {
		status := "pass"
		switch {
		case r.TimedOut:
			status = "timeout"
		case !r.Passed:
			status = "fail"
		}
		rows = append(rows, table.Row{r.Name, status, r.ExitCode, r.DurationMS})
	}
	renderTable(table.Row{"Check", "Result", "Exit", "ms"}, rows)
}
