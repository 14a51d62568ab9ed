package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"flowline/internal/app"
)

func worktreeCmd() *cobra.Command {
	w := &cobra.Command{Use: "worktree", Short: "Inspect and release attempt worktrees"}
	var flowID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List attempt worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				items, err := c.Engine.ListWorktrees(ctx, flowID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					var rows []table.Row
					for _, wt := range items {
						rows = append(rows, table.Row{wt.AttemptID, wt.TaskID, wt.State, wt.Released, wt.OnDisk, wt.Path})
					}
					renderTable(table.Row{"Attempt", "Task", "State", "Released", "On disk", "Path"}, rows)
				})
			})
		},
	}
	list.Flags().StringVar(&flowID, "flow", "", "only worktrees of this flow")
	w.AddCommand(list)
	w.AddCommand(&cobra.Command{
		Use:   "cleanup <attempt>",
		Short: "Archive and remove a finished attempt's worktree",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				released, err := c.Engine.CleanupWorktree(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"released": released}, func() {
					fmt.Printf("Released %d attempt(s): %s\n", len(released), joinOrDash(released))
				})
			})
		},
	})
	return w
}
