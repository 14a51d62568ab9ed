package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"flowline/internal/app"
	"flowline/internal/domain"
)

func mergeCmd() *cobra.Command {
	m := &cobra.Command{Use: "merge", Short: "Integrate completed flows"}
	m.AddCommand(&cobra.Command{
		Use:   "prepare <flow>",
		Short: "Build the merge candidate of a completed flow",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				mg, err := c.Engine.PrepareMerge(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(mg, func() { printMerge(mg) })
			})
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "approve <merge>",
		Short: "Approve a prepared merge",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				mg, err := c.Engine.ApproveMerge(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(mg, func() { printMerge(mg) })
			})
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "execute <merge>",
		Short: "Integrate an approved merge into its target branch",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				res, err := c.Engine.ExecuteMerge(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func() {
					printMerge(res.Merge)
					if res.AlreadyExecuted {
						fmt.Println("(already executed)")
					}
					if len(res.Released) > 0 {
						fmt.Printf("Released %d worktree(s)\n", len(res.Released))
					}
				})
			})
		},
	})
	var reason string
	reject := &cobra.Command{
		Use:   "reject <merge>",
		Short: "Reject a prepared or approved merge",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				mg, err := c.Engine.RejectMerge(ctx, args[0], reason, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(mg, func() { printMerge(mg) })
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "why the merge is rejected")
	m.AddCommand(reject)
	m.AddCommand(&cobra.Command{
		Use:   "show <merge>",
		Short: "Show a merge",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				mg, err := c.Engine.Repo.GetMerge(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(mg, func() { printMerge(mg) })
			})
		},
	})
	return m
}

func printMerge(m domain.Merge) {
	fmt.Printf("Merge: %s (%s) flow=%s target=%s\n", m.ID, m.State, m.FlowID, m.TargetBranch)
	fmt.Printf("Base: %s candidate: %s\n", m.BaseCommit, m.CandidateCommit)
	if m.DiffStat != "" {
		fmt.Println(m.DiffStat)
	}
	if m.ResultCommit != "" {
		fmt.Printf("Result: %s (%s)\n", m.ResultCommit, m.Method)
	}
	if m.RejectReason != "" {
		fmt.Printf("Rejected: %s\n", m.RejectReason)
	}
}
