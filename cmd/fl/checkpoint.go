package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"flowline/internal/app"
	"flowline/internal/domain"
	"flowline/internal/engine"
)

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{Use: "checkpoint", Short: "Inspect and override checkpoints"}
	cp.AddCommand(&cobra.Command{
		Use:   "show <task>",
		Short: "Show the current attempt's checkpoint",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				cp, err := currentCheckpoint(ctx, c, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(cp, nil)
			})
		},
	})
	var opts engine.OverrideOptions
	var decision string
	override := &cobra.Command{
		Use:   "override <task>",
		Short: "Record an operator pass/fail decision",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TaskID = args[0]
			opts.Decision = domain.Decision(decision)
			opts.ActorID = actor()
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				t, err := c.Engine.OverrideCheckpoint(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t, func() {
					fmt.Printf("Task %s is %s\n", t.ID, t.State)
				})
			})
		},
	}
	override.Flags().StringVar(&decision, "decision", "", "pass or fail")
	override.Flags().StringVar(&opts.Justification, "justification", "", "why the checks are overridden")
	override.Flags().StringVar(&opts.AttemptID, "attempt", "", "attempt the decision applies to (defaults to current)")
	_ = override.MarkFlagRequired("decision")
	_ = override.MarkFlagRequired("justification")
	cp.AddCommand(override)
	return cp
}

func currentCheckpoint(ctx context.Context, c *app.Context, taskID string) (*domain.Checkpoint, error) {
	t, err := c.Engine.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.CurrentAttempt == "" {
		return nil, domain.ConflictErr(domain.CodeNotReady, "task has no attempt").On(domain.AggTask, t.ID)
	}
	a, err := c.Engine.Repo.GetAttempt(ctx, t.CurrentAttempt)
	if err != nil {
		return nil, err
	}
	if a.Checkpoint == nil {
		return nil, domain.ConflictErr(domain.CodeNotReady, "attempt %s has no checkpoint", a.ID).On(domain.AggTask, t.ID)
	}
	return a.Checkpoint, nil
}
