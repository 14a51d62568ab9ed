package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowline/internal/app"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskCloseCmd())
	task.AddCommand(taskAbortCmd())
	task.AddCommand(taskRetryCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var checks []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseChecks(checks)
			if err != nil {
				return err
			}
			opts.Checks = parsed
			opts.ActorID = actor()
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				id, err := project(ctx, c)
				if err != nil {
					return err
				}
				opts.ProjectID = id
				t, err := c.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t, nil)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&opts.Acceptance, "acceptance", nil, "acceptance criterion (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Scope, "scope", nil, "file glob the task may change (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Context, "context", nil, "context document path (repeatable)")
	cmd.Flags().StringArrayVar(&checks, "check", nil, "check as name=command (repeatable)")
	cmd.Flags().BoolVar(&opts.CheckpointExempt, "exempt", false, "complete without checks")
	cmd.Flags().StringArrayVar(&opts.DependsOn, "depends-on", nil, "prerequisite task id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description string
	var acceptance, scope, ctxDocs, checks, deps []string
	var exempt bool
	var expected int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{
				ID:          args[0],
				Title:       optionalString(cmd, "title", title),
				Description: optionalString(cmd, "description", description),
				Acceptance:  optionalStrings(cmd, "acceptance", acceptance),
				Scope:       optionalStrings(cmd, "scope", scope),
				Context:     optionalStrings(cmd, "context", ctxDocs),
				DependsOn:   optionalStrings(cmd, "depends-on", deps),
				ExpectedSeq: optionalSeq(cmd, "expected-seq", expected),
				ActorID:     actor(),
			}
			if cmd.Flags().Changed("check") {
				parsed, err := parseChecks(checks)
				if err != nil {
					return err
				}
				opts.Checks = &parsed
			}
			if cmd.Flags().Changed("exempt") {
				opts.CheckpointExempt = &exempt
			}
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				t, err := c.Engine.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t, nil)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringArrayVar(&acceptance, "acceptance", nil, "acceptance criteria (replaces the list)")
	cmd.Flags().StringArrayVar(&scope, "scope", nil, "scope globs (replaces the list)")
	cmd.Flags().StringArrayVar(&ctxDocs, "context", nil, "context documents (replaces the list)")
	cmd.Flags().StringArrayVar(&checks, "check", nil, "checks as name=command (replaces the list)")
	cmd.Flags().BoolVar(&exempt, "exempt", false, "checkpoint exemption")
	cmd.Flags().StringArrayVar(&deps, "depends-on", nil, "prerequisites (replaces the list)")
	cmd.Flags().Int64Var(&expected, "expected-seq", 0, "fail with Conflict unless the task is at this sequence")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a task whose checkpoint passed",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				t, err := c.Engine.CompleteTask(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t, nil)
			})
		},
	}
}

func taskCloseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a task",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				t, err := c.Engine.CloseTask(ctx, args[0], reason, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t, nil)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is closed")
	return cmd
}

func taskAbortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <id>",
		Short: "Abort the in-flight attempt of a task",
		Long:  "The flow keeps running. The task becomes Aborted, its worktree is kept, and it can be retried.",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				t, err := c.Engine.AbortAttempt(ctx, engine.AttemptAbortOptions{TaskID: args[0], Reason: reason, ActorID: actor()})
				if err != nil {
					return err
				}
				return printJSONOrTable(t, nil)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the attempt is stopped")
	return cmd
}

func taskRetryCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Start a new attempt for a failed task",
		Long:  "continue keeps the prior attempt's work in a fresh worktree; clean starts again from the flow base commit.",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				a, err := c.Engine.RetryTask(ctx, engine.RetryOptions{TaskID: args[0], Mode: domain.RetryMode(mode), ActorID: actor()})
				if err != nil {
					return err
				}
				return printJSONOrTable(a, nil)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeContinue), "continue or clean")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task and its attempts",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				t, err := c.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				attempts, err := c.Engine.Repo.ListAttempts(ctx, repo.Query{}, t.ID)
				if err != nil {
					return err
				}
				out := struct {
					domain.Task
					AttemptHistory []domain.Attempt `json:"attempt_history"`
				}{t, attempts}
				return printJSONOrTable(out, func() {
					fmt.Printf("Task: %s (%s)\n", t.ID, t.State)
					fmt.Printf("Title: %s\n", t.Title)
					if t.FlowID != "" {
						fmt.Printf("Flow: %s\n", t.FlowID)
					}
					if t.FailureReason != "" {
						fmt.Printf("Failure: %s %s\n", t.FailureCode, t.FailureReason)
					}
					var rows []table.Row
					for _, a := range attempts {
						rows = append(rows, table.Row{a.Number, a.ID, a.Mode, a.State, a.Outcome, a.Branch})
					}
					renderTable(table.Row{"#", "Attempt", "Mode", "State", "Outcome", "Branch"}, rows)
				})
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var flowID, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				q := repo.Query{FlowID: flowID, State: state}
				if flowID == "" || viper.GetString("project") != "" {
					id, err := project(ctx, c)
					if err != nil {
						return err
					}
					q.ProjectID = id
				}
				items, err := c.Engine.Repo.ListTasks(ctx, q)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					var rows []table.Row
					for _, t := range items {
						rows = append(rows, table.Row{t.ID, t.Title, t.State, t.FlowID, len(t.Attempts)})
					}
					renderTable(table.Row{"ID", "Title", "State", "Flow", "Attempts"}, rows)
				})
			})
		},
	}
	cmd.Flags().StringVar(&flowID, "flow", "", "only tasks of this flow")
	cmd.Flags().StringVar(&state, "state", "", "only tasks in this state")
	return cmd
}
