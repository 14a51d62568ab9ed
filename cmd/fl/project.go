package main

import (
	"context"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"flowline/internal/app"
	"flowline/internal/domain"
	"flowline/internal/engine"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectRuntimeSetCmd())
	prj.AddCommand(projectAttachRepoCmd())
	prj.AddCommand(projectDetachRepoCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actor()
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				p, err := c.Engine.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p, nil)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, description string
	var checks []string
	var expected int64
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ProjectUpdateOptions{
				Name:        optionalString(cmd, "name", name),
				Description: optionalString(cmd, "description", description),
				ExpectedSeq: optionalSeq(cmd, "expected-seq", expected),
				ActorID:     actor(),
			}
			if cmd.Flags().Changed("check") {
				parsed, err := parseChecks(checks)
				if err != nil {
					return err
				}
				opts.RequiredChecks = &parsed
			}
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				id, err := project(ctx, c)
				if err != nil {
					return err
				}
				opts.ID = id
				p, err := c.Engine.UpdateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p, nil)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringArrayVar(&checks, "check", nil, "required check as name=command (replaces the list)")
	cmd.Flags().Int64Var(&expected, "expected-seq", 0, "fail with Conflict unless the project is at this sequence")
	return cmd
}

func projectRuntimeSetCmd() *cobra.Command {
	var rt domain.Runtime
	var env []string
	cmd := &cobra.Command{
		Use:   "runtime-set",
		Short: "Configure the adapter binary attempts are dispatched to",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseEnv(env)
			if err != nil {
				return err
			}
			rt.Env = parsed
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				id, err := project(ctx, c)
				if err != nil {
					return err
				}
				p, err := c.Engine.SetRuntime(ctx, id, rt, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p.Runtime, nil)
			})
		},
	}
	cmd.Flags().StringVar(&rt.Binary, "binary", "", "adapter binary")
	cmd.Flags().StringArrayVar(&rt.Args, "arg", nil, "adapter argument (repeatable)")
	cmd.Flags().StringArrayVar(&env, "env", nil, "adapter environment KEY=value (repeatable)")
	cmd.Flags().IntVar(&rt.TimeoutSeconds, "timeout-seconds", 0, "per-invocation timeout (0 uses runtime.timeout)")
	_ = cmd.MarkFlagRequired("binary")
	return cmd
}

func projectAttachRepoCmd() *cobra.Command {
	var opts engine.AttachRepoOptions
	cmd := &cobra.Command{
		Use:   "attach-repo",
		Short: "Attach a git repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actor()
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				id, err := project(ctx, c)
				if err != nil {
					return err
				}
				opts.ProjectID = id
				p, err := c.Engine.AttachRepo(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p.Repos[opts.Name], nil)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "repository name")
	cmd.Flags().StringVar(&opts.Path, "path", "", "repository path")
	cmd.Flags().StringVar(&opts.TargetBranch, "target-branch", "", "merge target (defaults to merge.target_branch)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func projectDetachRepoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach-repo <name>",
		Short: "Detach a repository",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				id, err := project(ctx, c)
				if err != nil {
					return err
				}
				p, err := c.Engine.DetachRepo(ctx, id, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p, nil)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				id, err := project(ctx, c)
				if err != nil {
					return err
				}
				p, err := c.Engine.Repo.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p, nil)
			})
		},
	}
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				items, err := c.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					var rows []table.Row
					for _, p := range items {
						names := make([]string, 0, len(p.Repos))
						for n := range p.Repos {
							names = append(names, n)
						}
						sort.Strings(names)
						rows = append(rows, table.Row{p.ID, p.Name, p.Runtime.Binary, joinOrDash(names)})
					}
					renderTable(table.Row{"ID", "Name", "Runtime", "Repos"}, rows)
				})
			})
		},
	}
}
