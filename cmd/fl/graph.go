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

func graphCmd() *cobra.Command {
	g := &cobra.Command{Use: "graph", Short: "Manage task graphs"}
	g.AddCommand(graphCreateCmd())
	g.AddCommand(graphAddTaskCmd())
	g.AddCommand(graphDependencyCmd("add-dependency", "Add an edge: <task> depends on <prerequisite>"))
	g.AddCommand(graphDependencyCmd("remove-dependency", "Remove an edge"))
	g.AddCommand(graphValidateCmd())
	g.AddCommand(graphShowCmd())
	return g
}

func graphCreateCmd() *cobra.Command {
	var opts engine.GraphCreateOptions
	var edges []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseEdges(edges)
			if err != nil {
				return err
			}
			opts.Edges = parsed
			opts.ActorID = actor()
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				id, err := project(ctx, c)
				if err != nil {
					return err
				}
				opts.ProjectID = id
				g, err := c.Engine.CreateGraph(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g, nil)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "graph id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "graph name")
	cmd.Flags().StringArrayVar(&opts.Tasks, "task", nil, "task id (repeatable)")
	cmd.Flags().StringArrayVar(&edges, "edge", nil, "dependency as task:prerequisite (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func graphAddTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-task <graph> <task>",
		Short: "Add a task to an unlocked graph",
		Args:  nArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				g, err := c.Engine.AddTaskToGraph(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(g, nil)
			})
		},
	}
}

func graphDependencyCmd(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <graph> <task> <prerequisite>",
		Short: short,
		Args:  nArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			edge := domain.Edge{Task: args[1], Prerequisite: args[2]}
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				var (
					g   domain.Graph
					err error
				)
				if use == "add-dependency" {
					g, err = c.Engine.AddDependency(ctx, args[0], edge, actor())
				} else {
					g, err = c.Engine.RemoveDependency(ctx, args[0], edge, actor())
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(g, nil)
			})
		},
	}
}

func graphValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph>",
		Short: "Check a graph for cycles and unknown tasks",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				g, err := c.Engine.ValidateGraph(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g, func() {
					fmt.Printf("Graph %s is valid (%d tasks, %d edges)\n", g.ID, len(g.Tasks), len(g.Edges))
				})
			})
		},
	}
}

func graphShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <graph>",
		Short: "Show a graph",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				g, err := c.Engine.Repo.GetGraph(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g, func() {
					fmt.Printf("Graph: %s %q locked=%t\n", g.ID, g.Name, g.Locked)
					var rows []table.Row
					for _, t := range g.Tasks {
						var prereqs []string
						for _, e := range g.Edges {
							if e.Task == t {
								prereqs = append(prereqs, e.Prerequisite)
							}
						}
						rows = append(rows, table.Row{t, joinOrDash(prereqs)})
					}
					renderTable(table.Row{"Task", "Depends on"}, rows)
				})
			})
		},
	}
}
