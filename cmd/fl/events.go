package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowline/internal/app"
	"flowline/internal/domain"
	"flowline/internal/events"
)

type eventFlags struct {
	projectID, graphID, flowID, taskID, attemptID, mergeID string
	kinds                                                 []string
	after                                                 int64
	limit                                                 int
}

func (f *eventFlags) bind(cmd *cobra.Command, withLimit bool) {
	cmd.Flags().StringVar(&f.projectID, "project-id", "", "events of this project")
	cmd.Flags().StringVar(&f.graphID, "graph", "", "events of this graph")
	cmd.Flags().StringVar(&f.flowID, "flow", "", "events of this flow")
	cmd.Flags().StringVar(&f.taskID, "task", "", "events of this task")
	cmd.Flags().StringVar(&f.attemptID, "attempt", "", "events of this attempt")
	cmd.Flags().StringVar(&f.mergeID, "merge", "", "events of this merge")
	cmd.Flags().StringArrayVar(&f.kinds, "kind", nil, "event kind (repeatable)")
	cmd.Flags().Int64Var(&f.after, "after", 0, "only events after this sequence")
	if withLimit {
		cmd.Flags().IntVarP(&f.limit, "limit", "n", 50, "maximum events")
	}
}

func (f *eventFlags) filter() events.Filter {
	out := events.Filter{
		ProjectID: f.projectID,
		GraphID:   f.graphID,
		FlowID:    f.flowID,
		TaskID:    f.taskID,
		AttemptID: f.attemptID,
		MergeID:   f.mergeID,
		AfterSeq:  f.after,
		Limit:     f.limit,
	}
	for _, k := range f.kinds {
		out.Kinds = append(out.Kinds, domain.Kind(k))
	}
	return out
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Read the event log"}
	ev.AddCommand(eventsListCmd())
	ev.AddCommand(eventsInspectCmd())
	ev.AddCommand(eventsStreamCmd())
	ev.AddCommand(eventsReplayCmd())
	return ev
}

func eventsListCmd() *cobra.Command {
	var f eventFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				items, err := c.Engine.Events.Read(ctx, nil, f.filter())
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					var rows []table.Row
					for _, e := range items {
						rows = append(rows, eventRow(e))
					}
					renderTable(table.Row{"Seq", "TS", "Kind", "Aggregate", "Actor", "Cause"}, rows)
				})
			})
		},
	}
	f.bind(cmd, true)
	return cmd
}

func eventRow(e domain.Event) table.Row {
	cause := "-"
	if e.CausationSeq > 0 {
		cause = strconv.FormatInt(e.CausationSeq, 10)
	}
	return table.Row{e.Seq, e.TS, e.Kind, fmt.Sprintf("%s/%s", e.AggregateKind, e.AggregateID), e.ActorID, cause}
}

func eventsInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <seq>",
		Short: "Show one event with its payload",
		Args:  nArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || seq <= 0 {
				return domain.InvalidInput("sequence must be a positive integer, got %q", args[0])
			}
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				e, err := c.Engine.Events.Get(ctx, nil, seq)
				if err != nil {
					return err
				}
				return printJSON(e)
			})
		},
	}
}

func eventsStreamCmd() *cobra.Command {
	var f eventFlags
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Follow the log until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, c *app.Context) error {
				asJSON := viper.GetBool("json")
				err := c.Engine.Events.Follow(ctx, c.Notifier, f.filter(), func(e domain.Event) error {
					if asJSON {
						return printJSON(e)
					}
					row := eventRow(e)
					fmt.Printf("%6d  %s  %-26s %s  %s\n", row[0], row[1], row[2], row[3], row[4])
					return nil
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	f.bind(cmd, false)
	return cmd
}

func eventsReplayCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the projection cache from the log",
		Long: `Without flags the projection cache is rebuilt from the log.
With --verify the log is projected twice from scratch and compared with itself and with the cache; nothing is written.
A failed verification exits with a SystemError.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c *app.Context) error {
				if !verify {
					wm, err := c.Engine.RebuildCache(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]int64{"watermark": wm}, func() {
						fmt.Printf("Projection cache rebuilt at seq %d\n", wm)
					})
				}
				rep, err := c.Engine.ReplayVerify(ctx)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(rep, func() {
					fmt.Printf("Replayed %d events (watermark %d, cache %d), %d entities, deterministic=%t\n",
						rep.Events, rep.Watermark, rep.CacheWatermark, rep.Entities, rep.Deterministic)
					var rows []table.Row
					for _, m := range rep.Mismatches {
						rows = append(rows, table.Row{m.Kind, m.ID, m.Reason})
					}
					if len(rows) > 0 {
						renderTable(table.Row{"Kind", "ID", "Mismatch"}, rows)
					}
				}); err != nil {
					return err
				}
				if !rep.OK {
					return domain.SystemErr(domain.CodeInternal, "replay verification failed with %d mismatch(es)", len(rep.Mismatches)).
						With("deterministic", rep.Deterministic)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "compare a fresh projection with the cache instead of rebuilding")
	return cmd
}
