package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowline/internal/app"
	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowline CLI",
	Long: `Flowline runs task graphs through coding agents and keeps every decision in an append-only event log.
- Project: a runtime (the agent binary), attached git repositories and required checks.
- Task: a unit of work with acceptance criteria, a file scope and checks.
- Graph: tasks plus dependency edges; locked once a flow uses it.
- Flow: one execution of a locked graph. 'fl flow tick' dispatches ready tasks into isolated worktrees.
- Checkpoint: the commit an attempt produced; checks must pass before the task completes.
- Merge: prepare -> approve -> execute integrates a completed flow into its target branch.
- Events: everything above is a projection of the log; 'fl events replay --verify' proves it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return domain.InvalidInput("%v", err)
	})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(reportError(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on events")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the workspace's only project)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (console, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(worktreeCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage flowline.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default flowline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return domain.ConflictErr(domain.CodePreconditionFailed, "%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return domain.System(err)
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return domain.InvalidInput("%v", err)
			}
			return printJSON(c)
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, c *app.Context) error {
				if addr == "" {
					addr = c.Config.Server.Addr
				}
				authCfg := server.AuthConfig{
					JWTSecret:        c.Config.Server.JWTSecret,
					AllowActorHeader: c.Config.Server.AllowActorHeader,
					DevLogin:         c.Config.Server.DevLogin,
					Log:              c.Log.Named("auth"),
				}
				if s := viper.GetString("jwt-secret"); s != "" {
					authCfg.JWTSecret = s
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
					return domain.InvalidInput("FLOWLINE_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   c.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Log:      c.Log.Named("http"),
					Notifier: c.Notifier,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					c.Log.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
					fmt.Printf("Serving Flowline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if len(c.Config.Webhooks) > 0 {
					d := server.NewWebhookDispatcher(c.Engine, c.Notifier, c.Config.Webhooks, c.Log.Named("webhooks"))
					g.Go(func() error { return d.Run(gctx) })
				}
				if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					return domain.System(err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withApp(cmd *cobra.Command, watch bool, fn func(context.Context, *app.Context) error) error {
	ctx := cmd.Context()
	c, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		LogFormat: viper.GetString("log-format"),
		Watch:     watch,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

// nArgs is cobra.ExactArgs with the failure classified as a UserError.
func nArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return domain.InvalidInput("%s: %v", cmd.CommandPath(), err)
		}
		return nil
	}
}

func actor() string {
	return viper.GetString("actor-id")
}

func project(ctx context.Context, c *app.Context) (string, error) {
	return c.ResolveProject(ctx, viper.GetString("project"))
}

// exitCode maps an error category to the process exit status.
func exitCode(cat domain.Category) int {
	switch cat {
	case "":
		return 0
	case domain.CategoryUser:
		return 2
	case domain.CategoryConflict:
		return 3
	case domain.CategoryTimeout:
		return 5
	default:
		return 4
	}
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Category      domain.Category `json:"category"`
	Code          domain.Code     `json:"code"`
	Message       string          `json:"message"`
	AggregateKind string          `json:"aggregate_kind,omitempty"`
	AggregateID   string          `json:"aggregate_id,omitempty"`
	Expected      string          `json:"expected,omitempty"`
	Actual        string          `json:"actual,omitempty"`
	Details       map[string]any  `json:"details,omitempty"`
}

func envelope(err error) errorEnvelope {
	de, ok := domain.AsError(err)
	if !ok {
		if strings.HasPrefix(err.Error(), "unknown command") {
			de = domain.InvalidInput("%v", err)
		} else {
			de = domain.SystemErr(domain.CodeInternal, "%v", err)
		}
	}
	body := errorBody{
		Category:      de.Category,
		Code:          de.Code,
		Message:       de.Message,
		AggregateKind: de.AggregateKind,
		AggregateID:   de.AggregateID,
		Expected:      de.Expected,
		Actual:        de.Actual,
		Details:       de.Details,
	}
	if de.Err != nil {
		if body.Details == nil {
			body.Details = map[string]any{}
		}
		body.Details["error"] = de.Err.Error()
	}
	return errorEnvelope{Error: body}
}

func reportError(err error) int {
	env := envelope(err)
	if viper.GetBool("json") {
		_ = printJSON(env)
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return exitCode(env.Error.Category)
}

func printJSONOrTable(v any, render func()) error {
	if viper.GetBool("json") || render == nil {
		return printJSON(v)
	}
	render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTable(header table.Row, rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
}

func optionalString(cmd *cobra.Command, flag, v string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &v
}

func optionalStrings(cmd *cobra.Command, flag string, v []string) *[]string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	out := append([]string{}, v...)
	return &out
}

func optionalSeq(cmd *cobra.Command, flag string, v int64) *int64 {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &v
}

// parseChecks reads name=command pairs.
func parseChecks(items []string) ([]domain.Check, error) {
	var out []domain.Check
	for _, item := range items {
		name, command, ok := strings.Cut(item, "=")
		name, command = strings.TrimSpace(name), strings.TrimSpace(command)
		if !ok || name == "" || command == "" {
			return nil, domain.InvalidInput("check %q must be name=command", item)
		}
		out = append(out, domain.Check{Name: name, Command: command})
	}
	return out, nil
}

// parseEdges reads task:prerequisite pairs.
func parseEdges(items []string) ([]domain.Edge, error) {
	var out []domain.Edge
	for _, item := range items {
		task, prereq, ok := strings.Cut(item, ":")
		task, prereq = strings.TrimSpace(task), strings.TrimSpace(prereq)
		if !ok || task == "" || prereq == "" {
			return nil, domain.InvalidInput("edge %q must be task:prerequisite", item)
		}
		out = append(out, domain.Edge{Task: task, Prerequisite: prereq})
	}
	return out, nil
}

func parseEnv(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, domain.InvalidInput("env %q must be KEY=value", item)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
