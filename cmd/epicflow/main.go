package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"epicflow/internal/app"
	"epicflow/internal/config"
	"epicflow/internal/db"
	"epicflow/internal/domain"
	"epicflow/internal/engine"
	"epicflow/internal/lifecycle"
	"epicflow/internal/repo"
	"epicflow/internal/server"
	"epicflow/internal/telemetry"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "epicflow",
	Short: "Epic and task lifecycle tracker",
	Long: `epicflow tracks epics of tasks through a fixed delivery lifecycle:
PLANNED -> RUNNING -> PR_READY -> VALIDATING -> APPROVAL_PENDING -> MERGED -> DONE,
with a FIXING loop after failed validation and BLOCKED reachable from any active state.
Every change is recorded in an append-only audit log. The board compares stored
states with what GitHub issues, pull requests and checks imply.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EPICFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded in the audit log (default \"user\")")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(validationCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default epicflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path, created, err := config.Write(workspace)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				github := "not configured (set " + s.Config.GitHub.TokenEnv + ")"
				if s.GitHub != nil {
					github = "ok"
					if err := s.GitHub.Ping(ctx); err != nil {
						github = "unavailable: " + err.Error()
					}
				}
				out := map[string]any{"config": path, "config_created": created, "database": db.Path(workspace), "github": github}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				if created {
					fmt.Printf("Wrote %s\n", path)
				} else {
					fmt.Printf("Kept existing %s\n", path)
				}
				fmt.Printf("Database ready at %s\n", db.Path(workspace))
				fmt.Printf("GitHub: %s\n", github)
				return nil
			})
		},
	}
}

func epicCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "epic", Short: "Manage epics"}
	cmd.AddCommand(epicCreateCmd())
	cmd.AddCommand(epicListCmd())
	cmd.AddCommand(epicShowCmd())
	cmd.AddCommand(epicUpdateCmd())
	cmd.AddCommand(epicDeleteCmd())
	return cmd
}

// parseRepo accepts owner/name.
func parseRepo(raw string) (domain.RepoRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.RepoRef{}, nil
	}
	owner, name, ok := strings.Cut(raw, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return domain.RepoRef{}, fmt.Errorf("invalid repo %q (want owner/name)", raw)
	}
	return domain.RepoRef{Owner: owner, Name: name}, nil
}

func epicCreateCmd() *cobra.Command {
	var title, intent, repoFlag, branch string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create epic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRepo(repoFlag)
			if err != nil {
				return err
			}
			ref.DefaultBranch = branch
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				epic, err := e.CreateEpic(ctx, engine.EpicInput{Title: title, Intent: intent, Repo: ref}, actor())
				if err != nil {
					return err
				}
				return printEpics([]domain.Epic{epic})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "epic title")
	cmd.Flags().StringVar(&intent, "intent", "", "what the epic is for")
	cmd.Flags().StringVar(&repoFlag, "repo", "", "GitHub repository as owner/name")
	cmd.Flags().StringVar(&branch, "default-branch", "", "repository default branch")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func epicListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List epics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEpics(ctx, status)
				if err != nil {
					return err
				}
				return printEpics(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func epicShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <epic-id>",
		Short: "Show epic with task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				epic, err := e.GetEpic(ctx, args[0])
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByState(ctx, epic.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"epic": epic, "task_counts": counts})
				}
				fmt.Printf("Epic: %s (%s)\n", epic.Title, epic.Status)
				fmt.Printf("ID: %s\n", epic.ID)
				if !epic.Repo.Empty() {
					fmt.Printf("Repo: %s\n", epic.Repo)
				}
				if epic.Intent != "" {
					fmt.Printf("Intent: %s\n", epic.Intent)
				}
				fmt.Println("Tasks:")
				for _, s := range lifecycle.All {
					if c := counts[s]; c > 0 {
						fmt.Printf("  %s: %d\n", s, c)
					}
				}
				return nil
			})
		},
	}
}

func epicUpdateCmd() *cobra.Command {
	var title, intent, status, repoFlag string
	cmd := &cobra.Command{
		Use:   "update <epic-id>",
		Short: "Update epic fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch repo.EpicPatch
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("intent") {
				patch.Intent = &intent
			}
			if cmd.Flags().Changed("status") {
				patch.Status = &status
			}
			if cmd.Flags().Changed("repo") {
				ref, err := parseRepo(repoFlag)
				if err != nil {
					return err
				}
				patch.Repo = &ref
			}
			if patch.Empty() {
				return errors.New("nothing to update")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				epic, err := e.UpdateEpic(ctx, args[0], patch, actor())
				if err != nil {
					return err
				}
				return printEpics([]domain.Epic{epic})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&intent, "intent", "", "new intent")
	cmd.Flags().StringVar(&status, "status", "", "draft, active, completed or archived")
	cmd.Flags().StringVar(&repoFlag, "repo", "", "GitHub repository as owner/name")
	return cmd
}

func epicDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <epic-id>",
		Short: "Delete epic with its tasks and validation runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deleted, err := e.DeleteEpic(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("epic %s: %w", args[0], repo.ErrNotFound)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": true})
				}
				fmt.Printf("Deleted epic %s\n", args[0])
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskMoveCmd())
	cmd.AddCommand(taskUnblockCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var in engine.TaskInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task in an epic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, in, actor())
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
	cmd.Flags().StringVar(&in.EpicID, "epic", "", "epic id")
	cmd.Flags().StringVar(&in.Title, "title", "", "task title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringSliceVar(&in.AcceptanceCriteria, "acceptance", nil, "acceptance criterion (repeatable)")
	cmd.Flags().IntVar(&in.Ordinal, "ordinal", 0, "position in the epic (default: append)")
	_ = cmd.MarkFlagRequired("epic")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var epicID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an epic's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, epicID)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&epicID, "epic", "", "epic id")
	_ = cmd.MarkFlagRequired("epic")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show task and the states it may move to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				next := lifecycle.ValidTransitions(t.State)
				run, err := latestValidation(ctx, e, t.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": t, "valid_transitions": next, "validation": run})
				}
				fmt.Printf("Task: %s\n", t.Title)
				fmt.Printf("ID: %s (epic %s, #%d)\n", t.ID, t.EpicID, t.Ordinal)
				fmt.Printf("State: %s [%s], attempts %d, version %d\n", t.State, lifecycle.ProgressOf(t.State), t.Attempts, t.Version)
				if t.State == lifecycle.Blocked {
					fmt.Printf("Blocked from %s: %s\n", t.BlockedFrom, t.BlockedReason)
				}
				if t.BranchName != "" {
					fmt.Printf("Branch: %s\n", t.BranchName)
				}
				if t.PRURL != "" {
					fmt.Printf("PR: %s\n", t.PRURL)
				}
				for _, c := range t.AcceptanceCriteria {
					fmt.Printf("  - %s\n", c)
				}
				fmt.Printf("Validation: %s\n", describeValidation(run))
				fmt.Printf("Next: %s\n", joinStates(next))
				return nil
			})
		},
	}
}

// latestValidation returns nil when the task has never been validated.
func latestValidation(ctx context.Context, e engine.Engine, taskID string) (*domain.ValidationRun, error) {
	run, err := e.LatestValidationRun(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func describeValidation(run *domain.ValidationRun) string {
	if run == nil {
		return "none"
	}
	s := fmt.Sprintf("%s (run %s", run.Status, run.ID)
	if run.LogsURL != "" {
		s += ", " + run.LogsURL
	}
	return s + ")"
}

func taskMoveCmd() *cobra.Command {
	var req engine.TransitionRequest
	var to string
	cmd := &cobra.Command{
		Use:   "move <task-id>",
		Short: "Move task to another lifecycle state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := lifecycle.Parse(to)
			if err != nil {
				return err
			}
			req.TaskID = args[0]
			req.To = state
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Transition(ctx, req, actor())
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target state")
	cmd.Flags().StringVar(&req.PRURL, "pr-url", "", "pull request URL")
	cmd.Flags().StringVar(&req.BranchName, "branch", "", "branch name")
	cmd.Flags().StringVar(&req.BlockedReason, "reason", "", "reason, required when moving to BLOCKED")
	cmd.Flags().Int64Var(&req.ExpectedVersion, "expected-version", 0, "fail unless the task is at this version")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <task-id>",
		Short: "Return a blocked task to the state it was blocked from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Unblock(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
}

func validationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "validation", Short: "Record validation runs"}
	cmd.AddCommand(validationStartCmd())
	cmd.AddCommand(validationUpdateCmd())
	cmd.AddCommand(validationListCmd())
	return cmd
}

func validationStartCmd() *cobra.Command {
	var checks []string
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Start a validation run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.StartValidation(ctx, args[0], checks, actor())
				if err != nil {
					return err
				}
				return printRuns([]domain.ValidationRun{run})
			})
		},
	}
	cmd.Flags().StringSliceVar(&checks, "check", nil, "check name (repeatable)")
	return cmd
}

func validationUpdateCmd() *cobra.Command {
	var up engine.ValidationUpdate
	cmd := &cobra.Command{
		Use:   "update <run-id>",
		Short: "Update a validation run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			up.RunID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.UpdateValidation(ctx, up, actor())
				if err != nil {
					return err
				}
				return printRuns([]domain.ValidationRun{run})
			})
		},
	}
	cmd.Flags().StringVar(&up.Status, "status", "", "PENDING, PASSED or FAILED")
	cmd.Flags().StringSliceVar(&up.Checks, "check", nil, "replace check names")
	cmd.Flags().StringVar(&up.LogsURL, "logs-url", "", "link to logs")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func validationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <task-id>",
		Short: "List validation runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.ListValidationRuns(ctx, args[0])
				if err != nil {
					return err
				}
				return printRuns(runs)
			})
		},
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Read the audit log"}
	cmd.AddCommand(auditTailCmd())
	return cmd
}

func auditTailCmd() *cobra.Command {
	var f repo.AuditFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if f.Limit == 0 {
					f.Limit = s.Config.Audit.DefaultLimit
				}
				entries, err := s.Engine.AuditLogs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"When", "Action", "Actor", "Task", "Details"})
				for _, a := range entries {
					tw.AppendRow(table.Row{a.CreatedAt, a.Action, a.Actor, a.TaskID, a.Details})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 0, "number of entries (default from config)")
	cmd.Flags().StringVar(&f.EpicID, "epic", "", "epic filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	return cmd
}

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board <epic-id>",
		Short: "Compare stored task states with GitHub signals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				epic, err := s.Engine.GetEpic(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := s.Engine.ListTasks(ctx, epic.ID)
				if err != nil {
					return err
				}
				board := s.Reconciler.Board(ctx, epic, tasks)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"board": board, "summary": board.Summary()})
				}
				fmt.Println(board)
				if board.Degraded {
					fmt.Printf("Signals unavailable: %s\n", board.Cause)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Task", "Stored", "Derived", "Reason", "Drift"})
				for _, c := range board.Cards {
					drift := ""
					if c.Drift {
						drift = "yes"
					}
					tw.AppendRow(table.Row{c.Task.Ordinal, c.Task.Title, c.Task.State, c.Derived.State, c.Derived.Reason, drift})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if !cmd.Flags().Changed("addr") && s.Config.Server.Addr != "" {
					addr = s.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && s.Config.Server.BasePath != "" {
					basePath = s.Config.Server.BasePath
				}
				shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
					Enabled:        s.Config.Telemetry.Enabled,
					ServiceName:    s.Config.Telemetry.ServiceName,
					ServiceVersion: version,
					OTLPEndpoint:   s.Config.Telemetry.OTLPEndpoint,
				})
				if err != nil {
					return err
				}
				defer func() {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdownTracing(flushCtx); err != nil {
						s.Logger.Warn("telemetry shutdown", "err", err)
					}
				}()

				authCfg := server.AuthConfig{
					JWTSecret:   viper.GetString("jwt_secret"),
					ActorHeader: viper.GetString("actor_header"),
				}
				handler, err := server.New(server.Config{
					Engine:     s.Engine,
					Reconciler: s.Reconciler,
					BasePath:   basePath,
					Auth:       authCfg,
					AuditLimit: s.Config.Audit.DefaultLimit,
					Logger:     s.Logger,
				})
				if err != nil {
					return err
				}

				hooksCtx, stopHooks := context.WithCancel(ctx)
				hooksDone := server.NewWebhookDispatcher(s.Config.Webhooks, s.Logger).Start(hooksCtx, s.Bus)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving epicflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				s.Logger.Info("listening", "addr", addr, "github", s.GitHub != nil, "webhooks", len(s.Config.Webhooks))
				err = srv.ListenAndServe()
				stopHooks()
				<-hooksDone
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func actor() string {
	return strings.TrimSpace(viper.GetString("actor"))
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withSession(ctx context.Context, fn func(context.Context, *app.Session) error) error {
	s, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: newLogger()})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withSession(ctx, func(ctx context.Context, s *app.Session) error {
		return fn(ctx, s.Engine)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printEpics(items []domain.Epic) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Repo", "Updated"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.Title, e.Status, e.Repo.String(), e.UpdatedAt})
	}
	tw.Render()
	return nil
}

func printTasks(items []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "ID", "Title", "State", "Progress", "Attempts"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.Ordinal, t.ID, t.Title, t.State, lifecycle.ProgressOf(t.State), t.Attempts})
	}
	tw.Render()
	return nil
}

func printRuns(items []domain.ValidationRun) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Status", "Checks", "Logs", "Updated"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.Status, strings.Join(r.Checks, ", "), r.LogsURL, r.UpdatedAt})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinStates(states []lifecycle.State) string {
	if len(states) == 0 {
		return "none"
	}
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
