package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"visatrack/internal/app"
	"visatrack/internal/config"
	"visatrack/internal/db"
	"visatrack/internal/domain"
	"visatrack/internal/repo"
	"visatrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vt",
	Short: "Visa application tracker",
	Long: `visatrack follows each client's visa application through a fixed checklist of steps.
- Workspace: the directory holding visatrack.yml and the .visatrack database and artifacts.
- Template: the ordered steps from visatrack.yml; each step may require an exact or minimum number of artifacts.
- Workflow: one per client (owner); created on first use with step 1 in progress.
- Frontier: the single step in progress. Only it can take artifacts or be advanced.
- Events: the audit trail of every transition, view with 'vt workflow events'.
Settings come from flags, VISATRACK_* environment variables, or a .env file in the workspace.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		// Existing environment variables win over .env entries.
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VISATRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/visatrack.yml)")
	rootCmd.PersistentFlags().String("store", "", "storage driver override: sqlite or mongo")
	rootCmd.PersistentFlags().String("mongo-uri", "", "MongoDB connection URI (implies --store mongo)")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address for owner locks shared across processes")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))
	_ = viper.BindPFlag("mongo-uri", rootCmd.PersistentFlags().Lookup("mongo-uri"))
	_ = viper.BindPFlag("redis-addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
}

func registerCommands() {
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Inspect and advance client workflows",
	}
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowAttachCmd())
	wf.AddCommand(workflowAdvanceCmd())
	wf.AddCommand(workflowEventsCmd())
	return wf
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <owner-id>",
		Short: "Show a client's workflow, creating it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.GetOrCreateWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printWorkflow(w, a.Engine.Template)
			})
		},
	}
	return cmd
}

func workflowListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListWorkflows(ctx, repo.WorkflowFilter{State: state, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Owner", "Frontier", "Completed", "Updated"})
				for _, w := range items {
					frontier := "-"
					if f := w.Frontier(); f != nil {
						frontier = fmt.Sprintf("%d. %s", f.Sequence, f.Title)
					}
					tw.AppendRow(table.Row{w.OwnerID, frontier, w.Completed(), w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (active|completed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max workflows")
	return cmd
}

func workflowAttachCmd() *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "attach <owner-id> <sequence> [artifact-ref...]",
		Short: "Attach artifacts to the step in progress",
		Long:  "Attach artifact references, or local files with --file which are copied into the artifact directory first. The step completes once its requirement is met.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := parseSequence(args[1])
			if err != nil {
				return err
			}
			refs := append([]string{}, args[2:]...)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stored, err := storeFiles(ctx, a, args[0], seq, files)
				if err != nil {
					return err
				}
				w, err := a.Engine.AttachArtifacts(ctx, args[0], seq, append(refs, stored...))
				if err != nil {
					if rmErr := a.Artifacts.Remove(ctx, stored); rmErr != nil {
						log.Printf("artifact cleanup failed: %v", rmErr)
					}
					return err
				}
				return printWorkflow(w, a.Engine.Template)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "local file to upload (repeatable)")
	return cmd
}

func workflowAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <owner-id> <sequence>",
		Short: "Complete the step in progress when its requirement is met",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := parseSequence(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.AdvanceStep(ctx, args[0], seq)
				if err != nil {
					return err
				}
				return printWorkflow(w, a.Engine.Template)
			})
		},
	}
	return cmd
}

func workflowEventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events <owner-id>",
		Short: "Show a workflow's audit events, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Events(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Step", "Payload"})
				for _, evt := range items {
					step := ""
					if evt.Sequence > 0 {
						step = strconv.Itoa(evt.Sequence)
					}
					payload := ""
					if len(evt.Payload) > 0 {
						b, _ := json.Marshal(evt.Payload)
						payload = string(b)
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, step, payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func templateCmd() *cobra.Command {
	tmpl := &cobra.Command{Use: "template", Short: "Inspect the step template"}
	tmpl.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the configured steps and their artifact requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Workflow)
			}
			fmt.Printf("Template: %s\n", cfg.Workflow.Name)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Title", "Artifacts"})
			for i, s := range cfg.Workflow.Steps {
				tw.AppendRow(table.Row{i + 1, s.Title, s.Artifacts.String()})
			}
			tw.Render()
			return nil
		},
	})
	return tmpl
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage visatrack.yml",
		Long:  "visatrack.yml holds the step template, the storage backend, the artifact directory and webhook endpoints.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default visatrack.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultYAML), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg.Redacted())
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate visatrack.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "", log.LstdFlags)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Engine.Logger = logger
				handler, err := server.New(server.Config{
					Engine:    a.Engine,
					Artifacts: a.Artifacts,
					BasePath:  basePath,
					Logger:    logger,
				})
				if err != nil {
					return err
				}
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				if len(a.Config.Webhooks) > 0 {
					go server.NewWebhookDispatcher(a.Store, a.Config.Webhooks, logger).Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving visatrack API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if a.Config.Storage.Driver == config.DriverSQLite {
					fmt.Printf("Store: %s\n", db.Path(a.Config.Storage.SQLite.Workspace))
				}
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
		if err == nil && cfg.Storage.SQLite.Workspace == "." {
			cfg.Storage.SQLite.Workspace = workspace
		}
	} else {
		cfg, err = config.Load(workspace)
	}
	if err != nil {
		return nil, err
	}
	if uri := viper.GetString("mongo-uri"); uri != "" {
		cfg.Storage.Driver = config.DriverMongo
		cfg.Storage.Mongo.URI = uri
	}
	if driver := viper.GetString("store"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if addr := viper.GetString("redis-addr"); addr != "" {
		cfg.Lock.Driver = config.LockRedis
		cfg.Lock.Redis.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func storeFiles(ctx context.Context, a *app.App, ownerID string, seq int, files []string) ([]string, error) {
	var stored []string
	for _, path := range files {
		ref, err := storeFile(ctx, a, ownerID, seq, path)
		if err != nil {
			_ = a.Artifacts.Remove(ctx, stored)
			return nil, err
		}
		stored = append(stored, ref)
	}
	return stored, nil
}

func storeFile(ctx context.Context, a *app.App, ownerID string, seq int, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return a.Artifacts.Save(ctx, ownerID, seq, filepath.Base(path), f)
}

func parseSequence(s string) (int, error) {
	seq, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("sequence must be a number: %q", s)
	}
	return seq, nil
}

func printWorkflow(w domain.WorkflowInstance, tmpl domain.Template) error {
	if viper.GetBool("json") {
		return printJSON(w)
	}
	state := "active"
	if w.Completed() {
		state = "completed"
	}
	fmt.Printf("Workflow %s for %s (%s, version %d)\n", w.ID, w.OwnerID, state, w.Version)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Title", "Status", "Requires", "Attachments"})
	for i, s := range w.Steps {
		req := "none"
		if i < len(tmpl.Steps) {
			req = tmpl.Steps[i].Artifacts.String()
		}
		tw.AppendRow(table.Row{s.Sequence, s.Title, s.Status, req, strings.Join(s.Attachments, "\n")})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
