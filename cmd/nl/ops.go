package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nightlobster/internal/app"
	"nightlobster/internal/config"
	"nightlobster/internal/db"
	"nightlobster/internal/migrate"
	"nightlobster/internal/scheduler"
	"nightlobster/internal/server"
)

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect and create workspace settings"}
	c.AddCommand(configShowCmd())
	c.AddCommand(configInitCmd())
	c.AddCommand(configSchemaCmd())
	return c
}

func configSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "List applied and pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			st, err := migrate.Status(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Migration", "Applied at"})
			for _, a := range st.Applied {
				tw.AppendRow(table.Row{a.Name, a.AppliedAt})
			}
			for _, name := range st.Pending {
				tw.AppendRow(table.Row{name, "pending"})
			}
			tw.Render()
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective settings (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(viper.GetString("workspace"), viper.GetViper())
			if err != nil {
				return err
			}
			if s.Provider.APIKey != "" {
				s.Provider.APIKey = "***"
			}
			if s.API.JWTSecret != "" {
				s.API.JWTSecret = "***"
			}
			next := scheduler.NextRunAt(s.NightlyRunHourLocal, time.Now(), s.Location())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"settings": s, "next_run_at_local": next.Format(time.RFC3339)})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Setting", "Value"})
			tw.AppendRows([]table.Row{
				{"nightly_run_hour_local", s.NightlyRunHourLocal},
				{"nightly_run_max_runtime_minutes", s.NightlyRunMaxRuntimeMinutes},
				{"nightly_scheduler_window_minutes", s.NightlySchedulerWindowMinutes},
				{"timezone", s.Location().String()},
				{"workspace_root", s.WorkspaceRoot},
				{"documentation_path", s.DocumentationPath},
				{"provider", fmt.Sprintf("%s/%s (configured: %t)", s.Provider.Kind, s.Provider.Model, s.ProviderConfigured())},
				{"queue", queueLabel(s)},
				{"worker", fmt.Sprintf("concurrency %d, poll %s", s.Worker.Concurrency, s.Worker.PollInterval)},
				{"api.addr", s.API.Addr},
				{"next_run_at_local", next.Format(time.RFC3339)},
			})
			tw.Render()
			return nil
		},
	}
}

func queueLabel(s config.Settings) string {
	if s.Queue.RedisURL != "" {
		return "redis"
	}
	return "sqlite"
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default " + config.FileName + " into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			content, err := config.GenerateDefault()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func schedulerCmd() *cobra.Command {
	s := &cobra.Command{Use: "scheduler", Short: "Nightly mission scheduler"}
	s.AddCommand(schedulerTickCmd())
	s.AddCommand(schedulerRunCmd())
	return s
}

func schedulerTickCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sch := rt.Scheduler()
				sch.IgnoreWindow = force
				res, err := sch.Tick(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Skipped != "" {
					fmt.Printf("tick at %s skipped: %s\n", res.At, res.Skipped)
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Mission", "Handoff", "Run", "Deduped", "Skipped", "Error"})
				for _, m := range res.Missions {
					tw.AppendRow(table.Row{m.MissionID, m.HandoffID, m.RunID, m.Deduped, m.Skipped, m.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore the nightly window")
	return cmd
}

func schedulerRunCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tick the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sch := rt.Scheduler()
				sch.Interval = interval
				return sch.Run(ctx)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", scheduler.DefaultInterval, "tick interval")
	return cmd
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute queued night runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Recover(ctx); err != nil {
					return err
				}
				w := rt.Worker()
				if once {
					processed, err := w.ProcessOne(ctx)
					if err != nil {
						return err
					}
					if !processed {
						fmt.Println("no queued jobs")
					}
					return nil
				}
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process at most one job and exit")
	cmd.Flags().Int("concurrency", 0, "parallel jobs (overrides worker.concurrency)")
	_ = viper.BindPFlag("worker.concurrency", cmd.Flags().Lookup("concurrency"))
	return cmd
}

func serveCmd() *cobra.Command {
	var noWorker, noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the worker and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				basePath := rt.Settings.API.BasePath
				if basePath == "" {
					basePath = server.DefaultBasePath
				}
				fmt.Printf("Serving Night Lobster API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n",
					rt.Settings.API.Addr, basePath, basePath, basePath)
				return rt.Serve(ctx, app.ServeOptions{Worker: !noWorker, Scheduler: !noScheduler})
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides api.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides api.base_path)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not execute queued runs in this process")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the nightly scheduler in this process")
	_ = viper.BindPFlag("api.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("api.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "API bearer tokens"}
	t.AddCommand(tokenIssueCmd())
	return t
}

func tokenIssueCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(viper.GetString("workspace"), viper.GetViper())
			if err != nil {
				return err
			}
			if subject == "" {
				subject = actorID()
			}
			tok, err := server.IssueToken(s.API.JWTSecret, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
