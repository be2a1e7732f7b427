// Package app assembles the store, queue, engine, executor, scheduler and
// HTTP handler for one workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/viper"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"nightlobster/internal/config"
	"nightlobster/internal/db"
	"nightlobster/internal/engine"
	"nightlobster/internal/executor"
	"nightlobster/internal/migrate"
	"nightlobster/internal/planner"
	"nightlobster/internal/queue"
	"nightlobster/internal/scheduler"
	"nightlobster/internal/server"
)

type Runtime struct {
	Workspace string
	Settings  config.Settings
	DB        *sql.DB
	Queue     queue.Queue
	Engine    engine.Engine
	Executor  executor.Executor

	closers []func() error
}

// Open loads settings for workspace, migrates the database and wires every
// component. v carries CLI flag bindings and may be nil.
func Open(ctx context.Context, workspace string, v *viper.Viper) (*Runtime, error) {
	settings, err := config.Load(workspace, v)
	if err != nil {
		return nil, err
	}
	return OpenWithSettings(ctx, workspace, settings)
}

func OpenWithSettings(ctx context.Context, workspace string, settings config.Settings) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Workspace: workspace, Settings: settings, DB: conn}
	rt.closers = append(rt.closers, conn.Close)
	if err := migrate.Migrate(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if settings.Queue.RedisURL != "" {
		rq, err := queue.NewRedisQueue(settings.Queue.RedisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Queue = rq
		rt.closers = append(rt.closers, rq.Close)
	} else {
		rt.Queue = queue.SQLQueue{DB: conn}
	}

	p, err := planner.NewFromOptions(ctx, planner.ProviderOptions{
		Kind:    settings.Provider.Kind,
		APIKey:  settings.Provider.APIKey,
		Model:   settings.Provider.Model,
		BaseURL: settings.Provider.BaseURL,
		Timeout: settings.Provider.Timeout,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	if !p.Configured() {
		log.Info(ctx, log.KV{K: "msg", V: "no provider credential, using deterministic planning"})
	}

	rt.Engine = engine.New(conn, settings, rt.Queue)
	rt.Executor = executor.New(conn, p, settings.WorkspaceRoot)
	rt.Executor.DocumentationPath = settings.DocumentationPath
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Worker drains the job queue through the executor. A job that fails marks
// its run failed before the queue records the failure.
func (rt *Runtime) Worker() queue.Worker {
	return queue.Worker{
		Source: rt.Queue,
		Handle: rt.Executor.Handle,
		OnFailed: func(ctx context.Context, job queue.Job, err error) {
			if ferr := rt.Engine.FailRun(ctx, job.RunID, err); ferr != nil {
				log.Error(ctx, ferr, log.KV{K: "msg", V: "mark run failed"}, log.KV{K: "run", V: job.RunID})
			}
		},
		Concurrency:  rt.Settings.Worker.Concurrency,
		PollInterval: rt.Settings.Worker.PollInterval,
	}
}

const (
	// abandonGrace is how long past its time budget a running run may go
	// unfinished before recovery fails it.
	abandonGrace = 10 * time.Minute
	// maxJobAge outlasts the largest run budget an envelope can request.
	maxJobAge = 240*time.Minute + abandonGrace
)

// Recover fails runs and jobs left behind by a worker that died mid-run.
// Workers call it once before they start claiming.
func (rt *Runtime) Recover(ctx context.Context) error {
	ids, err := rt.Engine.FailAbandonedRuns(ctx, abandonGrace)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := rt.Queue.Fail(ctx, queue.NewJob(id), engine.ErrRunAbandoned); err != nil {
			return fmt.Errorf("settle job for run %s: %w", id, err)
		}
	}
	stale := 0
	if q, ok := rt.Queue.(queue.SQLQueue); ok {
		jobs, err := q.FailStale(ctx, time.Now().Add(-maxJobAge), engine.ErrRunAbandoned)
		if err != nil {
			return err
		}
		stale = len(jobs)
	}
	if len(ids) > 0 || stale > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "recovered abandoned work"}, log.KV{K: "runs", V: len(ids)}, log.KV{K: "jobs", V: stale})
	}
	return nil
}

func (rt *Runtime) Scheduler() *scheduler.Scheduler {
	return scheduler.New(rt.Engine.Repo, rt.Engine, rt.Settings)
}

func (rt *Runtime) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   rt.Engine,
		BasePath: rt.Settings.API.BasePath,
		Auth: server.AuthConfig{
			JWTSecret: rt.Settings.API.JWTSecret,
			Disabled:  rt.Settings.API.AuthDisabled,
		},
	})
}

// ServeOptions select which loops Serve runs next to the HTTP API.
type ServeOptions struct {
	Addr      string
	Worker    bool
	Scheduler bool
}

// Serve runs the API and the selected background loops until ctx is done.
func (rt *Runtime) Serve(ctx context.Context, opts ServeOptions) error {
	if !rt.Settings.API.AuthDisabled && rt.Settings.API.JWTSecret == "" {
		return fmt.Errorf("%s is required unless api.auth_disabled is set", config.EnvName("api.jwt_secret"))
	}
	handler, err := rt.Handler()
	if err != nil {
		return err
	}
	addr := opts.Addr
	if addr == "" {
		addr = rt.Settings.API.Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	if opts.Worker {
		if err := rt.Recover(ctx); err != nil && ctx.Err() == nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "recover abandoned runs"})
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, log.KV{K: "msg", V: "api listening"}, log.KV{K: "addr", V: addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if opts.Worker {
		g.Go(func() error { return rt.Worker().Run(gctx) })
	}
	if opts.Scheduler {
		g.Go(func() error { return rt.Scheduler().Run(gctx) })
	}
	return g.Wait()
}
