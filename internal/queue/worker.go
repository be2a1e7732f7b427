package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"
)

// Handler executes one job.
type Handler func(ctx context.Context, job Job) error

// Worker polls a Source with a fixed number of goroutines.
type Worker struct {
	Source Source
	Handle Handler
	// OnFailed runs after a handler error or panic, before the job is
	// marked failed.
	OnFailed     func(ctx context.Context, job Job, err error)
	Concurrency  int
	PollInterval time.Duration
	// SettleTimeout bounds the bookkeeping after a handler returns. It runs
	// detached from the worker context so a shutdown still records the
	// outcome.
	SettleTimeout time.Duration
}

const defaultSettleTimeout = 30 * time.Second

// Run processes jobs until ctx is done. Handler failures never stop it.
func (w Worker) Run(ctx context.Context) error {
	n := w.Concurrency
	if n < 1 {
		n = 1
	}
	interval := w.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	log.Info(ctx, log.KV{K: "msg", V: "worker started"}, log.KV{K: "concurrency", V: n})
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(gctx)
				if err != nil && gctx.Err() == nil {
					log.Error(gctx, err, log.KV{K: "msg", V: "job source error"})
				}
				if processed {
					continue
				}
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		})
	}
	return g.Wait()
}

// ProcessOne claims and runs at most one job. It reports whether a job was
// claimed. The returned error is about the source, not the handler.
func (w Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, ok, err := w.Source.Claim(ctx)
	if err != nil || !ok {
		return false, err
	}
	herr := w.run(ctx, job)

	timeout := w.SettleTimeout
	if timeout <= 0 {
		timeout = defaultSettleTimeout
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if herr != nil {
		log.Error(sctx, herr, log.KV{K: "msg", V: "job failed"}, log.KV{K: "job", V: job.ID}, log.KV{K: "run", V: job.RunID})
		if w.OnFailed != nil {
			w.OnFailed(sctx, job, herr)
		}
		return true, w.Source.Fail(sctx, job, herr)
	}
	return true, w.Source.Complete(sctx, job)
}

func (w Worker) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	if w.Handle == nil {
		return errors.New("no job handler")
	}
	return w.Handle(ctx, job)
}
