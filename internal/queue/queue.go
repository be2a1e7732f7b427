// Package queue carries night-run jobs from the launcher to workers. Job ids
// are derived from run ids, so enqueueing the same run twice is a no-op.
package queue

import (
	"context"
	"errors"
)

// Job asks a worker to execute one run.
type Job struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
}

// JobID is the deterministic job id for a run.
func JobID(runID string) string {
	return "night-run-" + runID
}

func NewJob(runID string) Job {
	return Job{ID: JobID(runID), RunID: runID}
}

// Dispatcher accepts jobs. Enqueue reports false when a job with the same id
// was already accepted.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) (bool, error)
}

// Source hands jobs to workers. Claim reports false when nothing is waiting.
type Source interface {
	Claim(ctx context.Context) (Job, bool, error)
	Complete(ctx context.Context, job Job) error
	Fail(ctx context.Context, job Job, cause error) error
}

type Queue interface {
	Dispatcher
	Source
}

// Job states as stored by both transports.
const (
	StatusQueued    = "queued"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var ErrInvalidJob = errors.New("job id and run id are required")

func (j Job) validate() error {
	if j.ID == "" || j.RunID == "" {
		return ErrInvalidJob
	}
	return nil
}
