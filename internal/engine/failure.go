package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nightlobster/internal/domain"
	"nightlobster/internal/events"
)

// FailRun marks a run failed with cause in its score payload. The mission
// and handoff follow only while they still reflect this launch, so a
// mission that completed or was rescheduled is left alone.
func (e Engine) FailRun(ctx context.Context, runID string, cause error) error {
	if cause == nil {
		cause = errors.New("run failed")
	}
	run, err := e.Repo.GetRun(ctx, nil, runID)
	if err != nil {
		return notFound(err, "run", runID)
	}
	ts := domain.FormatTime(e.now())
	score := &domain.RunScore{Error: cause.Error()}
	if err := e.Repo.FinishRun(ctx, nil, run.ID, domain.RunFailed, score, ts); err != nil {
		return err
	}
	if _, err := e.Repo.UpdateMissionStatusIf(ctx, nil, run.MissionID, domain.MissionFailed, ts,
		domain.MissionQueued, domain.MissionRunning); err != nil {
		return err
	}
	if run.HandoffID != "" {
		h, err := e.Repo.GetHandoff(ctx, nil, run.HandoffID)
		if err != nil {
			return notFound(err, "handoff", run.HandoffID)
		}
		switch h.Status {
		case domain.HandoffQueued, domain.HandoffQueuedByScheduler, domain.HandoffRunning:
			if err := e.Repo.UpdateHandoffStatus(ctx, nil, h.ID, domain.HandoffFailed, ts); err != nil {
				return err
			}
		}
	}
	return e.events().Append(ctx, nil, events.RunFailed, run.ProjectID, "run", run.ID, ActorWorker, events.EventPayload{
		"error": cause.Error(),
	})
}

// ErrRunAbandoned is the failure recorded for runs whose worker went away.
var ErrRunAbandoned = errors.New("run abandoned: worker stopped before completion")

// FailAbandonedRuns fails running runs whose time budget ran out more than
// grace ago, which only happens when their worker died. It returns the ids
// it failed.
func (e Engine) FailAbandonedRuns(ctx context.Context, grace time.Duration) ([]string, error) {
	now := e.now()
	runs, err := e.Repo.ListRunningBefore(ctx, domain.FormatTime(now.Add(-grace)))
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, run := range runs {
		started := run.CreatedAt
		if run.StartedAt != nil {
			started = *run.StartedAt
		}
		at, err := domain.ParseTime(started)
		if err != nil {
			return failed, fmt.Errorf("run %s start time: %w", run.ID, err)
		}
		if now.Before(at.Add(time.Duration(run.TimeBudgetSec)*time.Second + grace)) {
			continue
		}
		if err := e.FailRun(ctx, run.ID, ErrRunAbandoned); err != nil {
			return failed, fmt.Errorf("fail abandoned run %s: %w", run.ID, err)
		}
		failed = append(failed, run.ID)
	}
	return failed, nil
}
