package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"nightlobster/internal/contract"
	"nightlobster/internal/domain"
	"nightlobster/internal/events"
	"nightlobster/internal/queue"
	"nightlobster/internal/repo"
)

// Launch sources.
const (
	SourceAPI       = "api"
	SourceScheduler = "scheduler"
)

type QueueOptions struct {
	Source string
	// DedupeMinutes > 0 returns an active run of the same handoff created
	// within the window instead of launching a new one.
	DedupeMinutes int
}

type QueueResult struct {
	RunID   string `json:"run_id"`
	Deduped bool   `json:"deduped"`
}

// QueueRunFromHandoff creates a queued run from a stored handoff and
// enqueues its job. The launch lock row is written first so the transaction
// holds the write lock before it looks for an existing run.
func (e Engine) QueueRunFromHandoff(ctx context.Context, handoffID string, opts QueueOptions) (QueueResult, error) {
	now := e.now()
	ts := domain.FormatTime(now)
	actor := ActorAPI
	if opts.Source == SourceScheduler {
		actor = ActorScheduler
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return QueueResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.AcquireLaunchLock(ctx, tx, handoffID, ts); err != nil {
		return QueueResult{}, fmt.Errorf("launch lock: %w", err)
	}
	h, err := e.Repo.GetHandoff(ctx, tx, handoffID)
	if err != nil {
		return QueueResult{}, notFound(err, "handoff", handoffID)
	}

	if opts.DedupeMinutes > 0 {
		since := domain.FormatTime(now.Add(-time.Duration(opts.DedupeMinutes) * time.Minute))
		existing, err := e.Repo.FindActiveRunForHandoffSince(ctx, tx, h.ID, since)
		switch {
		case err == nil:
			if err := e.events().Append(ctx, tx, events.RunDeduped, h.ProjectID, "run", existing.ID, actor, events.EventPayload{
				"handoff_id": h.ID, "source": opts.Source, "window_minutes": opts.DedupeMinutes,
			}); err != nil {
				return QueueResult{}, err
			}
			if err := tx.Commit(); err != nil {
				return QueueResult{}, err
			}
			return QueueResult{RunID: existing.ID, Deduped: true}, nil
		case !errors.Is(err, repo.ErrNotFound):
			return QueueResult{}, err
		}
	}

	c, err := contract.BuildRunContract(h.Envelope)
	if err != nil {
		return QueueResult{}, err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return QueueResult{}, fmt.Errorf("encode contract: %w", err)
	}
	run := domain.Run{
		ID:            newID(),
		ProjectID:     h.ProjectID,
		MissionID:     h.MissionID,
		HandoffID:     h.ID,
		Status:        domain.RunQueued,
		TimeBudgetSec: e.Settings.NightlyRunMaxRuntimeMinutes * 60,
		TokenBudget:   c.Constraints.MaxTokens,
		Contract:      raw,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return QueueResult{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Repo.UpdateMissionStatus(ctx, tx, h.MissionID, domain.MissionQueued, ts); err != nil {
		return QueueResult{}, notFound(err, "mission", h.MissionID)
	}
	handoffStatus := domain.HandoffQueued
	if opts.Source == SourceScheduler {
		handoffStatus = domain.HandoffQueuedByScheduler
	}
	if err := e.Repo.UpdateHandoffStatus(ctx, tx, h.ID, handoffStatus, ts); err != nil {
		return QueueResult{}, err
	}
	if err := e.events().Append(ctx, tx, events.RunQueued, h.ProjectID, "run", run.ID, actor, events.EventPayload{
		"handoff_id": h.ID, "mission_id": h.MissionID, "source": opts.Source,
	}); err != nil {
		return QueueResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return QueueResult{}, err
	}

	if e.Dispatcher == nil {
		return QueueResult{RunID: run.ID}, nil
	}
	if _, err := e.Dispatcher.Enqueue(ctx, queue.NewJob(run.ID)); err != nil {
		cause := fmt.Errorf("enqueue run %s: %w", run.ID, err)
		if ferr := e.FailRun(ctx, run.ID, cause); ferr != nil {
			log.Error(ctx, ferr, log.KV{K: "msg", V: "fail run after enqueue error"}, log.KV{K: "run", V: run.ID})
		}
		return QueueResult{}, cause
	}
	return QueueResult{RunID: run.ID}, nil
}
