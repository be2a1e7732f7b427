// Package scheduler launches nightly runs for scheduled missions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"nightlobster/internal/config"
	"nightlobster/internal/domain"
	"nightlobster/internal/engine"
	"nightlobster/internal/repo"
)

const (
	// DefaultInterval is how often Run ticks.
	DefaultInterval = time.Minute
	// LaunchDedupeMinutes is the launcher window the scheduler asks for.
	LaunchDedupeMinutes = 24 * 60
)

// Skip reasons reported in a TickResult.
const (
	SkipBusy         = "tick_in_progress"
	SkipOutsideHours = "outside_nightly_window"
	SkipNoHandoff    = "no_eligible_handoff"
	SkipActiveToday  = "active_run_today"
)

// Launcher queues a run from a handoff.
type Launcher interface {
	QueueRunFromHandoff(ctx context.Context, handoffID string, opts engine.QueueOptions) (engine.QueueResult, error)
}

type MissionResult struct {
	MissionID string `json:"mission_id"`
	HandoffID string `json:"handoff_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Deduped   bool   `json:"deduped,omitempty"`
	Skipped   string `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

type TickResult struct {
	At       string          `json:"at"`
	Skipped  string          `json:"skipped,omitempty"`
	Missions []MissionResult `json:"missions"`
}

// Queued returns the runs the tick launched or found.
func (r TickResult) Queued() []string {
	var ids []string
	for _, m := range r.Missions {
		if m.RunID != "" {
			ids = append(ids, m.RunID)
		}
	}
	return ids
}

type Scheduler struct {
	Repo     repo.Repo
	Launcher Launcher
	Settings config.Settings
	Interval time.Duration
	// IgnoreWindow makes every tick act as if it fell in the nightly window.
	IgnoreWindow bool
	Now          func() time.Time

	running atomic.Bool
}

func New(r repo.Repo, l Launcher, settings config.Settings) *Scheduler {
	return &Scheduler{Repo: r, Launcher: l, Settings: settings, Interval: DefaultInterval, Now: time.Now}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run ticks immediately and then every Interval until ctx is done. Tick
// errors are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	loc := s.Settings.Location()
	log.Info(ctx, log.KV{K: "msg", V: "scheduler started"},
		log.KV{K: "hour", V: s.Settings.NightlyRunHourLocal},
		log.KV{K: "window_minutes", V: s.Settings.NightlySchedulerWindowMinutes},
		log.KV{K: "next", V: NextRunAt(s.Settings.NightlyRunHourLocal, s.now(), loc).Format(time.RFC3339)})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.tickAndLog(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tickAndLog(ctx context.Context) {
	res, err := s.Tick(ctx)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "scheduler tick failed"})
		return
	}
	if queued := res.Queued(); len(queued) > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "scheduler queued runs"}, log.KV{K: "runs", V: queued})
	}
}

// Tick scans due missions once. An overlapping call returns immediately
// with Skipped set. A failure on one mission is recorded on its result and
// the remaining missions are still processed.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	now := s.now()
	res := TickResult{At: domain.FormatTime(now), Missions: []MissionResult{}}
	if !s.running.CompareAndSwap(false, true) {
		res.Skipped = SkipBusy
		return res, nil
	}
	defer s.running.Store(false)

	loc := s.Settings.Location()
	if !s.IgnoreWindow && !InWindow(now, s.Settings.NightlyRunHourLocal, s.Settings.NightlySchedulerWindowMinutes, loc) {
		res.Skipped = SkipOutsideHours
		return res, nil
	}

	missions, err := s.Repo.DueScheduledMissions(ctx, res.At)
	if err != nil {
		return res, fmt.Errorf("list due missions: %w", err)
	}
	dayStart := domain.FormatTime(StartOfDay(now, loc))
	for _, m := range missions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		mr := s.launch(ctx, m, dayStart)
		if mr.Error != "" {
			log.Error(ctx, errors.New(mr.Error), log.KV{K: "msg", V: "scheduler launch failed"}, log.KV{K: "mission", V: m.ID})
		}
		res.Missions = append(res.Missions, mr)
	}
	return res, nil
}

func (s *Scheduler) launch(ctx context.Context, m domain.Mission, dayStart string) MissionResult {
	mr := MissionResult{MissionID: m.ID}
	h, err := s.Repo.LatestEligibleHandoff(ctx, m.ID)
	if errors.Is(err, repo.ErrNotFound) {
		mr.Skipped = SkipNoHandoff
		return mr
	}
	if err != nil {
		mr.Error = err.Error()
		return mr
	}
	mr.HandoffID = h.ID

	_, err = s.Repo.FindActiveRunForMissionSince(ctx, m.ID, dayStart)
	switch {
	case err == nil:
		mr.Skipped = SkipActiveToday
		return mr
	case !errors.Is(err, repo.ErrNotFound):
		mr.Error = err.Error()
		return mr
	}

	q, err := s.Launcher.QueueRunFromHandoff(ctx, h.ID, engine.QueueOptions{
		Source:        engine.SourceScheduler,
		DedupeMinutes: LaunchDedupeMinutes,
	})
	if err != nil {
		mr.Error = err.Error()
		return mr
	}
	mr.RunID = q.RunID
	mr.Deduped = q.Deduped
	return mr
}

// InWindow reports whether now, in loc, falls in the first windowMinutes of
// the nightly hour.
func InWindow(now time.Time, hour, windowMinutes int, loc *time.Location) bool {
	local := now.In(loc)
	return local.Hour() == hour && local.Minute() < windowMinutes
}

func StartOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// NextRunAt returns the next start of the nightly hour strictly after now.
func NextRunAt(hour int, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return next
}
