package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"nightlobster/internal/contract"
	"nightlobster/internal/domain"
	"nightlobster/internal/events"
	"nightlobster/internal/repo"
)

// ConflictError reports a caller-supplied id that is already taken.
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Kind, e.ID)
}

type ProjectCreateOptions struct {
	Name    string
	Purpose string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions, actorID string) (domain.Project, error) {
	v := validator{subject: "project"}
	v.require("name", opts.Name)
	v.require("purpose", opts.Purpose)
	if err := v.err(); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:        newID(),
		Name:      strings.TrimSpace(opts.Name),
		Purpose:   strings.TrimSpace(opts.Purpose),
		CreatedAt: domain.FormatTime(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.events().Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

type MissionCreateOptions struct {
	ProjectID       string
	Title           string
	Objective       string
	Constraints     json.RawMessage
	SuccessCriteria []string
	// Status defaults to scheduled.
	Status string
	// ScheduledFor is RFC3339; empty means due on the next nightly window.
	ScheduledFor string
}

var missionStatuses = []string{
	domain.MissionDraft, domain.MissionScheduled, domain.MissionQueued, domain.MissionRunning,
	domain.MissionCompleted, domain.MissionFailed, domain.MissionCancelled,
}

func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions, actorID string) (domain.Mission, error) {
	v := validator{subject: "mission"}
	v.require("project_id", opts.ProjectID)
	v.require("title", opts.Title)
	v.require("objective", opts.Objective)
	if opts.Status == "" {
		opts.Status = domain.MissionScheduled
	}
	if !slices.Contains(missionStatuses, opts.Status) {
		v.add("status", "must be one of "+strings.Join(missionStatuses, ", "))
	}
	constraints := opts.Constraints
	if len(constraints) == 0 || string(constraints) == "null" {
		constraints = json.RawMessage(`{}`)
	} else {
		var obj map[string]any
		if err := json.Unmarshal(constraints, &obj); err != nil || obj == nil {
			v.add("constraints", "must be a JSON object")
		}
	}
	var scheduledFor *string
	if opts.ScheduledFor != "" {
		t, err := domain.ParseTime(opts.ScheduledFor)
		if err != nil {
			v.add("scheduled_for", "must be an RFC3339 timestamp")
		} else {
			s := domain.FormatTime(t)
			scheduledFor = &s
		}
	}
	if err := v.err(); err != nil {
		return domain.Mission{}, err
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Mission{}, notFound(err, "project", opts.ProjectID)
	}
	criteria := opts.SuccessCriteria
	if criteria == nil {
		criteria = []string{}
	}
	ts := domain.FormatTime(e.now())
	m := domain.Mission{
		ID:              newID(),
		ProjectID:       opts.ProjectID,
		Title:           strings.TrimSpace(opts.Title),
		Objective:       strings.TrimSpace(opts.Objective),
		Constraints:     constraints,
		SuccessCriteria: criteria,
		Status:          opts.Status,
		ScheduledFor:    scheduledFor,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.events().Append(ctx, tx, events.MissionCreated, m.ProjectID, "mission", m.ID, actorID, events.EventPayload{
		"status": m.Status, "title": m.Title,
	}); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, nil, id)
	return m, notFound(err, "mission", id)
}

func (e Engine) ListMissions(ctx context.Context, projectID string) ([]domain.Mission, error) {
	return e.Repo.ListMissions(ctx, projectID)
}

// CreateHandoff validates a raw envelope and stores it as a ready handoff
// keyed by the envelope's handoff_id.
func (e Engine) CreateHandoff(ctx context.Context, raw []byte, actorID string) (domain.Handoff, error) {
	env, err := contract.ParseEnvelope(raw)
	if err != nil {
		return domain.Handoff{}, err
	}
	if _, err := e.Repo.GetProject(ctx, env.ProjectID); err != nil {
		return domain.Handoff{}, notFound(err, "project", env.ProjectID)
	}
	m, err := e.Repo.GetMission(ctx, nil, env.MissionID)
	if err != nil {
		return domain.Handoff{}, notFound(err, "mission", env.MissionID)
	}
	if m.ProjectID != env.ProjectID {
		v := validator{subject: "handoff_envelope"}
		v.add("mission_id", fmt.Sprintf("mission %s belongs to project %s", m.ID, m.ProjectID))
		return domain.Handoff{}, v.err()
	}
	if _, err := e.Repo.GetHandoff(ctx, nil, env.HandoffID); err == nil {
		return domain.Handoff{}, &ConflictError{Kind: "handoff", ID: env.HandoffID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Handoff{}, err
	}
	stored, err := json.Marshal(env)
	if err != nil {
		return domain.Handoff{}, fmt.Errorf("encode envelope: %w", err)
	}
	ts := domain.FormatTime(e.now())
	h := domain.Handoff{
		ID:             env.HandoffID,
		ProjectID:      env.ProjectID,
		ThreadID:       env.ThreadID,
		MissionID:      env.MissionID,
		SourceProvider: env.SourceProvider,
		TargetMode:     env.TargetMode,
		Status:         domain.HandoffReady,
		Envelope:       stored,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return h, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertHandoff(ctx, tx, h); err != nil {
		return h, err
	}
	if err := e.events().Append(ctx, tx, events.HandoffCreated, h.ProjectID, "handoff", h.ID, actorID, events.EventPayload{
		"mission_id": h.MissionID, "target_mode": h.TargetMode,
	}); err != nil {
		return h, err
	}
	return h, tx.Commit()
}

func (e Engine) GetHandoff(ctx context.Context, id string) (domain.Handoff, error) {
	h, err := e.Repo.GetHandoff(ctx, nil, id)
	return h, notFound(err, "handoff", id)
}

func (e Engine) ListHandoffs(ctx context.Context, projectID string) ([]domain.Handoff, error) {
	return e.Repo.ListHandoffs(ctx, projectID)
}

// RunDetail is a run with its mission and latest report and evaluation.
type RunDetail struct {
	domain.Run
	Mission    domain.Mission        `json:"mission"`
	Report     *domain.RunReport     `json:"report"`
	Evaluation *domain.RunEvaluation `json:"evaluation"`
}

func (e Engine) GetRun(ctx context.Context, id string) (RunDetail, error) {
	run, err := e.Repo.GetRun(ctx, nil, id)
	if err != nil {
		return RunDetail{}, notFound(err, "run", id)
	}
	d := RunDetail{Run: run}
	if d.Mission, err = e.Repo.GetMission(ctx, nil, run.MissionID); err != nil {
		return d, notFound(err, "mission", run.MissionID)
	}
	if d.Report, err = optional(e.Repo.LatestReport(ctx, id)); err != nil {
		return d, err
	}
	if d.Evaluation, err = optional(e.Repo.GetEvaluation(ctx, id)); err != nil {
		return d, err
	}
	return d, nil
}

func (e Engine) ListRuns(ctx context.Context, projectID string) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx, projectID)
}

// optional turns ErrNotFound into a nil pointer.
func optional[T any](v T, err error) (*T, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
