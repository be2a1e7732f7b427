package engine

import (
	"cmp"
	"context"
	"slices"

	"nightlobster/internal/domain"
)

// TimelineEntry is one stage step or tool call in replay order.
type TimelineEntry struct {
	TS      string `json:"ts"`
	Type    string `json:"type"`
	Label   string `json:"label"`
	Detail  string `json:"detail"`
	Ordinal int    `json:"ordinal"`
}

type RunSummary struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	StartedAt *string `json:"started_at,omitempty"`
	EndedAt   *string `json:"ended_at,omitempty"`
}

type Replay struct {
	Run             RunSummary              `json:"run"`
	Mission         domain.Mission          `json:"mission"`
	Handoff         *domain.Handoff         `json:"handoff"`
	Report          *domain.RunReport       `json:"report"`
	Steps           []domain.RunStep        `json:"steps"`
	ToolInvocations []domain.ToolInvocation `json:"tool_invocations"`
	Artifacts       []domain.Artifact       `json:"artifacts"`
	Evidence        []domain.EvidenceItem   `json:"evidence_items"`
	Timeline        []TimelineEntry         `json:"timeline"`
}

// ReplayRun reconstructs a run's chronology. Steps and tool invocations
// share one ordinal sequence, which breaks timestamp ties.
func (e Engine) ReplayRun(ctx context.Context, runID string) (Replay, error) {
	run, err := e.Repo.GetRun(ctx, nil, runID)
	if err != nil {
		return Replay{}, notFound(err, "run", runID)
	}
	r := Replay{Run: RunSummary{ID: run.ID, Status: run.Status, StartedAt: run.StartedAt, EndedAt: run.EndedAt}}
	if r.Mission, err = e.Repo.GetMission(ctx, nil, run.MissionID); err != nil {
		return r, notFound(err, "mission", run.MissionID)
	}
	if run.HandoffID != "" {
		if r.Handoff, err = optional(e.Repo.GetHandoff(ctx, nil, run.HandoffID)); err != nil {
			return r, err
		}
	}
	if r.Report, err = optional(e.Repo.LatestReport(ctx, runID)); err != nil {
		return r, err
	}
	if r.Steps, err = e.Repo.ListSteps(ctx, runID); err != nil {
		return r, err
	}
	if r.ToolInvocations, err = e.Repo.ListToolInvocations(ctx, runID); err != nil {
		return r, err
	}
	if r.Artifacts, err = e.Repo.ListArtifacts(ctx, runID); err != nil {
		return r, err
	}
	if r.Evidence, err = e.Repo.ListEvidence(ctx, runID); err != nil {
		return r, err
	}
	r.Timeline = BuildTimeline(r.Steps, r.ToolInvocations)
	return r, nil
}

// BuildTimeline merges steps and tool invocations by timestamp, then ordinal.
func BuildTimeline(steps []domain.RunStep, tools []domain.ToolInvocation) []TimelineEntry {
	out := make([]TimelineEntry, 0, len(steps)+len(tools))
	for _, s := range steps {
		out = append(out, TimelineEntry{TS: s.Timestamp, Type: "stage", Label: s.Stage, Detail: s.Action, Ordinal: s.Ordinal})
	}
	for _, t := range tools {
		out = append(out, TimelineEntry{TS: t.StartedAt, Type: "tool", Label: t.ToolName, Detail: t.Status, Ordinal: t.Ordinal})
	}
	slices.SortStableFunc(out, func(a, b TimelineEntry) int {
		return cmp.Or(cmp.Compare(a.TS, b.TS), cmp.Compare(a.Ordinal, b.Ordinal))
	})
	return out
}
