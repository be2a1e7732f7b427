package server

import (
	"encoding/json"

	"nightlobster/internal/domain"
	"nightlobster/internal/engine"
	"nightlobster/internal/repo"
)

// Request payloads. Fields are optional at the schema level; the engine
// reports every missing or invalid field at once.

type CreateProjectRequest struct {
	Name    string `json:"name,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

type CreateMissionRequest struct {
	ProjectID       string         `json:"project_id,omitempty"`
	Title           string         `json:"title,omitempty"`
	Objective       string         `json:"objective,omitempty"`
	Constraints     map[string]any `json:"constraints,omitempty"`
	SuccessCriteria []string       `json:"success_criteria,omitempty"`
	Status          string         `json:"status,omitempty" enum:"scheduled,queued,running,completed,failed,canceled"`
	ScheduledFor    string         `json:"scheduled_for,omitempty" format:"date-time"`
}

func (r CreateMissionRequest) options() (engine.MissionCreateOptions, error) {
	opts := engine.MissionCreateOptions{
		ProjectID:       r.ProjectID,
		Title:           r.Title,
		Objective:       r.Objective,
		SuccessCriteria: r.SuccessCriteria,
		Status:          r.Status,
		ScheduledFor:    r.ScheduledFor,
	}
	if r.Constraints != nil {
		raw, err := json.Marshal(r.Constraints)
		if err != nil {
			return opts, err
		}
		opts.Constraints = raw
	}
	return opts, nil
}

type CreateRunRequest struct {
	HandoffID string `json:"handoff_id,omitempty"`
}

type EvaluationRequest struct {
	UsefulnessRating  int                   `json:"usefulness_rating,omitempty"`
	BrevityRating     int                   `json:"brevity_rating,omitempty"`
	TrustRating       int                   `json:"trust_rating,omitempty"`
	Notes             string                `json:"notes,omitempty"`
	FlaggedIssueTypes []string              `json:"flagged_issue_types,omitempty"`
	Outcomes          []engine.OutcomeInput `json:"outcomes,omitempty"`
}

func (r EvaluationRequest) input() engine.EvaluationInput {
	return engine.EvaluationInput{
		UsefulnessRating:  r.UsefulnessRating,
		BrevityRating:     r.BrevityRating,
		TrustRating:       r.TrustRating,
		Notes:             r.Notes,
		FlaggedIssueTypes: r.FlaggedIssueTypes,
		Outcomes:          r.Outcomes,
	}
}

type CreateWorkItemRequest struct {
	ProjectID string   `json:"project_id,omitempty"`
	Title     string   `json:"title,omitempty"`
	Type      string   `json:"type,omitempty"`
	Status    string   `json:"status,omitempty" enum:"backlog,in_progress,blocked,done"`
	Priority  int      `json:"priority,omitempty"`
	GoalLinks []string `json:"goal_links,omitempty"`
	Links     []string `json:"links,omitempty"`
	NextStep  string   `json:"next_step,omitempty"`
	Owner     string   `json:"owner,omitempty" enum:"agent,human"`
}

func (r CreateWorkItemRequest) options() engine.WorkItemCreateOptions {
	return engine.WorkItemCreateOptions{
		ProjectID: r.ProjectID,
		Title:     r.Title,
		Type:      r.Type,
		Status:    r.Status,
		Priority:  r.Priority,
		GoalLinks: r.GoalLinks,
		Links:     r.Links,
		NextStep:  r.NextStep,
		Owner:     r.Owner,
	}
}

type UpdateWorkItemRequest struct {
	Title     *string   `json:"title,omitempty"`
	Type      *string   `json:"type,omitempty"`
	Status    *string   `json:"status,omitempty" enum:"backlog,in_progress,blocked,done"`
	Priority  *int      `json:"priority,omitempty"`
	GoalLinks *[]string `json:"goal_links,omitempty"`
	Links     *[]string `json:"links,omitempty"`
	NextStep  *string   `json:"next_step,omitempty"`
	Owner     *string   `json:"owner,omitempty" enum:"agent,human"`
}

func (r UpdateWorkItemRequest) patch() repo.WorkItemPatch {
	return repo.WorkItemPatch{
		Title:     r.Title,
		Type:      r.Type,
		Status:    r.Status,
		Priority:  r.Priority,
		GoalLinks: r.GoalLinks,
		Links:     r.Links,
		NextStep:  r.NextStep,
		Owner:     r.Owner,
	}
}

type LinkMissionRequest struct {
	MissionID string `json:"mission_id,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status string `json:"status"`
}

type ProviderStatus struct {
	Kind    string `json:"kind"`
	Model   string `json:"model"`
	Enabled bool   `json:"enabled"`
}

type ConfigDefaultsResponse struct {
	NightlyRunHourLocal    int            `json:"nightly_run_hour_local"`
	NightlyRuntimeMinutes  int            `json:"nightly_runtime_minutes"`
	SchedulerWindowMinutes int            `json:"scheduler_window_minutes"`
	Timezone               string         `json:"timezone"`
	WritePolicy            string         `json:"write_policy"`
	Provider               ProviderStatus `json:"provider"`
	NextRunAtLocal         string         `json:"next_run_at_local"`
}

type UnlinkResponse struct {
	OK      bool  `json:"ok"`
	Deleted int64 `json:"deleted"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
