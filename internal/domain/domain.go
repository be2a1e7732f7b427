package domain

import (
	"encoding/json"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for every persisted timestamp.
// Fixed width keeps lexical order equal to chronological order in SQL.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout (or RFC3339) timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

const (
	MissionDraft     = "draft"
	MissionScheduled = "scheduled"
	MissionQueued    = "queued"
	MissionRunning   = "running"
	MissionCompleted = "completed"
	MissionFailed    = "failed"
	MissionCancelled = "cancelled"
)

const (
	HandoffDraft              = "draft"
	HandoffReady              = "ready"
	HandoffQueued             = "queued"
	HandoffQueuedByScheduler  = "queued_by_scheduler"
	HandoffRunning            = "running"
	HandoffCompleted          = "completed"
	HandoffFailed             = "failed"
	HandoffTargetModeNightRun = "night_run"
)

// EligibleHandoffStatuses are the handoff states the scheduler may launch from.
var EligibleHandoffStatuses = []string{HandoffReady, HandoffQueued, HandoffQueuedByScheduler}

const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	// RunPartial is accepted by storage but no executor path produces it.
	RunPartial   = "partial"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// ActiveRunStatuses are the run states that count for launch dedup.
var ActiveRunStatuses = []string{RunQueued, RunRunning, RunCompleted, RunPartial}

const (
	StageIntake     = "intake"
	StagePlan       = "plan"
	StageExecute    = "execute"
	StageSynthesize = "synthesize"
	StageHandoff    = "handoff"
)

const (
	ToolStatusOK     = "ok"
	ToolStatusError  = "error"
	ToolStatusDenied = "denied"
)

const (
	OutcomeAccepted = "accepted"
	OutcomeModified = "modified"
	OutcomeDeferred = "deferred"
	OutcomeRejected = "rejected"
	OutcomePending  = "pending"
)

const (
	CapturePending   = "pending"
	CaptureSubmitted = "submitted"
)

const (
	DecisionOpen     = "open"
	DecisionResolved = "resolved"
)

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Purpose   string `json:"purpose,omitempty"`
	CreatedAt string `json:"created_at"`
}

type Mission struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	Title           string          `json:"title"`
	Objective       string          `json:"objective"`
	Constraints     json.RawMessage `json:"constraints,omitempty"`
	SuccessCriteria []string        `json:"success_criteria"`
	Status          string          `json:"status"`
	ScheduledFor    *string         `json:"scheduled_for,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

type Handoff struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	ThreadID       string          `json:"thread_id"`
	MissionID      string          `json:"mission_id"`
	SourceProvider string          `json:"source_provider"`
	TargetMode     string          `json:"target_mode"`
	Status         string          `json:"status"`
	Envelope       json.RawMessage `json:"envelope"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// PreReviewScore is the automatic score recorded when a run completes.
type PreReviewScore struct {
	Score             float64 `json:"score"`
	Alignment         float64 `json:"alignment"`
	Evidence          float64 `json:"evidence"`
	Novelty           float64 `json:"novelty"`
	DecisionReadiness float64 `json:"decision_readiness"`
}

// PostReviewScore is merged into the score payload after a morning evaluation.
type PostReviewScore struct {
	Score                        float64 `json:"score"`
	Usefulness                   float64 `json:"usefulness"`
	RecommendationOutcomeAverage float64 `json:"recommendation_outcome_average"`
	TrustPenalty                 float64 `json:"trust_penalty"`
}

// RunScore is the score payload stored on a run.
type RunScore struct {
	PreReview  *PreReviewScore  `json:"pre_review"`
	PostReview *PostReviewScore `json:"post_review,omitempty"`
	Error      string           `json:"error,omitempty"`
}

type Run struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	MissionID     string          `json:"mission_id"`
	HandoffID     string          `json:"handoff_id,omitempty"`
	Status        string          `json:"status"`
	TimeBudgetSec int             `json:"time_budget_sec"`
	TokenBudget   int             `json:"token_budget"`
	Contract      json.RawMessage `json:"run_contract"`
	Score         *RunScore       `json:"score,omitempty"`
	StartedAt     *string         `json:"started_at,omitempty"`
	EndedAt       *string         `json:"ended_at,omitempty"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

type RunStep struct {
	ID            string  `json:"id"`
	RunID         string  `json:"run_id"`
	Ordinal       int     `json:"ordinal"`
	Stage         string  `json:"stage"`
	Action        string  `json:"action"`
	ResultSummary string  `json:"result_summary"`
	Confidence    float64 `json:"confidence"`
	Timestamp     string  `json:"ts"`
}

type ToolInvocation struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Ordinal     int             `json:"ordinal"`
	ToolName    string          `json:"tool_name"`
	Request     json.RawMessage `json:"request"`
	Status      string          `json:"status"`
	ResponseRef string          `json:"response_ref,omitempty"`
	ErrorText   string          `json:"error_text,omitempty"`
	StartedAt   string          `json:"started_at"`
	EndedAt     string          `json:"ended_at"`
}

type EvidenceItem struct {
	ID           string  `json:"id"`
	RunID        string  `json:"run_id"`
	ProjectID    string  `json:"project_id"`
	Kind         string  `json:"kind"`
	Citation     string  `json:"citation"`
	QualityScore float64 `json:"quality_score"`
	Excerpt      string  `json:"excerpt"`
	Notes        string  `json:"notes,omitempty"`
	RetrievedAt  string  `json:"retrieved_at"`
}

type Artifact struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	ProjectID  string `json:"project_id"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Format     string `json:"format"`
	StorageURI string `json:"storage_uri"`
	Summary    string `json:"summary"`
	CreatedAt  string `json:"created_at"`
}

type Decision struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
	Question  string `json:"question"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type RunReport struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	ProjectID   string          `json:"project_id"`
	HandoffID   string          `json:"handoff_id,omitempty"`
	Report      json.RawMessage `json:"report"`
	SummaryText string          `json:"summary_text"`
	CreatedAt   string          `json:"created_at"`
}

type RecommendationOutcome struct {
	ID               string `json:"id"`
	RunID            string `json:"run_id"`
	RecommendationID string `json:"recommendation_id"`
	Outcome          string `json:"outcome"`
	Reason           string `json:"reason,omitempty"`
	UpdatedAt        string `json:"updated_at"`
}

type RunEvaluation struct {
	ID                string   `json:"id"`
	RunID             string   `json:"run_id"`
	ProjectID         string   `json:"project_id"`
	CaptureStatus     string   `json:"capture_status"`
	UsefulnessRating  *int     `json:"usefulness_rating,omitempty"`
	BrevityRating     *int     `json:"brevity_rating,omitempty"`
	TrustRating       *int     `json:"trust_rating,omitempty"`
	Notes             string   `json:"notes,omitempty"`
	FlaggedIssueTypes []string `json:"flagged_issue_types"`
	DueAt             *string  `json:"due_at,omitempty"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
}

const (
	WorkItemBacklog    = "backlog"
	WorkItemInProgress = "in_progress"
	WorkItemBlocked    = "blocked"
	WorkItemDone       = "done"

	OwnerAgent = "agent"
	OwnerHuman = "human"
)

var WorkItemStatuses = []string{WorkItemBacklog, WorkItemInProgress, WorkItemBlocked, WorkItemDone}

type WorkItem struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	Title     string   `json:"title"`
	Type      string   `json:"type"`
	Status    string   `json:"status"`
	Priority  int      `json:"priority"`
	GoalLinks []string `json:"goal_links"`
	Links     []string `json:"links"`
	NextStep  *string  `json:"next_step,omitempty"`
	Owner     string   `json:"owner"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
	// Missions is filled by reads that join mission links.
	Missions []LinkedMission `json:"missions,omitempty"`
}

// LinkedMission is the mission summary shown on a work item.
type LinkedMission struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Status       string  `json:"status"`
	ScheduledFor *string `json:"scheduled_for,omitempty"`
}

type MissionWorkLink struct {
	MissionID  string `json:"mission_id"`
	WorkItemID string `json:"work_item_id"`
	CreatedAt  string `json:"created_at"`
}

type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}
