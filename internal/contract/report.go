package contract

import (
	"encoding/json"
	"fmt"
)

// ReportVersion tags every run report.
const ReportVersion = "run_report.v1"

type Assumption struct {
	Statement         string  `json:"statement"`
	Confidence        float64 `json:"confidence"`
	ImpactIfWrong     string  `json:"impact_if_wrong"`
	NeedsConfirmation bool    `json:"needs_confirmation"`
}

type Recommendation struct {
	RecommendationID string   `json:"recommendation_id"`
	Text             string   `json:"text"`
	Confidence       float64  `json:"confidence"`
	Tradeoffs        []string `json:"tradeoffs"`
	WhyThisRef       string   `json:"why_this_ref"`
}

type MemoryUpdates struct {
	SemanticRefs     []string `json:"semantic_refs"`
	StrategicRefs    []string `json:"strategic_refs"`
	ConflictsCreated []string `json:"conflicts_created"`
}

type AuthorityUpdate struct {
	DomainKey     string         `json:"domain_key"`
	PreviousLevel AuthorityLevel `json:"previous_level"`
	CurrentLevel  AuthorityLevel `json:"current_level"`
	Reason        string         `json:"reason"`
}

type TraceRefs struct {
	ReplayTimeline  string `json:"replay_timeline"`
	ToolInvocations string `json:"tool_invocations"`
}

// ProviderMeta records which reasoning source produced plan and synthesis.
type ProviderMeta struct {
	Mode              string `json:"mode"`
	PlannerModel      string `json:"planner_model"`
	SynthesizerModel  string `json:"synthesizer_model"`
	PlannerSource     string `json:"planner_source"`
	SynthesizerSource string `json:"synthesizer_source"`
}

// Report is the morning summary of one completed run.
type Report struct {
	Version                string           `json:"report_version"`
	ReportID               string           `json:"report_id"`
	RunID                  string           `json:"run_id"`
	ProjectID              string           `json:"project_id"`
	HandoffID              string           `json:"handoff_id"`
	MissionStatus          string           `json:"mission_status"`
	ObjectiveResult        string           `json:"objective_result"`
	DeltaSummary           []string         `json:"delta_summary"`
	EvidenceRefs           []string         `json:"evidence_refs"`
	ArtifactRefs           []string         `json:"artifact_refs"`
	Assumptions            []Assumption     `json:"assumptions"`
	RecommendedActionsTop3 []Recommendation `json:"recommended_actions_top3"`
	DecisionsNeededTop3    []string         `json:"decisions_needed_top3"`
	MemoryUpdates          MemoryUpdates    `json:"memory_updates"`
	AuthorityUpdate        AuthorityUpdate  `json:"authority_update"`
	TraceRefs              TraceRefs        `json:"trace_refs"`
	Provider               ProviderMeta     `json:"provider"`
	FollowOnHandoffReady   bool             `json:"follow_on_handoff_ready"`
}

var reportSchema = MustCompileSchema("run_report", reportSchemaJSON)

// ValidateReport checks r against the report schema.
func ValidateReport(r Report) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return reportSchema.ValidateJSON(raw)
}

// AssumptionSchema is shared with plan and synthesis schemas.
const AssumptionSchema = `{
  "type": "object",
  "required": ["statement", "confidence", "impact_if_wrong"],
  "properties": {
    "statement": {"type": "string", "minLength": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "impact_if_wrong": {"enum": ["low", "medium", "high"]},
    "needs_confirmation": {"type": "boolean"}
  }
}`

const stringArray = `{"type": "array", "items": {"type": "string"}}`

const reportSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["report_version", "report_id", "run_id", "project_id", "handoff_id", "mission_status",
    "objective_result", "delta_summary", "evidence_refs", "artifact_refs", "assumptions",
    "recommended_actions_top3", "decisions_needed_top3", "memory_updates", "authority_update", "trace_refs", "provider"],
  "properties": {
    "report_version": {"const": "` + ReportVersion + `"},
    "report_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "project_id": {"type": "string", "minLength": 1},
    "handoff_id": {"type": "string", "minLength": 1},
    "mission_status": {"enum": ["completed", "partial", "failed"]},
    "objective_result": {"type": "string", "minLength": 1},
    "delta_summary": {"type": "array", "maxItems": 5, "items": {"type": "string"}},
    "evidence_refs": ` + stringArray + `,
    "artifact_refs": ` + stringArray + `,
    "assumptions": {"type": "array", "maxItems": 3, "items": ` + AssumptionSchema + `},
    "recommended_actions_top3": {
      "type": "array",
      "maxItems": 3,
      "items": {
        "type": "object",
        "required": ["recommendation_id", "text", "confidence", "why_this_ref"],
        "properties": {
          "recommendation_id": {"type": "string", "minLength": 1},
          "text": {"type": "string", "minLength": 1},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "tradeoffs": ` + stringArray + `,
          "why_this_ref": {"type": "string", "minLength": 1}
        }
      }
    },
    "decisions_needed_top3": {"type": "array", "maxItems": 3, "items": {"type": "string"}},
    "memory_updates": {
      "type": "object",
      "properties": {
        "semantic_refs": ` + stringArray + `,
        "strategic_refs": ` + stringArray + `,
        "conflicts_created": ` + stringArray + `
      }
    },
    "authority_update": {
      "type": "object",
      "required": ["domain_key", "previous_level", "current_level", "reason"],
      "properties": {
        "domain_key": {"type": "string", "minLength": 1},
        "previous_level": ` + authorityLevelSchema + `,
        "current_level": ` + authorityLevelSchema + `,
        "reason": {"type": "string", "minLength": 1}
      }
    },
    "trace_refs": {
      "type": "object",
      "required": ["replay_timeline", "tool_invocations"],
      "properties": {
        "replay_timeline": {"type": "string", "minLength": 1},
        "tool_invocations": {"type": "string", "minLength": 1}
      }
    },
    "provider": {
      "type": "object",
      "required": ["mode", "planner_source", "synthesizer_source"],
      "properties": {
        "mode": {"enum": ["provider", "fallback"]},
        "planner_source": {"type": "string", "minLength": 1},
        "synthesizer_source": {"type": "string", "minLength": 1}
      }
    }
  }
}`
