package contract

import (
	"encoding/json"
	"fmt"
)

// AuthorityLevel orders how much a run may act on its own.
type AuthorityLevel string

const (
	AuthoritySuggest           AuthorityLevel = "suggest"
	AuthorityRecommend         AuthorityLevel = "recommend"
	AuthorityAssert            AuthorityLevel = "assert"
	AuthorityAutonomousLimited AuthorityLevel = "autonomous_limited"
)

// AuthorityLevels is the escalation ladder, lowest first.
var AuthorityLevels = []AuthorityLevel{AuthoritySuggest, AuthorityRecommend, AuthorityAssert, AuthorityAutonomousLimited}

// Rank returns the position of l on the ladder, -1 when unknown.
func (l AuthorityLevel) Rank() int {
	for i, v := range AuthorityLevels {
		if v == l {
			return i
		}
	}
	return -1
}

// ScopeRepoWritePR is the tool scope that governs repository writes.
const ScopeRepoWritePR = "repo_write_pr"

type ToolScope struct {
	AllowedPaths     []string `json:"allowed_paths,omitempty"`
	AllowedDomains   []string `json:"allowed_domains,omitempty"`
	MaxFilesChanged  *int     `json:"max_files_changed,omitempty"`
	MaxDiffLines     *int     `json:"max_diff_lines,omitempty"`
	MaxRequests      *int     `json:"max_requests,omitempty"`
	RequiresApproval string   `json:"requires_approval,omitempty"`
}

type ToolPolicy struct {
	AllowedTools []string             `json:"allowed_tools"`
	DeniedTools  []string             `json:"denied_tools"`
	Scopes       map[string]ToolScope `json:"scopes"`
}

type AuthorityPolicy struct {
	StartLevel                  AuthorityLevel `json:"start_level"`
	MaxLevelThisRun             AuthorityLevel `json:"max_level_this_run"`
	AllowAutonomousWriteActions bool           `json:"allow_autonomous_write_actions"`
	EscalationMode              string         `json:"escalation_mode"`
}

type ContextFact struct {
	Fact      string `json:"fact"`
	SourceRef string `json:"source_ref"`
}

type EnvelopeConstraints struct {
	MaxRuntimeMinutes int        `json:"max_runtime_minutes"`
	ToolPolicy        ToolPolicy `json:"tool_policy"`
	ForbiddenActions  []string   `json:"forbidden_actions"`
}

type ProvenanceRequirements struct {
	MinEvidenceItems       int  `json:"min_evidence_items"`
	ClaimsMustLinkEvidence bool `json:"claims_must_link_evidence"`
}

type EnvelopeAssumptionPolicy struct {
	MaxOpenAssumptions           int  `json:"max_open_assumptions"`
	WhenBlockedConvertToDecision bool `json:"when_blocked_convert_to_decision"`
}

// Envelope is the handoff payload produced by a daytime thread.
type Envelope struct {
	HandoffID              string                   `json:"handoff_id"`
	ProjectID              string                   `json:"project_id"`
	ThreadID               string                   `json:"thread_id"`
	MissionID              string                   `json:"mission_id"`
	SourceProvider         string                   `json:"source_provider"`
	TargetMode             string                   `json:"target_mode"`
	Objective              string                   `json:"objective"`
	GoalLinks              []string                 `json:"goal_links"`
	WorkItemLinks          []string                 `json:"work_item_links"`
	DecisionsAlreadyMade   []string                 `json:"decisions_already_made"`
	OpenQuestions          []string                 `json:"open_questions"`
	MustUseContext         []ContextFact            `json:"must_use_context"`
	Constraints            EnvelopeConstraints      `json:"constraints"`
	ProvenanceRequirements ProvenanceRequirements   `json:"provenance_requirements"`
	AssumptionPolicy       EnvelopeAssumptionPolicy `json:"assumption_policy"`
	SuccessCriteria        []string                 `json:"success_criteria"`
	AuthorityPolicy        AuthorityPolicy          `json:"authority_policy"`
}

func defaultEnvelope() Envelope {
	return Envelope{
		Constraints: EnvelopeConstraints{
			ToolPolicy: ToolPolicy{DeniedTools: []string{}, Scopes: map[string]ToolScope{}},
		},
		ProvenanceRequirements: ProvenanceRequirements{MinEvidenceItems: 3, ClaimsMustLinkEvidence: true},
		AssumptionPolicy:       EnvelopeAssumptionPolicy{MaxOpenAssumptions: 3, WhenBlockedConvertToDecision: true},
		AuthorityPolicy: AuthorityPolicy{
			StartLevel:                  AuthoritySuggest,
			MaxLevelThisRun:             AuthorityRecommend,
			AllowAutonomousWriteActions: true,
			EscalationMode:              "threshold_gated",
		},
	}
}

var envelopeSchema = MustCompileSchema("handoff_envelope", envelopeSchemaJSON)

// ParseEnvelope validates raw untrusted JSON against the envelope schema and
// decodes it with defaults applied. Every violation is reported at once.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if err := envelopeSchema.ValidateJSON(raw); err != nil {
		return Envelope{}, err
	}
	env := defaultEnvelope()
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env.normalize()
	return env, nil
}

// MarshalEnvelope serializes any value and parses it back as an envelope.
func MarshalEnvelope(v any) ([]byte, Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("encode envelope: %w", err)
	}
	env, err := ParseEnvelope(raw)
	return raw, env, err
}

func (e *Envelope) normalize() {
	e.WorkItemLinks = nonNil(e.WorkItemLinks)
	e.DecisionsAlreadyMade = nonNil(e.DecisionsAlreadyMade)
	e.OpenQuestions = nonNil(e.OpenQuestions)
	if e.MustUseContext == nil {
		e.MustUseContext = []ContextFact{}
	}
	e.Constraints.ForbiddenActions = nonNil(e.Constraints.ForbiddenActions)
	e.Constraints.ToolPolicy.DeniedTools = nonNil(e.Constraints.ToolPolicy.DeniedTools)
	if e.Constraints.ToolPolicy.Scopes == nil {
		e.Constraints.ToolPolicy.Scopes = map[string]ToolScope{}
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const authorityLevelSchema = `{"enum": ["suggest", "recommend", "assert", "autonomous_limited"]}`

const toolPolicySchema = `{
  "type": "object",
  "required": ["allowed_tools"],
  "properties": {
    "allowed_tools": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "denied_tools": {"type": "array", "items": {"type": "string"}},
    "scopes": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "allowed_paths": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "allowed_domains": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "max_files_changed": {"type": "integer", "minimum": 1},
          "max_diff_lines": {"type": "integer", "minimum": 1},
          "max_requests": {"type": "integer", "minimum": 1},
          "requires_approval": {"enum": ["never", "pre_run_batch", "always"]}
        }
      }
    }
  }
}`

const authorityPolicySchema = `{
  "type": "object",
  "properties": {
    "start_level": ` + authorityLevelSchema + `,
    "max_level_this_run": ` + authorityLevelSchema + `,
    "allow_autonomous_write_actions": {"type": "boolean"},
    "escalation_mode": {"enum": ["threshold_gated"]}
  }
}`

const envelopeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["handoff_id", "project_id", "thread_id", "mission_id", "source_provider", "target_mode",
    "objective", "goal_links", "constraints", "provenance_requirements", "assumption_policy",
    "success_criteria", "authority_policy"],
  "properties": {
    "handoff_id": {"type": "string", "minLength": 1},
    "project_id": {"type": "string", "minLength": 1},
    "thread_id": {"type": "string", "minLength": 1},
    "mission_id": {"type": "string", "minLength": 1},
    "source_provider": {"enum": ["chatgpt", "codex", "other"]},
    "target_mode": {"enum": ["night_run", "chat"]},
    "objective": {"type": "string", "minLength": 1},
    "goal_links": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "work_item_links": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "decisions_already_made": {"type": "array", "items": {"type": "string"}},
    "open_questions": {"type": "array", "items": {"type": "string"}},
    "must_use_context": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["fact", "source_ref"],
        "properties": {
          "fact": {"type": "string", "minLength": 1},
          "source_ref": {"type": "string", "minLength": 1}
        }
      }
    },
    "constraints": {
      "type": "object",
      "required": ["max_runtime_minutes", "tool_policy"],
      "properties": {
        "max_runtime_minutes": {"type": "integer", "minimum": 1, "maximum": 240},
        "tool_policy": ` + toolPolicySchema + `,
        "forbidden_actions": {"type": "array", "items": {"type": "string"}}
      }
    },
    "provenance_requirements": {
      "type": "object",
      "properties": {
        "min_evidence_items": {"type": "integer", "minimum": 0},
        "claims_must_link_evidence": {"type": "boolean"}
      }
    },
    "assumption_policy": {
      "type": "object",
      "properties": {
        "max_open_assumptions": {"type": "integer", "minimum": 0, "maximum": 10},
        "when_blocked_convert_to_decision": {"type": "boolean"}
      }
    },
    "success_criteria": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "authority_policy": ` + authorityPolicySchema + `
  }
}`
