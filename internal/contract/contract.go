package contract

import (
	"encoding/json"
	"fmt"
	"slices"
)

const (
	// ContractVersion tags every run contract this package produces.
	ContractVersion = "nightly_run_contract.v1"
	// MaxTokens is the fixed token budget of every run.
	MaxTokens = 120000
)

// StopConditions are the platform stop conditions attached to every contract.
var StopConditions = []string{
	"budget_exhausted",
	"confidence_stagnation",
	"insufficient_evidence",
	"permission_denied_repeated",
}

// Artifact types a run writes.
const (
	ArtifactDecisionMemo   = "decision_memo"
	ArtifactExperimentCard = "experiment_card"
	ArtifactCodeDiff       = "code_diff"
)

type ContractConstraints struct {
	MaxRuntimeMinutes int        `json:"max_runtime_minutes"`
	MaxTokens         int        `json:"max_tokens"`
	ToolPolicy        ToolPolicy `json:"tool_policy"`
	ForbiddenActions  []string   `json:"forbidden_actions"`
}

type ContractProvenance struct {
	MinEvidenceItems        int  `json:"min_evidence_items"`
	ClaimsMustLinkEvidence  bool `json:"claims_must_link_evidence"`
	AllowHypotheses         bool `json:"allow_hypotheses"`
	HypothesesMustBeLabeled bool `json:"hypotheses_must_be_labeled"`
}

type ContractAssumptionPolicy struct {
	MaxOpenAssumptions           int  `json:"max_open_assumptions"`
	BranchIfImpactHighAndCostLow bool `json:"branch_if_impact_high_and_cost_low"`
	WhenBlockedConvertToDecision bool `json:"when_blocked_convert_to_decision"`
}

type ArtifactLimits struct {
	MaxArtifacts        int `json:"max_artifacts"`
	MaxWordsPerArtifact int `json:"max_words_per_artifact"`
}

type OutputRequirements struct {
	MorningBrief          bool           `json:"morning_brief"`
	DecisionQueue         bool           `json:"decision_queue"`
	Artifacts             []string       `json:"artifacts"`
	ArtifactLimits        ArtifactLimits `json:"artifact_limits"`
	BriefStyle            string         `json:"brief_style"`
	MaxMorningReadMinutes int            `json:"max_morning_read_minutes"`
}

type TraceRequirements struct {
	RecordToolInvocations bool `json:"record_tool_invocations"`
	RecordPlanVersions    bool `json:"record_plan_versions"`
	RecordMemoryDiffs     bool `json:"record_memory_diffs"`
	WhyThisExplainers     bool `json:"why_this_explainers"`
}

type FeedbackRequirements struct {
	CollectRunEvaluation          bool `json:"collect_run_evaluation"`
	CollectRecommendationOutcomes bool `json:"collect_recommendation_outcomes"`
}

// Contract is the frozen, execution-ready projection of an Envelope.
type Contract struct {
	Version                string                   `json:"contract_version"`
	ProjectID              string                   `json:"project_id"`
	MissionID              string                   `json:"mission_id"`
	Objective              string                   `json:"objective"`
	DomainScope            []string                 `json:"domain_scope"`
	GoalLinks              []string                 `json:"goal_links"`
	WorkItemLinks          []string                 `json:"work_item_links"`
	Constraints            ContractConstraints      `json:"constraints"`
	SuccessCriteria        []string                 `json:"success_criteria"`
	StopConditions         []string                 `json:"stop_conditions"`
	ProvenanceRequirements ContractProvenance       `json:"provenance_requirements"`
	AssumptionPolicy       ContractAssumptionPolicy `json:"assumption_policy"`
	OutputRequirements     OutputRequirements       `json:"output_requirements"`
	TraceRequirements      TraceRequirements        `json:"trace_requirements"`
	AuthorityPolicy        AuthorityPolicy          `json:"authority_policy"`
	FeedbackRequirements   FeedbackRequirements     `json:"feedback_requirements"`
}

// RepoWriteScope returns the repository write scope, zero when absent.
func (c Contract) RepoWriteScope() ToolScope {
	return c.Constraints.ToolPolicy.Scopes[ScopeRepoWritePR]
}

// BuildRunContract validates a raw envelope and projects it into a contract.
func BuildRunContract(raw []byte) (Contract, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return Contract{}, err
	}
	c := ProjectContract(env)
	if err := ValidateContract(c); err != nil {
		return Contract{}, err
	}
	return c, nil
}

// ProjectContract derives a contract from a parsed envelope. It is a pure
// function: no clock, no I/O, and it shares no slices or maps with env.
func ProjectContract(env Envelope) Contract {
	return Contract{
		Version:       ContractVersion,
		ProjectID:     env.ProjectID,
		MissionID:     env.MissionID,
		Objective:     env.Objective,
		DomainScope:   []string{"default"},
		GoalLinks:     clone(env.GoalLinks),
		WorkItemLinks: clone(env.WorkItemLinks),
		Constraints: ContractConstraints{
			MaxRuntimeMinutes: env.Constraints.MaxRuntimeMinutes,
			MaxTokens:         MaxTokens,
			ToolPolicy:        cloneToolPolicy(env.Constraints.ToolPolicy),
			ForbiddenActions:  clone(env.Constraints.ForbiddenActions),
		},
		SuccessCriteria: clone(env.SuccessCriteria),
		StopConditions:  clone(StopConditions),
		ProvenanceRequirements: ContractProvenance{
			MinEvidenceItems:        env.ProvenanceRequirements.MinEvidenceItems,
			ClaimsMustLinkEvidence:  env.ProvenanceRequirements.ClaimsMustLinkEvidence,
			AllowHypotheses:         true,
			HypothesesMustBeLabeled: true,
		},
		AssumptionPolicy: ContractAssumptionPolicy{
			MaxOpenAssumptions:           env.AssumptionPolicy.MaxOpenAssumptions,
			BranchIfImpactHighAndCostLow: true,
			WhenBlockedConvertToDecision: env.AssumptionPolicy.WhenBlockedConvertToDecision,
		},
		OutputRequirements: OutputRequirements{
			MorningBrief:          true,
			DecisionQueue:         true,
			Artifacts:             []string{ArtifactDecisionMemo, ArtifactExperimentCard, ArtifactCodeDiff},
			ArtifactLimits:        ArtifactLimits{MaxArtifacts: 3, MaxWordsPerArtifact: 300},
			BriefStyle:            "coffee_mode",
			MaxMorningReadMinutes: 5,
		},
		TraceRequirements: TraceRequirements{
			RecordToolInvocations: true,
			RecordPlanVersions:    true,
			RecordMemoryDiffs:     true,
			WhyThisExplainers:     true,
		},
		AuthorityPolicy: env.AuthorityPolicy,
		FeedbackRequirements: FeedbackRequirements{
			CollectRunEvaluation:          true,
			CollectRecommendationOutcomes: true,
		},
	}
}

var contractSchema = MustCompileSchema("run_contract", contractSchemaJSON)

// ValidateContract checks c against the contract schema.
func ValidateContract(c Contract) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode contract: %w", err)
	}
	return contractSchema.ValidateJSON(raw)
}

// ParseContract decodes a stored contract and re-validates it.
func ParseContract(raw []byte) (Contract, error) {
	if err := contractSchema.ValidateJSON(raw); err != nil {
		return Contract{}, err
	}
	var c Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return Contract{}, fmt.Errorf("decode contract: %w", err)
	}
	return c, nil
}

func clone(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}

func cloneToolPolicy(p ToolPolicy) ToolPolicy {
	out := ToolPolicy{
		AllowedTools: clone(p.AllowedTools),
		DeniedTools:  clone(p.DeniedTools),
		Scopes:       make(map[string]ToolScope, len(p.Scopes)),
	}
	for name, scope := range p.Scopes {
		scope.AllowedPaths = slices.Clone(scope.AllowedPaths)
		scope.AllowedDomains = slices.Clone(scope.AllowedDomains)
		out.Scopes[name] = scope
	}
	return out
}

const contractSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["contract_version", "project_id", "mission_id", "objective", "domain_scope", "goal_links",
    "work_item_links", "constraints", "success_criteria", "stop_conditions", "provenance_requirements",
    "assumption_policy", "output_requirements", "trace_requirements", "authority_policy", "feedback_requirements"],
  "properties": {
    "contract_version": {"const": "` + ContractVersion + `"},
    "project_id": {"type": "string", "minLength": 1},
    "mission_id": {"type": "string", "minLength": 1},
    "objective": {"type": "string", "minLength": 1},
    "domain_scope": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "goal_links": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "work_item_links": {"type": "array", "items": {"type": "string"}},
    "constraints": {
      "type": "object",
      "required": ["max_runtime_minutes", "max_tokens", "tool_policy", "forbidden_actions"],
      "properties": {
        "max_runtime_minutes": {"type": "integer", "minimum": 1, "maximum": 240},
        "max_tokens": {"type": "integer", "minimum": 1, "maximum": 1000000},
        "tool_policy": ` + toolPolicySchema + `,
        "forbidden_actions": {"type": "array", "items": {"type": "string"}}
      }
    },
    "success_criteria": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "stop_conditions": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "provenance_requirements": {
      "type": "object",
      "required": ["min_evidence_items"],
      "properties": {"min_evidence_items": {"type": "integer", "minimum": 0}}
    },
    "assumption_policy": {
      "type": "object",
      "required": ["max_open_assumptions"],
      "properties": {"max_open_assumptions": {"type": "integer", "minimum": 0, "maximum": 10}}
    },
    "output_requirements": {
      "type": "object",
      "required": ["artifacts", "artifact_limits", "brief_style", "max_morning_read_minutes"],
      "properties": {
        "artifacts": {"type": "array", "items": {"enum": ["decision_memo", "experiment_card", "code_diff"]}},
        "artifact_limits": {
          "type": "object",
          "properties": {
            "max_artifacts": {"type": "integer", "minimum": 1, "maximum": 10},
            "max_words_per_artifact": {"type": "integer", "minimum": 1, "maximum": 1000}
          }
        },
        "brief_style": {"enum": ["coffee_mode"]},
        "max_morning_read_minutes": {"type": "integer", "minimum": 1, "maximum": 15}
      }
    },
    "trace_requirements": {"type": "object"},
    "authority_policy": ` + authorityPolicySchema + `,
    "feedback_requirements": {"type": "object"}
  }
}`
