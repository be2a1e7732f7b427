package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"nightlobster/internal/contract"
)

// Completer sends one system/user prompt pair to a chat model and returns the
// raw text of the first answer. Implementations make exactly one attempt.
type Completer interface {
	Name() string
	Complete(ctx context.Context, model, system, user string) (string, error)
}

// ProviderError wraps any failure of a remote provider call. It never leaves
// this package: Planner recovers it with the fallback.
type ProviderError struct {
	Source string
	Op     string
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RemoteProvider asks a Completer for JSON and validates it strictly.
type RemoteProvider struct {
	Completer Completer
	Model     string
	// Timeout bounds one call; zero leaves the caller's deadline in charge.
	Timeout time.Duration
}

func (r RemoteProvider) Source() string { return r.Completer.Name() }

const (
	planSystemPrompt      = "You are a product strategy planner. Return strict JSON only. No markdown. Keep output concise and executable."
	synthesisSystemPrompt = "You are a product synthesis assistant. Return strict JSON only. Prioritize decision-readiness and bounded recommendations."
)

type assumptionShape struct {
	Statement         string `json:"statement"`
	Confidence        string `json:"confidence"`
	ImpactIfWrong     string `json:"impact_if_wrong"`
	NeedsConfirmation string `json:"needs_confirmation"`
}

var assumptionHint = []assumptionShape{{
	Statement:         "string",
	Confidence:        "number(0..1)",
	ImpactIfWrong:     "low|medium|high",
	NeedsConfirmation: "boolean",
}}

func (r RemoteProvider) Plan(ctx context.Context, in PlanInput) (Plan, error) {
	user, err := json.Marshal(struct {
		Objective          string   `json:"objective"`
		GoalLinks          []string `json:"goal_links"`
		OpenQuestions      []string `json:"open_questions"`
		SuccessCriteria    []string `json:"success_criteria"`
		RequiredJSONSchema any      `json:"required_json_schema"`
	}{
		Objective:       in.Objective,
		GoalLinks:       in.GoalLinks,
		OpenQuestions:   in.OpenQuestions,
		SuccessCriteria: in.SuccessCriteria,
		RequiredJSONSchema: map[string]any{
			"plan_summary":    "string",
			"execution_steps": "string[3..6]",
			"risks":           "string[0..3]",
			"assumptions":     assumptionHint,
		},
	})
	if err != nil {
		return Plan{}, err
	}
	raw, err := r.call(ctx, "plan", planSystemPrompt, string(user))
	if err != nil {
		return Plan{}, err
	}
	if err := planSchema.ValidateJSON(raw); err != nil {
		return Plan{}, &ProviderError{Source: r.Source(), Op: "plan", Err: err}
	}
	var wire struct {
		PlanSummary    string           `json:"plan_summary"`
		ExecutionSteps []string         `json:"execution_steps"`
		Risks          []string         `json:"risks"`
		Assumptions    []wireAssumption `json:"assumptions"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Plan{}, &ProviderError{Source: r.Source(), Op: "plan", Err: err}
	}
	return Plan{
		PlanSummary:    wire.PlanSummary,
		ExecutionSteps: wire.ExecutionSteps,
		Risks:          nonNil(wire.Risks),
		Assumptions:    toAssumptions(wire.Assumptions),
	}, nil
}

func (r RemoteProvider) Synthesize(ctx context.Context, in SynthesisInput) (Synthesis, error) {
	evidence := in.Evidence
	if evidence == nil {
		evidence = []EvidenceRef{}
	}
	user, err := json.Marshal(struct {
		Objective          string        `json:"objective"`
		GoalLinks          []string      `json:"goal_links"`
		PlanSummary        string        `json:"plan_summary"`
		Evidence           []EvidenceRef `json:"evidence"`
		RequiredJSONSchema any           `json:"required_json_schema"`
	}{
		Objective:   in.Objective,
		GoalLinks:   in.GoalLinks,
		PlanSummary: in.PlanSummary,
		Evidence:    evidence,
		RequiredJSONSchema: map[string]any{
			"objective_result": "string",
			"delta_summary":    "string[1..3]",
			"recommendations": []map[string]string{{
				"text":       "string",
				"confidence": "number(0..1)",
				"tradeoffs":  "string[0..3]",
			}},
			"decisions":   "string[1..3]",
			"assumptions": assumptionHint,
		},
	})
	if err != nil {
		return Synthesis{}, err
	}
	raw, err := r.call(ctx, "synthesize", synthesisSystemPrompt, string(user))
	if err != nil {
		return Synthesis{}, err
	}
	if err := synthesisSchema.ValidateJSON(raw); err != nil {
		return Synthesis{}, &ProviderError{Source: r.Source(), Op: "synthesize", Err: err}
	}
	var wire struct {
		ObjectiveResult string                    `json:"objective_result"`
		DeltaSummary    []string                  `json:"delta_summary"`
		Recommendations []SynthesisRecommendation `json:"recommendations"`
		Decisions       []string                  `json:"decisions"`
		Assumptions     []wireAssumption          `json:"assumptions"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Synthesis{}, &ProviderError{Source: r.Source(), Op: "synthesize", Err: err}
	}
	for i := range wire.Recommendations {
		wire.Recommendations[i].Tradeoffs = nonNil(wire.Recommendations[i].Tradeoffs)
	}
	return Synthesis{
		ObjectiveResult: wire.ObjectiveResult,
		DeltaSummary:    wire.DeltaSummary,
		Recommendations: wire.Recommendations,
		Decisions:       wire.Decisions,
		Assumptions:     toAssumptions(wire.Assumptions),
	}, nil
}

func (r RemoteProvider) call(ctx context.Context, op, system, user string) ([]byte, error) {
	if r.Completer == nil {
		return nil, errors.New("no completer configured")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	content, err := r.Completer.Complete(ctx, r.Model, system, user)
	if err != nil {
		return nil, &ProviderError{Source: r.Source(), Op: op, Err: err}
	}
	if strings.TrimSpace(content) == "" {
		return nil, &ProviderError{Source: r.Source(), Op: op, Err: errors.New("empty message content")}
	}
	return []byte(ExtractJSONBlock(content)), nil
}

var fencedJSON = regexp.MustCompile("(?is)```json\\s*(.*?)```")

// ExtractJSONBlock pulls the JSON document out of a chat answer: the first
// fenced json block, else the span from the first '{' to the last '}', else
// the content unchanged.
func ExtractJSONBlock(content string) string {
	if m := fencedJSON.FindStringSubmatch(content); m != nil && strings.TrimSpace(m[1]) != "" {
		return strings.TrimSpace(m[1])
	}
	first := strings.Index(content, "{")
	last := strings.LastIndex(content, "}")
	if first >= 0 && last > first {
		return content[first : last+1]
	}
	return content
}

type wireAssumption struct {
	Statement         string  `json:"statement"`
	Confidence        float64 `json:"confidence"`
	ImpactIfWrong     string  `json:"impact_if_wrong"`
	NeedsConfirmation *bool   `json:"needs_confirmation"`
}

func toAssumptions(in []wireAssumption) []contract.Assumption {
	out := make([]contract.Assumption, 0, len(in))
	for _, a := range in {
		needs := true
		if a.NeedsConfirmation != nil {
			needs = *a.NeedsConfirmation
		}
		out = append(out, contract.Assumption{
			Statement:         a.Statement,
			Confidence:        a.Confidence,
			ImpactIfWrong:     a.ImpactIfWrong,
			NeedsConfirmation: needs,
		})
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const nonEmptyString = `{"type": "string", "minLength": 1}`

var planSchema = contract.MustCompileSchema("provider_plan", `{
  "type": "object",
  "required": ["plan_summary", "execution_steps", "risks", "assumptions"],
  "properties": {
    "plan_summary": `+nonEmptyString+`,
    "execution_steps": {"type": "array", "minItems": 3, "maxItems": 6, "items": `+nonEmptyString+`},
    "risks": {"type": "array", "maxItems": 3, "items": `+nonEmptyString+`},
    "assumptions": {"type": "array", "maxItems": 3, "items": `+contract.AssumptionSchema+`}
  }
}`)

var synthesisSchema = contract.MustCompileSchema("provider_synthesis", `{
  "type": "object",
  "required": ["objective_result", "delta_summary", "recommendations", "decisions", "assumptions"],
  "properties": {
    "objective_result": `+nonEmptyString+`,
    "delta_summary": {"type": "array", "minItems": 1, "maxItems": 3, "items": `+nonEmptyString+`},
    "recommendations": {
      "type": "array",
      "minItems": 1,
      "maxItems": 3,
      "items": {
        "type": "object",
        "required": ["text", "confidence", "tradeoffs"],
        "properties": {
          "text": `+nonEmptyString+`,
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "tradeoffs": {"type": "array", "maxItems": 3, "items": `+nonEmptyString+`}
        }
      }
    },
    "decisions": {"type": "array", "minItems": 1, "maxItems": 3, "items": `+nonEmptyString+`},
    "assumptions": {"type": "array", "maxItems": 3, "items": `+contract.AssumptionSchema+`}
  }
}`)
