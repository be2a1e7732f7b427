package planner

import (
	"context"

	"nightlobster/internal/contract"
)

// FixedFallbackProvider answers with deterministic built-in content.
type FixedFallbackProvider struct{}

func (FixedFallbackProvider) Source() string { return SourceFallback }

func (FixedFallbackProvider) Plan(_ context.Context, in PlanInput) (Plan, error) {
	statement := "A single checkpoint will yield actionable insight"
	if len(in.OpenQuestions) > 0 && in.OpenQuestions[0] != "" {
		statement = in.OpenQuestions[0]
	}
	return Plan{
		PlanSummary: "Fallback plan: gather evidence, synthesize options, package decisions.",
		ExecutionSteps: []string{
			"Gather repository and context evidence",
			"Score evidence quality and identify assumptions",
			"Draft recommendations with tradeoffs",
			"Package morning decisions",
		},
		Risks: []string{"Insufficient high-quality evidence", "Scope drift", "Ambiguous success criteria"},
		Assumptions: []contract.Assumption{{
			Statement:         statement,
			Confidence:        0.6,
			ImpactIfWrong:     "high",
			NeedsConfirmation: true,
		}},
	}, nil
}

// FallbackDecisions pad a synthesis that asked for fewer than three decisions.
var FallbackDecisions = []string{
	"Choose experiment success threshold",
	"Approve documentation-backed patch scope",
	"Confirm next slice priority for tomorrow",
}

func (FixedFallbackProvider) Synthesize(_ context.Context, in SynthesisInput) (Synthesis, error) {
	return Synthesis{
		ObjectiveResult: "Completed with bounded recommendations",
		DeltaSummary: []string{
			"Gathered repository/context evidence",
			"Synthesized recommendations with tradeoffs",
		},
		Recommendations: []SynthesisRecommendation{
			{
				Text:       "Run a focused validation experiment for: " + in.Objective,
				Confidence: 0.73,
				Tradeoffs:  []string{"Requires instrumentation time", "Results need observation window"},
			},
			{
				Text:       "Ship scoped documentation + patch artifact for next implementation step",
				Confidence: 0.69,
				Tradeoffs:  []string{"Documentation-first output", "Needs follow-up coding task"},
			},
			{
				Text:       "Prioritize one build slice with explicit success metric",
				Confidence: 0.65,
				Tradeoffs:  []string{"Less parallel exploration", "Higher decision clarity"},
			},
		},
		Decisions: append([]string(nil), FallbackDecisions...),
		Assumptions: []contract.Assumption{{
			Statement:         "Most impact can be isolated to one checkpoint",
			Confidence:        0.61,
			ImpactIfWrong:     "high",
			NeedsConfirmation: true,
		}},
	}, nil
}
