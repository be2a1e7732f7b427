package contract_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightlobster/internal/contract"
)

func validEnvelope() map[string]any {
	return map[string]any{
		"handoff_id":      "hnd-1",
		"project_id":      "proj-1",
		"thread_id":       "thr-1",
		"mission_id":      "mis-1",
		"source_provider": "chatgpt",
		"target_mode":     "night_run",
		"objective":       "Reduce cold start latency",
		"goal_links":      []string{"g1"},
		"open_questions":  []string{"Is https://example.com/bench still valid?"},
		"constraints": map[string]any{
			"max_runtime_minutes": 120,
			"tool_policy": map[string]any{
				"allowed_tools": []string{"repo.read", "web.fetch"},
				"scopes": map[string]any{
					"repo_write_pr": map[string]any{"allowed_paths": []string{"docs/**"}},
				},
			},
		},
		"provenance_requirements": map[string]any{"min_evidence_items": 3},
		"assumption_policy":       map[string]any{},
		"success_criteria":        []string{"c1"},
		"authority_policy":        map[string]any{},
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestBuildRunContractFixesPlatformPolicy(t *testing.T) {
	c, err := contract.BuildRunContract(mustJSON(t, validEnvelope()))
	require.NoError(t, err)

	assert.Equal(t, contract.MaxTokens, c.Constraints.MaxTokens)
	assert.Equal(t, 120, c.Constraints.MaxRuntimeMinutes)
	assert.Len(t, c.StopConditions, 4)
	assert.Equal(t, []string{"g1"}, c.GoalLinks)
	assert.Equal(t, []string{"c1"}, c.SuccessCriteria)
	assert.Equal(t, []string{"decision_memo", "experiment_card", "code_diff"}, c.OutputRequirements.Artifacts)
	assert.Equal(t, 300, c.OutputRequirements.ArtifactLimits.MaxWordsPerArtifact)
	assert.Equal(t, "coffee_mode", c.OutputRequirements.BriefStyle)
	assert.Equal(t, 5, c.OutputRequirements.MaxMorningReadMinutes)
	assert.True(t, c.TraceRequirements.RecordToolInvocations)
	assert.True(t, c.TraceRequirements.RecordPlanVersions)
	assert.True(t, c.TraceRequirements.RecordMemoryDiffs)
	assert.True(t, c.TraceRequirements.WhyThisExplainers)
	assert.True(t, c.FeedbackRequirements.CollectRunEvaluation)
	assert.Equal(t, []string{"docs/**"}, c.RepoWriteScope().AllowedPaths)
}

func TestParseEnvelopeAppliesDefaults(t *testing.T) {
	env := validEnvelope()
	env["provenance_requirements"] = map[string]any{}
	parsed, err := contract.ParseEnvelope(mustJSON(t, env))
	require.NoError(t, err)

	assert.Equal(t, 3, parsed.ProvenanceRequirements.MinEvidenceItems)
	assert.True(t, parsed.ProvenanceRequirements.ClaimsMustLinkEvidence)
	assert.Equal(t, 3, parsed.AssumptionPolicy.MaxOpenAssumptions)
	assert.Equal(t, contract.AuthoritySuggest, parsed.AuthorityPolicy.StartLevel)
	assert.Equal(t, contract.AuthorityRecommend, parsed.AuthorityPolicy.MaxLevelThisRun)
	assert.Equal(t, []string{}, parsed.WorkItemLinks)
	assert.Equal(t, []string{}, parsed.Constraints.ForbiddenActions)
}

func TestParseEnvelopeReportsEveryViolation(t *testing.T) {
	env := validEnvelope()
	delete(env, "objective")
	env["goal_links"] = []string{}
	env["success_criteria"] = []string{}
	env["constraints"].(map[string]any)["max_runtime_minutes"] = 500

	_, err := contract.ParseEnvelope(mustJSON(t, env))
	var verr *contract.ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)

	fields := map[string]bool{}
	for _, v := range verr.Violations {
		fields[v.Field] = true
	}
	for _, want := range []string{"objective", "goal_links", "success_criteria", "constraints.max_runtime_minutes"} {
		assert.True(t, fields[want], "missing violation for %s in %+v", want, verr.Violations)
	}
}

func TestParseEnvelopeRejectsMalformedJSON(t *testing.T) {
	_, err := contract.ParseEnvelope([]byte(`{"handoff_id":`))
	var verr *contract.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, "(root)", verr.Violations[0].Field)
}

func TestProjectContractDoesNotAliasEnvelope(t *testing.T) {
	env, err := contract.ParseEnvelope(mustJSON(t, validEnvelope()))
	require.NoError(t, err)
	c := contract.ProjectContract(env)

	env.GoalLinks[0] = "mutated"
	env.Constraints.ToolPolicy.Scopes["repo_write_pr"].AllowedPaths[0] = "mutated/**"

	assert.Equal(t, []string{"g1"}, c.GoalLinks)
	assert.Equal(t, []string{"docs/**"}, c.RepoWriteScope().AllowedPaths)
}

func TestParseContractRoundTrip(t *testing.T) {
	c, err := contract.BuildRunContract(mustJSON(t, validEnvelope()))
	require.NoError(t, err)
	back, err := contract.ParseContract(mustJSON(t, c))
	require.NoError(t, err)
	assert.Equal(t, c, back)
}

func TestBuildRunContractIsDeterministic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("same envelope yields byte-identical contract", prop.ForAll(
		func(objective string, goals []string, minutes int) bool {
			env := validEnvelope()
			env["objective"] = objective
			env["goal_links"] = goals
			env["constraints"].(map[string]any)["max_runtime_minutes"] = minutes
			raw, err := json.Marshal(env)
			if err != nil {
				return false
			}
			first, err := contract.BuildRunContract(raw)
			if err != nil {
				return false
			}
			second, err := contract.BuildRunContract(raw)
			if err != nil {
				return false
			}
			a, _ := json.Marshal(first)
			b, _ := json.Marshal(second)
			return string(a) == string(b)
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.SliceOfN(3, gen.Identifier()),
		gen.IntRange(1, 240),
	))

	properties.TestingRun(t)
}

func TestValidateReportBoundsLists(t *testing.T) {
	r := contract.Report{
		Version:         contract.ReportVersion,
		ReportID:        "rep_1",
		RunID:           "1",
		ProjectID:       "p",
		HandoffID:       "h",
		MissionStatus:   "completed",
		ObjectiveResult: "done",
		DeltaSummary:    []string{},
		EvidenceRefs:    []string{},
		ArtifactRefs:    []string{},
		Assumptions:     []contract.Assumption{},
		RecommendedActionsTop3: []contract.Recommendation{
			{RecommendationID: "rec_1", Text: "a", Confidence: 0.5, Tradeoffs: []string{}, WhyThisRef: "trace://1/why_rec_1"},
		},
		MemoryUpdates:       contract.MemoryUpdates{SemanticRefs: []string{}, StrategicRefs: []string{}, ConflictsCreated: []string{}},
		DecisionsNeededTop3: []string{"a", "b", "c", "d"},
		AuthorityUpdate: contract.AuthorityUpdate{
			DomainKey: "default", PreviousLevel: contract.AuthoritySuggest, CurrentLevel: contract.AuthoritySuggest, Reason: "r",
		},
		TraceRefs: contract.TraceRefs{ReplayTimeline: "trace://1/timeline", ToolInvocations: "trace://1/tools"},
		Provider:  contract.ProviderMeta{Mode: "fallback", PlannerSource: "fallback", SynthesizerSource: "fallback"},
	}
	err := contract.ValidateReport(r)
	var verr *contract.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "decisions_needed_top3", verr.Violations[0].Field)

	r.DecisionsNeededTop3 = r.DecisionsNeededTop3[:3]
	require.NoError(t, contract.ValidateReport(r))
}
