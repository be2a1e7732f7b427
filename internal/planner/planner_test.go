package planner_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightlobster/internal/contract"
	"nightlobster/internal/planner"
)

var planInput = planner.PlanInput{
	Objective:       "Cut cold start latency",
	GoalLinks:       []string{"g1"},
	OpenQuestions:   []string{"Is the cache warm at boot?"},
	SuccessCriteria: []string{"c1"},
}

func TestFallbackWithoutCredential(t *testing.T) {
	p := planner.New(nil, "gpt-4.1-mini")
	ctx := context.Background()

	plan, meta := p.GeneratePlan(ctx, planInput)
	assert.Equal(t, "Fallback plan: gather evidence, synthesize options, package decisions.", plan.PlanSummary)
	assert.Len(t, plan.ExecutionSteps, 4)
	assert.Len(t, plan.Risks, 3)
	require.Len(t, plan.Assumptions, 1)
	assert.Equal(t, "Is the cache warm at boot?", plan.Assumptions[0].Statement)
	assert.Equal(t, contract.ProviderMeta{
		Mode: "fallback", PlannerModel: "gpt-4.1-mini", SynthesizerModel: "gpt-4.1-mini",
		PlannerSource: "fallback", SynthesizerSource: "fallback",
	}, meta)

	again, _ := p.GeneratePlan(ctx, planInput)
	assert.Equal(t, plan, again)

	synth, smeta := p.GenerateSynthesis(ctx, planner.SynthesisInput{Objective: "Cut cold start latency"})
	assert.Equal(t, "Completed with bounded recommendations", synth.ObjectiveResult)
	require.Len(t, synth.Recommendations, 3)
	assert.Equal(t, "Run a focused validation experiment for: Cut cold start latency", synth.Recommendations[0].Text)
	assert.Equal(t, planner.FallbackDecisions, synth.Decisions)
	assert.Equal(t, "fallback", smeta.Mode)
}

func TestFallbackPlanDefaultAssumption(t *testing.T) {
	plan, _ := planner.New(nil, "m").GeneratePlan(context.Background(), planner.PlanInput{Objective: "x"})
	assert.Equal(t, "A single checkpoint will yield actionable insight", plan.Assumptions[0].Statement)
}

func chatServer(t *testing.T, status int, content string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		body := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-4.1-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func openAIPlanner(t *testing.T, srv *httptest.Server) *planner.Planner {
	t.Helper()
	p, err := planner.NewFromOptions(context.Background(), planner.ProviderOptions{
		Kind:    "openai",
		APIKey:  "test-key",
		Model:   "gpt-4.1-mini",
		BaseURL: srv.URL + "/",
	})
	require.NoError(t, err)
	require.True(t, p.Configured())
	return p
}

func TestOpenAIPlanAccepted(t *testing.T) {
	var calls int32
	content := "Here you go:\n```json\n" + `{
  "plan_summary": "Profile boot, then cache",
  "execution_steps": ["profile", "cache", "measure"],
  "risks": [],
  "assumptions": [{"statement": "boot dominates", "confidence": 0.7, "impact_if_wrong": "medium"}]
}` + "\n```"
	p := openAIPlanner(t, chatServer(t, http.StatusOK, content, &calls))

	plan, meta := p.GeneratePlan(context.Background(), planInput)
	assert.Equal(t, "Profile boot, then cache", plan.PlanSummary)
	require.Len(t, plan.Assumptions, 1)
	assert.True(t, plan.Assumptions[0].NeedsConfirmation)
	assert.Equal(t, "provider", meta.Mode)
	assert.Equal(t, "openai", meta.PlannerSource)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIFailureFallsBackAfterOneAttempt(t *testing.T) {
	var calls int32
	p := openAIPlanner(t, chatServer(t, http.StatusInternalServerError, "", &calls))

	plan, meta := p.GeneratePlan(context.Background(), planInput)
	assert.Equal(t, "Fallback plan: gather evidence, synthesize options, package decisions.", plan.PlanSummary)
	assert.Equal(t, "fallback", meta.Mode)
	assert.Equal(t, "fallback", meta.PlannerSource)
	assert.Equal(t, "openai", meta.SynthesizerSource)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIInvalidShapeFallsBack(t *testing.T) {
	var calls int32
	content := `{"plan_summary": "too short", "execution_steps": ["one", "two"], "risks": [], "assumptions": []}`
	p := openAIPlanner(t, chatServer(t, http.StatusOK, content, &calls))

	plan, meta := p.GeneratePlan(context.Background(), planInput)
	assert.Len(t, plan.ExecutionSteps, 4)
	assert.Equal(t, "fallback", meta.PlannerSource)
}

type stubCompleter struct {
	content string
	err     error
}

func (s stubCompleter) Name() string { return "stub" }

func (s stubCompleter) Complete(context.Context, string, string, string) (string, error) {
	return s.content, s.err
}

func TestRemoteSynthesisAccepted(t *testing.T) {
	content := `{"objective_result": "ok", "delta_summary": ["a"],
	  "recommendations": [{"text": "do it", "confidence": 0.9, "tradeoffs": ["cost"]}],
	  "decisions": ["pick"], "assumptions": []}`
	p := planner.New(planner.RemoteProvider{Completer: stubCompleter{content: content}, Model: "m"}, "m")

	s, meta := p.GenerateSynthesis(context.Background(), planner.SynthesisInput{Objective: "x"})
	assert.Equal(t, "ok", s.ObjectiveResult)
	assert.Equal(t, []string{"pick"}, s.Decisions)
	assert.Equal(t, "provider", meta.Mode)
	assert.Equal(t, "stub", meta.SynthesizerSource)
}

func TestRemoteSynthesisErrorFallsBack(t *testing.T) {
	p := planner.New(planner.RemoteProvider{Completer: stubCompleter{err: errors.New("timeout")}, Model: "m"}, "m")

	s, meta := p.GenerateSynthesis(context.Background(), planner.SynthesisInput{Objective: "x"})
	assert.Equal(t, "Completed with bounded recommendations", s.ObjectiveResult)
	assert.Equal(t, "fallback", meta.SynthesizerSource)
	assert.Equal(t, "stub", meta.PlannerSource)
	assert.Equal(t, "fallback", meta.Mode)
}

func TestExtractJSONBlock(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```":       `{"a":1}`,
		"noise {\"a\":{\"b\":2}} tail": `{"a":{"b":2}}`,
		"no json here":                 "no json here",
		"```JSON {\"x\":true}```":       `{"x":true}`,
	}
	for in, want := range cases {
		assert.Equal(t, want, planner.ExtractJSONBlock(in), in)
	}
}

func TestMergeMeta(t *testing.T) {
	ok := contract.ProviderMeta{Mode: "provider", PlannerModel: "m", SynthesizerModel: "m", PlannerSource: "openai", SynthesizerSource: "openai"}
	assert.Equal(t, "provider", planner.MergeMeta(ok, ok).Mode)

	degraded := ok
	degraded.SynthesizerSource = "fallback"
	merged := planner.MergeMeta(ok, degraded)
	assert.Equal(t, "fallback", merged.Mode)
	assert.Equal(t, "openai", merged.PlannerSource)
	assert.Equal(t, "fallback", merged.SynthesizerSource)
}
