package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightlobster/internal/config"
	"nightlobster/internal/contract"
	"nightlobster/internal/db"
	"nightlobster/internal/domain"
	"nightlobster/internal/engine"
	"nightlobster/internal/evidence"
	"nightlobster/internal/executor"
	"nightlobster/internal/migrate"
	"nightlobster/internal/planner"
	"nightlobster/internal/queue"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Ctx      context.Context
	Root     string
	Engine   engine.Engine
	Executor executor.Executor
	Mission  domain.Mission
	Project  domain.Project
}

func newTestEnv(t *testing.T, files ...string) *testEnv {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("# "+f+"\n\nContent   for\n"+f+"\n"), 0o644))
	}
	conn, err := db.Open(db.Config{Workspace: root})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	now := func() time.Time { return fixedNow }
	eng := engine.New(conn, config.Default(), queue.SQLQueue{DB: conn, Now: now})
	eng.Now = now
	x := executor.New(conn, planner.New(nil, "gpt-4.1-mini"), root)
	x.Now = now

	env := &testEnv{Ctx: ctx, Root: root, Engine: eng, Executor: x}
	env.Project, err = eng.CreateProject(ctx, engine.ProjectCreateOptions{Name: "lobster", Purpose: "night work"}, "tester")
	require.NoError(t, err)
	env.Mission, err = eng.CreateMission(ctx, engine.MissionCreateOptions{
		ProjectID: env.Project.ID, Title: "Latency", Objective: "Reduce cold start latency",
	}, "tester")
	require.NoError(t, err)
	return env
}

func (env *testEnv) queueRun(t *testing.T, mutate func(map[string]any)) string {
	t.Helper()
	envl := map[string]any{
		"handoff_id":      "hnd-1",
		"project_id":      env.Project.ID,
		"thread_id":       "thr-1",
		"mission_id":      env.Mission.ID,
		"source_provider": "chatgpt",
		"target_mode":     "night_run",
		"objective":       "Reduce cold start latency",
		"goal_links":      []string{"g1"},
		"constraints": map[string]any{
			"max_runtime_minutes": 120,
			"tool_policy": map[string]any{
				"allowed_tools": []string{"repo.read"},
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
	if mutate != nil {
		mutate(envl)
	}
	raw, err := json.Marshal(envl)
	require.NoError(t, err)
	_, err = env.Engine.CreateHandoff(env.Ctx, raw, "tester")
	require.NoError(t, err)
	res, err := env.Engine.QueueRunFromHandoff(env.Ctx, "hnd-1", engine.QueueOptions{Source: engine.SourceAPI, DedupeMinutes: 60})
	require.NoError(t, err)
	return res.RunID
}

func TestExecuteFallbackRunEndToEnd(t *testing.T) {
	env := newTestEnv(t, "README.md", "docs/architecture.md", "cmd/nl/main.go", "internal/engine/launcher.go")
	runID := env.queueRun(t, nil)

	require.NoError(t, env.Executor.Execute(env.Ctx, runID))

	bundle, err := env.Engine.MorningBundle(env.Ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, bundle.Status)
	assert.Equal(t, domain.MissionCompleted, bundle.Mission.Status)
	assert.Len(t, bundle.Evidence, 3)
	assert.Equal(t, "repo:README.md", bundle.Evidence[0].Citation)
	assert.Len(t, bundle.Decisions, 3)
	assert.Equal(t, planner.FallbackDecisions[0], bundle.Decisions[0].Question)
	assert.Len(t, bundle.Artifacts, 3)
	assert.Equal(t, "artifacts/"+runID+"/decision_memo.md", bundle.Artifacts[0].StorageURI)
	require.Len(t, bundle.Outcomes, 3)
	assert.Equal(t, domain.OutcomePending, bundle.Outcomes[0].Outcome)

	require.NotNil(t, bundle.Score)
	require.NotNil(t, bundle.Score.PreReview)
	pre := bundle.Score.PreReview
	assert.Equal(t, 0.82, pre.Alignment)
	assert.InDelta(t, 0.79, pre.Evidence, 1e-9)
	assert.Equal(t, 0.68, pre.Novelty)
	assert.Equal(t, 0.78, pre.DecisionReadiness)
	assert.InDelta(t, 0.7815, pre.Score, 1e-9)

	require.NotNil(t, bundle.Evaluation)
	assert.Equal(t, domain.CapturePending, bundle.Evaluation.CaptureStatus)
	require.NotNil(t, bundle.Evaluation.DueAt)
	assert.Equal(t, domain.FormatTime(fixedNow.Add(24*time.Hour)), *bundle.Evaluation.DueAt)

	require.NotNil(t, bundle.Report)
	var report contract.Report
	require.NoError(t, json.Unmarshal(bundle.Report.Report, &report))
	assert.Equal(t, "rep_"+runID, report.ReportID)
	require.Len(t, report.RecommendedActionsTop3, 3)
	assert.Equal(t, "rec_2", report.RecommendedActionsTop3[1].RecommendationID)
	assert.Equal(t, "trace://"+runID+"/why_rec_2", report.RecommendedActionsTop3[1].WhyThisRef)
	assert.Equal(t, "fallback", report.Provider.Mode)
	assert.Equal(t, contract.AuthoritySuggest, report.AuthorityUpdate.PreviousLevel)
	assert.Equal(t, contract.AuthoritySuggest, report.AuthorityUpdate.CurrentLevel)
	assert.Equal(t, "default", report.AuthorityUpdate.DomainKey)
	assert.Equal(t, "Most impact can be isolated to one checkpoint", report.Assumptions[0].Statement)
	assert.Equal(t, "Gathered repository/context evidence Synthesized recommendations with tradeoffs", bundle.Report.SummaryText)

	h, err := env.Engine.GetHandoff(env.Ctx, "hnd-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffCompleted, h.Status)
	_, err = os.Stat(filepath.Join(env.Root, "docs", "nightly", runID+".md"))
	assert.NoError(t, err)
}

func TestExecuteRecordsStagesAndTools(t *testing.T) {
	env := newTestEnv(t, "README.md", "docs/architecture.md", "cmd/nl/main.go")
	runID := env.queueRun(t, nil)
	require.NoError(t, env.Executor.Execute(env.Ctx, runID))

	replay, err := env.Engine.ReplayRun(env.Ctx, runID)
	require.NoError(t, err)
	var stages []string
	for _, s := range replay.Steps {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{"intake", "plan", "execute", "synthesize", "handoff"}, stages)

	var tools []string
	for _, ti := range replay.ToolInvocations {
		tools = append(tools, ti.ToolName)
		assert.Equal(t, domain.ToolStatusOK, ti.Status, ti.ToolName)
	}
	assert.Equal(t, []string{
		"planner.validate_contract", "provider.plan", "repo.scan_workspace", "web.fetch_context_urls",
		"provider.synthesize", "docs.generate_artifacts", "repo.write_documentation",
	}, tools)

	var labels []string
	for _, e := range replay.Timeline {
		labels = append(labels, e.Label)
	}
	assert.Equal(t, []string{
		"intake", "planner.validate_contract", "provider.plan", "plan", "repo.scan_workspace",
		"web.fetch_context_urls", "provider.synthesize", "docs.generate_artifacts",
		"repo.write_documentation", "execute", "synthesize", "handoff",
	}, labels)
}

func TestExecuteDeniesOutOfScopeDocumentation(t *testing.T) {
	env := newTestEnv(t, "README.md", "docs/architecture.md", "cmd/nl/main.go")
	env.Executor.DocumentationPath = "apps/server/notes.md"
	runID := env.queueRun(t, func(m map[string]any) {
		m["constraints"].(map[string]any)["tool_policy"] = map[string]any{
			"allowed_tools": []string{"repo.read"},
			"scopes": map[string]any{
				"repo_write_pr": map[string]any{"allowed_paths": []string{"apps/web/**"}, "requires_approval": "always"},
			},
		}
	})
	require.NoError(t, env.Executor.Execute(env.Ctx, runID))

	replay, err := env.Engine.ReplayRun(env.Ctx, runID)
	require.NoError(t, err)
	var write *domain.ToolInvocation
	for i := range replay.ToolInvocations {
		if replay.ToolInvocations[i].ToolName == "repo.write_documentation" {
			write = &replay.ToolInvocations[i]
		}
	}
	require.NotNil(t, write)
	assert.Equal(t, domain.ToolStatusDenied, write.Status)
	assert.Equal(t, "write_path_out_of_scope", write.ErrorText)
	assert.JSONEq(t, `{"target":"apps/server/notes.md","approval_mode":"always"}`, string(write.Request))
	assert.Equal(t, domain.RunCompleted, replay.Run.Status)

	_, err = os.Stat(filepath.Join(env.Root, "apps", "server", "notes.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteMergesWebEvidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><head><title>Bench results</title></head></html>"))
	}))
	t.Cleanup(srv.Close)

	env := newTestEnv(t, "README.md")
	env.Executor.Web = &evidence.WebFetcher{Client: srv.Client(), Timeout: time.Second}
	runID := env.queueRun(t, func(m map[string]any) {
		m["open_questions"] = []string{"Is " + srv.URL + "/bench still valid?"}
	})
	require.NoError(t, env.Executor.Execute(env.Ctx, runID))

	bundle, err := env.Engine.MorningBundle(env.Ctx, runID)
	require.NoError(t, err)
	require.Len(t, bundle.Evidence, 2)
	assert.Equal(t, evidence.KindRepo, bundle.Evidence[0].Kind)
	assert.Equal(t, evidence.KindWeb, bundle.Evidence[1].Kind)
	assert.Equal(t, "200 OK | Bench results", bundle.Evidence[1].Excerpt)
	require.NotNil(t, bundle.Score.PreReview)
	assert.Equal(t, 0.52, bundle.Score.PreReview.Novelty)
}

func TestExecuteIsNoOpWhenRunAlreadyStarted(t *testing.T) {
	env := newTestEnv(t, "README.md", "docs/architecture.md", "cmd/nl/main.go")
	runID := env.queueRun(t, nil)
	require.NoError(t, env.Executor.Handle(env.Ctx, queue.NewJob(runID)))
	require.NoError(t, env.Executor.Handle(env.Ctx, queue.NewJob(runID)))

	bundle, err := env.Engine.MorningBundle(env.Ctx, runID)
	require.NoError(t, err)
	assert.Len(t, bundle.Evidence, 3)
	assert.Len(t, bundle.Decisions, 3)
}

func TestExecuteMissingRunIsFatal(t *testing.T) {
	env := newTestEnv(t)
	err := env.Executor.Execute(env.Ctx, "missing")
	var fatal *executor.FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, "missing", fatal.RunID)
}

func TestDecisionsArePaddedToThree(t *testing.T) {
	got := executor.Decisions([]string{"Pick a cache"})
	assert.Equal(t, []string{"Pick a cache", planner.FallbackDecisions[0], planner.FallbackDecisions[1]}, got)
	assert.Len(t, executor.Decisions([]string{"a", "b", "c", "d"}), 3)
}
