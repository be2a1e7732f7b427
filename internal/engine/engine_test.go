package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightlobster/internal/config"
	"nightlobster/internal/contract"
	"nightlobster/internal/db"
	"nightlobster/internal/domain"
	"nightlobster/internal/engine"
	"nightlobster/internal/migrate"
	"nightlobster/internal/queue"
	"nightlobster/internal/repo"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine  engine.Engine
	Queue   queue.SQLQueue
	Ctx     context.Context
	Project domain.Project
	Mission domain.Mission
	Handoff domain.Handoff
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	now := func() time.Time { return fixedNow }
	q := queue.SQLQueue{DB: conn, Now: now}
	eng := engine.New(conn, config.Default(), q)
	eng.Now = now
	env := &testEnv{Engine: eng, Queue: q, Ctx: ctx}

	env.Project, err = eng.CreateProject(ctx, engine.ProjectCreateOptions{Name: "lobster", Purpose: "night work"}, "tester")
	require.NoError(t, err)
	env.Mission, err = eng.CreateMission(ctx, engine.MissionCreateOptions{
		ProjectID: env.Project.ID, Title: "Latency", Objective: "Reduce cold start latency",
	}, "tester")
	require.NoError(t, err)
	env.Handoff = env.createHandoff(t, "hnd-1")
	return env
}

func envelope(projectID, missionID, handoffID string) map[string]any {
	return map[string]any{
		"handoff_id":      handoffID,
		"project_id":      projectID,
		"thread_id":       "thr-1",
		"mission_id":      missionID,
		"source_provider": "chatgpt",
		"target_mode":     "night_run",
		"objective":       "Reduce cold start latency",
		"goal_links":      []string{"g1"},
		"constraints": map[string]any{
			"max_runtime_minutes": 120,
			"tool_policy":         map[string]any{"allowed_tools": []string{"repo.read"}},
		},
		"provenance_requirements": map[string]any{"min_evidence_items": 3},
		"assumption_policy":       map[string]any{},
		"success_criteria":        []string{"c1"},
		"authority_policy":        map[string]any{},
	}
}

func (env *testEnv) createHandoff(t *testing.T, id string) domain.Handoff {
	t.Helper()
	raw, err := json.Marshal(envelope(env.Project.ID, env.Mission.ID, id))
	require.NoError(t, err)
	h, err := env.Engine.CreateHandoff(env.Ctx, raw, "tester")
	require.NoError(t, err)
	return h
}

func (env *testEnv) jobCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n))
	return n
}

func TestCreateHandoffStoresReadyEnvelope(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, "hnd-1", env.Handoff.ID)
	assert.Equal(t, domain.HandoffReady, env.Handoff.Status)

	parsed, err := contract.ParseEnvelope(env.Handoff.Envelope)
	require.NoError(t, err)
	assert.Equal(t, 3, parsed.AssumptionPolicy.MaxOpenAssumptions)

	raw, _ := json.Marshal(envelope(env.Project.ID, env.Mission.ID, "hnd-1"))
	_, err = env.Engine.CreateHandoff(env.Ctx, raw, "tester")
	var conflict *engine.ConflictError
	assert.True(t, errors.As(err, &conflict))
}

func TestCreateHandoffRejectsInvalidEnvelope(t *testing.T) {
	env := newTestEnv(t)
	bad := envelope(env.Project.ID, env.Mission.ID, "hnd-2")
	bad["goal_links"] = []string{}
	delete(bad, "objective")
	raw, _ := json.Marshal(bad)

	_, err := env.Engine.CreateHandoff(env.Ctx, raw, "tester")
	var verr *contract.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.GreaterOrEqual(t, len(verr.Violations), 2)

	raw, _ = json.Marshal(envelope(env.Project.ID, "missing", "hnd-3"))
	_, err = env.Engine.CreateHandoff(env.Ctx, raw, "tester")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestQueueRunFromHandoffDedupes(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.QueueOptions{Source: engine.SourceAPI, DedupeMinutes: 60}

	first, err := env.Engine.QueueRunFromHandoff(env.Ctx, env.Handoff.ID, opts)
	require.NoError(t, err)
	assert.False(t, first.Deduped)
	second, err := env.Engine.QueueRunFromHandoff(env.Ctx, env.Handoff.ID, opts)
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, 1, env.jobCount(t))

	run, err := env.Engine.Repo.GetRun(env.Ctx, nil, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, run.Status)
	assert.Equal(t, 7200, run.TimeBudgetSec)
	assert.Equal(t, contract.MaxTokens, run.TokenBudget)
	c, err := contract.ParseContract(run.Contract)
	require.NoError(t, err)
	assert.Len(t, c.StopConditions, 4)

	m, err := env.Engine.GetMission(env.Ctx, env.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionQueued, m.Status)
	h, err := env.Engine.GetHandoff(env.Ctx, env.Handoff.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffQueued, h.Status)
}

func TestConcurrentLaunchesCollapseToOneRun(t *testing.T) {
	env := newTestEnv(t)
	const launches = 8
	ids := make([]string, launches)
	errs := make([]error, launches)
	var wg sync.WaitGroup
	for i := range launches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.Engine.QueueRunFromHandoff(env.Ctx, env.Handoff.ID, engine.QueueOptions{Source: engine.SourceAPI, DedupeMinutes: 60})
			ids[i], errs[i] = res.RunID, err
		}()
	}
	wg.Wait()
	for i := range launches {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, env.jobCount(t))
	runs, err := env.Engine.ListRuns(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestQueueRunWithoutDedupeCreatesNewRuns(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.QueueRunFromHandoff(env.Ctx, env.Handoff.ID, engine.QueueOptions{Source: engine.SourceScheduler})
	require.NoError(t, err)
	b, err := env.Engine.QueueRunFromHandoff(env.Ctx, env.Handoff.ID, engine.QueueOptions{Source: engine.SourceScheduler})
	require.NoError(t, err)
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Equal(t, 2, env.jobCount(t))

	h, err := env.Engine.GetHandoff(env.Ctx, env.Handoff.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffQueuedByScheduler, h.Status)
}

func TestQueueRunMissingHandoff(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.QueueRunFromHandoff(env.Ctx, "nope", engine.QueueOptions{Source: engine.SourceAPI, DedupeMinutes: 60})
	require.ErrorIs(t, err, repo.ErrNotFound)
	var nf *engine.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "handoff", nf.Kind)
	assert.Equal(t, 0, env.jobCount(t))
}

type failingDispatcher struct{}

func (failingDispatcher) Enqueue(context.Context, queue.Job) (bool, error) {
	return false, errors.New("queue down")
}

func TestEnqueueFailureFailsRun(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Dispatcher = failingDispatcher{}

	_, err := env.Engine.QueueRunFromHandoff(env.Ctx, env.Handoff.ID, engine.QueueOptions{Source: engine.SourceAPI, DedupeMinutes: 60})
	require.ErrorContains(t, err, "queue down")

	runs, err := env.Engine.ListRuns(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunFailed, runs[0].Status)
	require.NotNil(t, runs[0].Score)
	assert.Nil(t, runs[0].Score.PreReview)
	assert.Contains(t, runs[0].Score.Error, "queue down")

	m, err := env.Engine.GetMission(env.Ctx, env.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionFailed, m.Status)
	h, err := env.Engine.GetHandoff(env.Ctx, env.Handoff.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffFailed, h.Status)
}

func TestFailRunLeavesMovedOnMission(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.QueueRunFromHandoff(env.Ctx, env.Handoff.ID, engine.QueueOptions{Source: engine.SourceAPI})
	require.NoError(t, err)
	ts := domain.FormatTime(fixedNow)
	require.NoError(t, env.Engine.Repo.UpdateMissionStatus(env.Ctx, nil, env.Mission.ID, domain.MissionCompleted, ts))

	require.NoError(t, env.Engine.FailRun(env.Ctx, res.RunID, errors.New("worker crashed")))
	m, err := env.Engine.GetMission(env.Ctx, env.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionCompleted, m.Status)

	run, err := env.Engine.GetRun(env.Ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, "worker crashed", run.Score.Error)
	assert.NotNil(t, run.EndedAt)
}

func TestSubmitEvaluationScoresOutcomes(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.QueueRunFromHandoff(env.Ctx, env.Handoff.ID, engine.QueueOptions{Source: engine.SourceAPI})
	require.NoError(t, err)

	out, err := env.Engine.SubmitEvaluation(env.Ctx, res.RunID, engine.EvaluationInput{
		UsefulnessRating: 5, BrevityRating: 4, TrustRating: 4,
		Outcomes: []engine.OutcomeInput{
			{RecommendationID: "rec_1", Outcome: domain.OutcomeAccepted},
			{RecommendationID: "rec_2", Outcome: domain.OutcomeModified, Reason: "smaller scope"},
			{RecommendationID: "rec_3", Outcome: domain.OutcomeRejected},
		},
	}, "tester")
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.InDelta(t, 0.5667, out.PostScore.RecommendationOutcomeAverage, 1e-4)
	assert.InDelta(t, 0.8267, out.PostScore.Score, 1e-4)

	// a second submission updates in place
	out, err = env.Engine.SubmitEvaluation(env.Ctx, res.RunID, engine.EvaluationInput{
		UsefulnessRating: 1, BrevityRating: 1, TrustRating: 1,
		FlaggedIssueTypes: []string{"hallucination"},
		Outcomes:          []engine.OutcomeInput{{RecommendationID: "rec_1", Outcome: domain.OutcomeDeferred}},
	}, "tester")
	require.NoError(t, err)
	assert.InDelta(t, 0.4*0.4-0.15, out.PostScore.Score, 1e-9)

	bundle, err := env.Engine.MorningBundle(env.Ctx, res.RunID)
	require.NoError(t, err)
	require.NotNil(t, bundle.Evaluation)
	assert.Equal(t, domain.CaptureSubmitted, bundle.Evaluation.CaptureStatus)
	assert.Equal(t, []string{"hallucination"}, bundle.Evaluation.FlaggedIssueTypes)
	require.Len(t, bundle.Outcomes, 3)
	assert.Equal(t, res.RunID+":rec_1", bundle.Outcomes[0].ID)
	assert.Equal(t, domain.OutcomeDeferred, bundle.Outcomes[0].Outcome)
	assert.Equal(t, "smaller scope", bundle.Outcomes[1].Reason)
	require.NotNil(t, bundle.Score)
	require.NotNil(t, bundle.Score.PostReview)
	assert.InDelta(t, out.PostScore.Score, bundle.Score.PostReview.Score, 1e-9)
}

func TestSubmitEvaluationValidates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitEvaluation(env.Ctx, "run-x", engine.EvaluationInput{
		UsefulnessRating: 0, BrevityRating: 3, TrustRating: 6,
		Outcomes: []engine.OutcomeInput{{RecommendationID: "rec_1", Outcome: "loved"}},
	}, "tester")
	var verr *contract.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Violations, 3)

	_, err = env.Engine.SubmitEvaluation(env.Ctx, "run-x", engine.EvaluationInput{
		UsefulnessRating: 3, BrevityRating: 3, TrustRating: 3,
	}, "tester")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWorkItemLifecycle(t *testing.T) {
	env := newTestEnv(t)
	low, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		ProjectID: env.Project.ID, Title: "Docs", Type: "docs", Priority: 4,
	}, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemBacklog, low.Status)
	assert.Equal(t, domain.OwnerAgent, low.Owner)
	assert.Equal(t, []string{}, low.GoalLinks)

	high, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		ProjectID: env.Project.ID, Title: "Profile boot", Type: "research", Owner: domain.OwnerHuman,
	}, "tester")
	require.NoError(t, err)
	assert.Equal(t, 3, high.Priority)

	items, err := env.Engine.ListWorkItems(env.Ctx, repo.WorkItemFilters{ProjectID: env.Project.ID})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, high.ID, items[0].ID)

	_, err = env.Engine.UpdateWorkItem(env.Ctx, high.ID, repo.WorkItemPatch{}, "tester")
	var verr *contract.ValidationError
	require.True(t, errors.As(err, &verr))

	status := domain.WorkItemInProgress
	updated, err := env.Engine.UpdateWorkItem(env.Ctx, high.ID, repo.WorkItemPatch{Status: &status}, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemInProgress, updated.Status)

	bad := 9
	_, err = env.Engine.UpdateWorkItem(env.Ctx, high.ID, repo.WorkItemPatch{Priority: &bad}, "tester")
	require.True(t, errors.As(err, &verr))

	_, err = env.Engine.UpdateWorkItem(env.Ctx, "missing", repo.WorkItemPatch{Status: &status}, "tester")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestLinkMissionIsIdempotentAndProjectScoped(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		ProjectID: env.Project.ID, Title: "Profile boot", Type: "research",
	}, "tester")
	require.NoError(t, err)

	link, err := env.Engine.LinkMission(env.Ctx, item.ID, env.Mission.ID, "tester")
	require.NoError(t, err)
	again, err := env.Engine.LinkMission(env.Ctx, item.ID, env.Mission.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, link, again)

	got, err := env.Engine.GetWorkItem(env.Ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, got.Missions, 1)
	assert.Equal(t, env.Mission.ID, got.Missions[0].ID)

	other, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "other", Purpose: "p"}, "tester")
	require.NoError(t, err)
	foreign, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		ProjectID: other.ID, Title: "t", Objective: "o",
	}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.LinkMission(env.Ctx, item.ID, foreign.ID, "tester")
	var verr *contract.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = env.Engine.LinkMission(env.Ctx, item.ID, "missing", "tester")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	n, err := env.Engine.UnlinkMission(env.Ctx, item.ID, env.Mission.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = env.Engine.UnlinkMission(env.Ctx, item.ID, env.Mission.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCreateMissionDefaults(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, domain.MissionScheduled, env.Mission.Status)
	assert.JSONEq(t, `{}`, string(env.Mission.Constraints))
	assert.Equal(t, []string{}, env.Mission.SuccessCriteria)

	_, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		ProjectID: env.Project.ID, Status: "sleeping", ScheduledFor: "tonight",
	}, "tester")
	var verr *contract.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Violations, 4)
}

func TestBuildTimelineOrdersByTimeThenOrdinal(t *testing.T) {
	steps := []domain.RunStep{
		{Stage: "plan", Action: "plan", Ordinal: 3, Timestamp: "2024-01-01T00:00:01.000000Z"},
		{Stage: "intake", Action: "intake", Ordinal: 1, Timestamp: "2024-01-01T00:00:00.000000Z"},
	}
	tools := []domain.ToolInvocation{
		{ToolName: "planner.validate_contract", Status: "ok", Ordinal: 2, StartedAt: "2024-01-01T00:00:00.000000Z"},
	}
	tl := engine.BuildTimeline(steps, tools)
	require.Len(t, tl, 3)
	assert.Equal(t, []string{"intake", "planner.validate_contract", "plan"}, []string{tl[0].Label, tl[1].Label, tl[2].Label})
	assert.Equal(t, "tool", tl[1].Type)
}
