package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightlobster/internal/config"
	"nightlobster/internal/db"
	"nightlobster/internal/domain"
	"nightlobster/internal/engine"
	"nightlobster/internal/migrate"
	"nightlobster/internal/queue"
	"nightlobster/internal/repo"
)

const testSecret = "test-secret"

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	Engine engine.Engine
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	settings := config.Default()
	settings.Timezone = "UTC"
	now := func() time.Time { return fixedNow }
	e := engine.New(conn, settings, queue.SQLQueue{DB: conn, Now: now})
	e.Now = now
	handler, err := New(Config{Engine: e, Auth: auth, Now: now})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, Engine: e}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+DefaultBasePath+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func envelopeFor(projectID, missionID, handoffID string) map[string]any {
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
			"max_runtime_minutes": 90,
			"tool_policy":         map[string]any{"allowed_tools": []string{"repo.read"}},
		},
		"provenance_requirements": map[string]any{},
		"assumption_policy":       map[string]any{},
		"success_criteria":        []string{"c1"},
		"authority_policy":        map[string]any{},
	}
}

func TestAuthRequiresBearerToken(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})

	res, _ := srv.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := srv.do(t, http.MethodGet, "/projects", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, _ = srv.do(t, http.MethodGet, "/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	other, err := IssueToken("other-secret", "alice", nil, time.Hour)
	require.NoError(t, err)
	res, _ = srv.do(t, http.MethodGet, "/projects", nil, map[string]string{"Authorization": "Bearer " + other})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := IssueToken(testSecret, "alice", []string{"reviewer"}, time.Hour)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}
	res, data = srv.do(t, http.MethodPost, "/projects", map[string]any{"name": "lobster", "purpose": "night work"}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	events, err := srv.Engine.Repo.LatestEvents(context.Background(), 10, repo.EventFilters{Type: "project.created"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].ActorID)
}

func TestConfigDefaults(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	res, data := srv.do(t, http.MethodGet, "/config/defaults", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	got := decode[ConfigDefaultsResponse](t, data)
	assert.Equal(t, 21, got.NightlyRunHourLocal)
	assert.Equal(t, 120, got.NightlyRuntimeMinutes)
	assert.Equal(t, 10, got.SchedulerWindowMinutes)
	assert.Equal(t, "read_write_with_documentation", got.WritePolicy)
	assert.False(t, got.Provider.Enabled)
	assert.Equal(t, "2024-01-01T21:00:00Z", got.NextRunAtLocal)
}

func TestHandoffToMorningReviewFlow(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Disabled: true})
	actor := map[string]string{"X-Actor-Id": "bob"}

	res, data := srv.do(t, http.MethodPost, "/projects", map[string]any{"name": "lobster"}, actor)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	verr := decode[errorEnvelope](t, data)
	assert.Equal(t, "validation_failed", verr.Error.Code)
	assert.Len(t, verr.Error.Details["violations"], 1)

	res, data = srv.do(t, http.MethodPost, "/projects", map[string]any{"name": "lobster", "purpose": "night work"}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	project := decode[domain.Project](t, data)

	res, data = srv.do(t, http.MethodPost, "/missions", map[string]any{
		"project_id": project.ID, "title": "Latency", "objective": "Reduce cold start latency",
	}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	mission := decode[domain.Mission](t, data)
	assert.Equal(t, domain.MissionScheduled, mission.Status)

	bad := envelopeFor(project.ID, mission.ID, "hnd-1")
	delete(bad, "objective")
	bad["goal_links"] = []string{}
	res, data = srv.do(t, http.MethodPost, "/handoffs", bad, actor)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	envErr := decode[errorEnvelope](t, data).Error
	assert.Equal(t, "validation_failed", envErr.Code)
	assert.Equal(t, "handoff_envelope", envErr.Details["subject"])
	violations, ok := envErr.Details["violations"].([]any)
	require.True(t, ok, string(data))
	fields := make([]string, 0, len(violations))
	for _, v := range violations {
		if m, ok := v.(map[string]any); ok {
			fields = append(fields, fmt.Sprint(m["field"]))
		}
	}
	assert.Contains(t, fields, "objective")
	assert.Contains(t, fields, "goal_links")

	res, data = srv.do(t, http.MethodPost, "/handoffs", envelopeFor(project.ID, mission.ID, "hnd-1"), actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	assert.Equal(t, domain.HandoffReady, decode[domain.Handoff](t, data).Status)

	res, data = srv.do(t, http.MethodPost, "/handoffs", envelopeFor(project.ID, mission.ID, "hnd-1"), actor)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/runs/from-handoff", map[string]any{"handoff_id": "missing"}, actor)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "handoff", decode[errorEnvelope](t, data).Error.Details["kind"])

	res, data = srv.do(t, http.MethodPost, "/runs/from-handoff", map[string]any{}, actor)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/runs/from-handoff", map[string]any{"handoff_id": "hnd-1"}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	first := decode[engine.QueueResult](t, data)
	assert.False(t, first.Deduped)

	res, data = srv.do(t, http.MethodPost, "/runs/from-handoff", map[string]any{"handoff_id": "hnd-1"}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	second := decode[engine.QueueResult](t, data)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.RunID, second.RunID)

	res, data = srv.do(t, http.MethodGet, "/runs?project_id="+project.ID, nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]domain.Run](t, data), 1)

	res, data = srv.do(t, http.MethodGet, "/runs/"+first.RunID, nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	run := decode[engine.RunDetail](t, data)
	assert.Equal(t, domain.RunQueued, run.Status)
	assert.Equal(t, 90*60, run.TimeBudgetSec)
	assert.Equal(t, mission.ID, run.Mission.ID)

	res, _ = srv.do(t, http.MethodGet, "/runs/nope", nil, actor)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = srv.do(t, http.MethodGet, "/runs/"+first.RunID+"/replay", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, decode[engine.Replay](t, data).Timeline)

	res, data = srv.do(t, http.MethodPost, "/morning/"+first.RunID+"/evaluation", map[string]any{
		"usefulness_rating": 9, "brevity_rating": 3, "trust_rating": 3,
	}, actor)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/morning/"+first.RunID+"/evaluation", map[string]any{
		"usefulness_rating": 5, "brevity_rating": 4, "trust_rating": 4,
		"outcomes": []map[string]any{{"recommendation_id": "rec_1", "outcome": "accepted"}},
	}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	result := decode[engine.EvaluationResult](t, data)
	assert.True(t, result.OK)
	assert.InDelta(t, 1.0, result.PostScore.Score, 1e-9)

	res, data = srv.do(t, http.MethodGet, "/morning/"+first.RunID, nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	bundle := decode[engine.MorningBundle](t, data)
	require.NotNil(t, bundle.Evaluation)
	assert.Equal(t, domain.CaptureSubmitted, bundle.Evaluation.CaptureStatus)
	require.Len(t, bundle.Outcomes, 1)
	assert.Equal(t, domain.OutcomeAccepted, bundle.Outcomes[0].Outcome)

	res, data = srv.do(t, http.MethodGet, "/events?entity_kind=run&entity_id="+first.RunID, nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	var types []string
	for _, e := range page.Items {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"evaluation.submitted", "run.deduped", "run.queued"}, types)
	assert.Equal(t, "bob", page.Items[0].ActorID)
}

func TestWorkItemRoutes(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Disabled: true})
	ctx := context.Background()
	p, err := srv.Engine.CreateProject(ctx, engine.ProjectCreateOptions{Name: "lobster", Purpose: "night work"}, "tester")
	require.NoError(t, err)
	m, err := srv.Engine.CreateMission(ctx, engine.MissionCreateOptions{ProjectID: p.ID, Title: "Latency", Objective: "x"}, "tester")
	require.NoError(t, err)

	res, data := srv.do(t, http.MethodPost, "/work-items", map[string]any{
		"project_id": p.ID, "title": "Profile boot", "type": "research",
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	item := decode[domain.WorkItem](t, data)
	assert.Equal(t, domain.WorkItemBacklog, item.Status)
	assert.Equal(t, 3, item.Priority)
	assert.Equal(t, domain.OwnerAgent, item.Owner)

	res, data = srv.do(t, http.MethodPatch, "/work-items/"+item.ID, map[string]any{}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPatch, "/work-items/"+item.ID, map[string]any{"status": "in_progress", "priority": 1}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.WorkItemInProgress, decode[domain.WorkItem](t, data).Status)

	res, data = srv.do(t, http.MethodPost, "/work-items/"+item.ID+"/link-mission", map[string]any{"mission_id": m.ID}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, _ = srv.do(t, http.MethodPost, "/work-items/"+item.ID+"/link-mission", map[string]any{"mission_id": m.ID}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res, data = srv.do(t, http.MethodGet, "/work-items?status=in_progress", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	items := decode[[]domain.WorkItem](t, data)
	require.Len(t, items, 1)
	require.Len(t, items[0].Missions, 1)
	assert.Equal(t, m.ID, items[0].Missions[0].ID)

	res, _ = srv.do(t, http.MethodGet, "/work-items?status=archived", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data = srv.do(t, http.MethodDelete, "/work-items/"+item.ID+"/link-mission/"+m.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, UnlinkResponse{OK: true, Deleted: 1}, decode[UnlinkResponse](t, data))

	res, data = srv.do(t, http.MethodDelete, "/work-items/"+item.ID+"/link-mission/"+m.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, int64(0), decode[UnlinkResponse](t, data).Deleted)

	res, _ = srv.do(t, http.MethodGet, "/work-items/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestOpenAPIIsPublic(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	res, data := srv.do(t, http.MethodGet, "/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/v1/runs/from-handoff")
	assert.Contains(t, paths, "/v1/morning/{run_id}/evaluation")

	health := paths["/v1/health"].(map[string]any)["get"].(map[string]any)
	assert.NotContains(t, health, "security")
	listProjects := paths["/v1/projects"].(map[string]any)["get"].(map[string]any)
	assert.Equal(t, []any{map[string]any{"bearerAuth": []any{}}}, listProjects["security"])
}
