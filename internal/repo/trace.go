package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"nightlobster/internal/domain"
)

// nextOrdinal numbers steps and tool invocations of one run in a single
// sequence, so the replay timeline keeps insertion order on equal timestamps.
const nextOrdinal = `(SELECT COALESCE(MAX(o),0)+1 FROM (
	SELECT ordinal AS o FROM run_steps WHERE run_id=?
	UNION ALL SELECT ordinal FROM tool_invocations WHERE run_id=?))`

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.RunStep) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO run_steps(id,run_id,ordinal,stage,action,result_summary,confidence,ts)
		VALUES (?,?,`+nextOrdinal+`,?,?,?,?,?)`,
		s.ID, s.RunID, s.RunID, s.RunID, s.Stage, s.Action, s.ResultSummary, s.Confidence, s.Timestamp)
	return err
}

func (r Repo) InsertToolInvocation(ctx context.Context, tx *sql.Tx, t domain.ToolInvocation) error {
	request := string(t.Request)
	if request == "" {
		request = "{}"
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tool_invocations(id,run_id,ordinal,tool_name,request_json,status,response_ref,error_text,started_at,ended_at)
		VALUES (?,?,`+nextOrdinal+`,?,?,?,?,?,?,?)`,
		t.ID, t.RunID, t.RunID, t.RunID, t.ToolName, request, t.Status, nullable(t.ResponseRef), nullable(t.ErrorText), t.StartedAt, t.EndedAt)
	return err
}

func (r Repo) ListSteps(ctx context.Context, runID string) ([]domain.RunStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,ordinal,stage,action,result_summary,confidence,ts
		FROM run_steps WHERE run_id=? ORDER BY ts ASC, ordinal ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.RunStep{}
	for rows.Next() {
		var s domain.RunStep
		if err := rows.Scan(&s.ID, &s.RunID, &s.Ordinal, &s.Stage, &s.Action, &s.ResultSummary, &s.Confidence, &s.Timestamp); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListToolInvocations(ctx context.Context, runID string) ([]domain.ToolInvocation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,ordinal,tool_name,request_json,status,COALESCE(response_ref,''),COALESCE(error_text,''),started_at,ended_at
		FROM tool_invocations WHERE run_id=? ORDER BY started_at ASC, ordinal ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ToolInvocation{}
	for rows.Next() {
		var (
			t       domain.ToolInvocation
			request string
		)
		if err := rows.Scan(&t.ID, &t.RunID, &t.Ordinal, &t.ToolName, &request, &t.Status, &t.ResponseRef, &t.ErrorText, &t.StartedAt, &t.EndedAt); err != nil {
			return nil, err
		}
		t.Request = json.RawMessage(request)
		res = append(res, t)
	}
	return res, rows.Err()
}
