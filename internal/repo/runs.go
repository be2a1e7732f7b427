package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"nightlobster/internal/domain"
)

const runColumns = `id,project_id,mission_id,handoff_id,status,time_budget_sec,token_budget,run_contract_json,score_json,started_at,ended_at,created_at,updated_at`

func scanRun(row scanner) (domain.Run, error) {
	var (
		run      domain.Run
		handoff  sql.NullString
		contract string
		score    sql.NullString
		started  sql.NullString
		ended    sql.NullString
	)
	if err := row.Scan(&run.ID, &run.ProjectID, &run.MissionID, &handoff, &run.Status, &run.TimeBudgetSec, &run.TokenBudget,
		&contract, &score, &started, &ended, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return run, notFound(err)
	}
	run.HandoffID = handoff.String
	run.Contract = json.RawMessage(contract)
	run.StartedAt = stringPtr(started)
	run.EndedAt = stringPtr(ended)
	if score.Valid && score.String != "" {
		var s domain.RunScore
		if err := json.Unmarshal([]byte(score.String), &s); err != nil {
			return run, fmt.Errorf("run %s score: %w", run.ID, err)
		}
		run.Score = &s
	}
	return run, nil
}

func marshalScore(s *domain.RunScore) (any, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal run score: %w", err)
	}
	return string(b), nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	score, err := marshalScore(run.Score)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.MissionID, nullable(run.HandoffID), run.Status, run.TimeBudgetSec, run.TokenBudget,
		string(run.Contract), score, nullableStringPtr(run.StartedAt), nullableStringPtr(run.EndedAt), run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return scanRun(r.q(tx).QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) ListRuns(ctx context.Context, projectID string) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// AcquireLaunchLock writes the handoff's lock row inside tx. The write takes
// sqlite's database write lock, so a concurrent launch for any handoff
// waits until tx ends and then sees the committed run.
func (r Repo) AcquireLaunchLock(ctx context.Context, tx *sql.Tx, handoffID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO launch_locks(handoff_id,locked_at) VALUES (?,?)
		ON CONFLICT(handoff_id) DO UPDATE SET locked_at=excluded.locked_at`, handoffID, now)
	return err
}

func activeStatusFilter() (string, []any) {
	return `status IN (` + placeholders(len(domain.ActiveRunStatuses)) + `)`, stringArgs(domain.ActiveRunStatuses)
}

// FindActiveRunForHandoffSince returns the newest active run launched from
// handoffID at or after since, ErrNotFound when there is none.
func (r Repo) FindActiveRunForHandoffSince(ctx context.Context, tx *sql.Tx, handoffID, since string) (domain.Run, error) {
	filter, args := activeStatusFilter()
	args = append([]any{handoffID, since}, args...)
	return scanRun(r.q(tx).QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE handoff_id=? AND created_at>=? AND `+filter+` ORDER BY created_at DESC, id DESC LIMIT 1`, args...))
}

// FindActiveRunForMissionSince is the mission-level variant used for the
// scheduler's daily check.
func (r Repo) FindActiveRunForMissionSince(ctx context.Context, missionID, since string) (domain.Run, error) {
	filter, args := activeStatusFilter()
	args = append([]any{missionID, since}, args...)
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE mission_id=? AND created_at>=? AND `+filter+` ORDER BY created_at DESC, id DESC LIMIT 1`, args...))
}

// MarkRunRunning moves a queued run to running. It reports false when the
// run was not queued, which makes redelivered jobs no-ops.
func (r Repo) MarkRunRunning(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE runs SET status=?, started_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.RunRunning, now, now, id, domain.RunQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishRun sets a terminal status, score and end time.
func (r Repo) FinishRun(ctx context.Context, tx *sql.Tx, id, status string, score *domain.RunScore, now string) error {
	encoded, err := marshalScore(score)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE runs SET status=?, score_json=?, ended_at=?, updated_at=? WHERE id=?`,
		status, encoded, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateRunScore(ctx context.Context, tx *sql.Tx, id string, score *domain.RunScore, now string) error {
	encoded, err := marshalScore(score)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE runs SET score_json=?, updated_at=? WHERE id=?`, encoded, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRunningBefore returns running runs that started before cutoff.
func (r Repo) ListRunningBefore(ctx context.Context, cutoff string) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE status=? AND COALESCE(started_at, created_at)<? ORDER BY created_at ASC, id ASC`, domain.RunRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
