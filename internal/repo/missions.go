package repo

import (
	"context"
	"database/sql"
	"fmt"

	"nightlobster/internal/domain"
)

const missionColumns = `id,project_id,title,objective,constraints_json,success_criteria_json,status,scheduled_for,created_at,updated_at`

func scanMission(row scanner) (domain.Mission, error) {
	var (
		m           domain.Mission
		constraints sql.NullString
		criteria    string
		scheduled   sql.NullString
	)
	if err := row.Scan(&m.ID, &m.ProjectID, &m.Title, &m.Objective, &constraints, &criteria, &m.Status, &scheduled, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return m, notFound(err)
	}
	m.Constraints = rawJSON(constraints)
	m.ScheduledFor = stringPtr(scheduled)
	list, err := unmarshalStrings(criteria)
	if err != nil {
		return m, fmt.Errorf("mission %s: %w", m.ID, err)
	}
	m.SuccessCriteria = list
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	criteria, err := marshalStrings(m.SuccessCriteria)
	if err != nil {
		return err
	}
	var constraints any
	if len(m.Constraints) > 0 {
		constraints = string(m.Constraints)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.Title, m.Objective, constraints, criteria, m.Status, nullableStringPtr(m.ScheduledFor), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return scanMission(r.q(tx).QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

// ListMissions returns missions newest first, optionally for one project.
func (r Repo) ListMissions(ctx context.Context, projectID string) ([]domain.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return r.queryMissions(ctx, query, args...)
}

// DueScheduledMissions returns scheduled missions with no date or a date at
// or before now.
func (r Repo) DueScheduledMissions(ctx context.Context, now string) ([]domain.Mission, error) {
	return r.queryMissions(ctx, `SELECT `+missionColumns+` FROM missions
		WHERE status=? AND (scheduled_for IS NULL OR scheduled_for<=?)
		ORDER BY created_at ASC, id ASC`, domain.MissionScheduled, now)
}

func (r Repo) queryMissions(ctx context.Context, query string, args ...any) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Mission{}
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMissionStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE missions SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMissionStatusIf sets status only when the current status is one of
// from and reports whether a row changed.
func (r Repo) UpdateMissionStatusIf(ctx context.Context, tx *sql.Tx, id, status, now string, from ...string) (bool, error) {
	args := append([]any{status, now, id}, stringArgs(from)...)
	res, err := r.q(tx).ExecContext(ctx,
		`UPDATE missions SET status=?, updated_at=? WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
