package repo

import (
	"context"
	"database/sql"

	"nightlobster/internal/domain"
)

const handoffColumns = `id,project_id,thread_id,mission_id,source_provider,target_mode,status,envelope_json,created_at,updated_at`

func scanHandoff(row scanner) (domain.Handoff, error) {
	var (
		h        domain.Handoff
		envelope string
	)
	if err := row.Scan(&h.ID, &h.ProjectID, &h.ThreadID, &h.MissionID, &h.SourceProvider, &h.TargetMode, &h.Status, &envelope, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return h, notFound(err)
	}
	h.Envelope = []byte(envelope)
	return h, nil
}

func (r Repo) InsertHandoff(ctx context.Context, tx *sql.Tx, h domain.Handoff) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO handoffs(`+handoffColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.ProjectID, h.ThreadID, h.MissionID, h.SourceProvider, h.TargetMode, h.Status, string(h.Envelope), h.CreatedAt, h.UpdatedAt)
	return err
}

func (r Repo) GetHandoff(ctx context.Context, tx *sql.Tx, id string) (domain.Handoff, error) {
	return scanHandoff(r.q(tx).QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id=?`, id))
}

func (r Repo) ListHandoffs(ctx context.Context, projectID string) ([]domain.Handoff, error) {
	query := `SELECT ` + handoffColumns + ` FROM handoffs`
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
	res := []domain.Handoff{}
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) UpdateHandoffStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE handoffs SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestEligibleHandoff returns the newest night-run handoff of a mission
// whose status allows a scheduled launch.
func (r Repo) LatestEligibleHandoff(ctx context.Context, missionID string) (domain.Handoff, error) {
	args := append([]any{missionID, domain.HandoffTargetModeNightRun}, stringArgs(domain.EligibleHandoffStatuses)...)
	return scanHandoff(r.DB.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs
		WHERE mission_id=? AND target_mode=? AND status IN (`+placeholders(len(domain.EligibleHandoffStatuses))+`)
		ORDER BY created_at DESC, id DESC LIMIT 1`, args...))
}
