package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"nightlobster/internal/domain"
)

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, e domain.EvidenceItem) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO evidence_items(id,run_id,project_id,kind,citation,quality_score,excerpt,notes,retrieved_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.RunID, e.ProjectID, e.Kind, e.Citation, e.QualityScore, e.Excerpt, nullable(e.Notes), e.RetrievedAt)
	return err
}

func (r Repo) ListEvidence(ctx context.Context, runID string) ([]domain.EvidenceItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,project_id,kind,citation,quality_score,excerpt,COALESCE(notes,''),retrieved_at
		FROM evidence_items WHERE run_id=? ORDER BY retrieved_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.EvidenceItem{}
	for rows.Next() {
		var e domain.EvidenceItem
		if err := rows.Scan(&e.ID, &e.RunID, &e.ProjectID, &e.Kind, &e.Citation, &e.QualityScore, &e.Excerpt, &e.Notes, &e.RetrievedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO artifacts(id,run_id,project_id,type,title,format,storage_uri,summary,created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.ProjectID, a.Type, a.Title, a.Format, a.StorageURI, a.Summary, a.CreatedAt)
	return err
}

func (r Repo) ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,project_id,type,title,format,storage_uri,summary,created_at
		FROM artifacts WHERE run_id=? ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Artifact{}
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.ProjectID, &a.Type, &a.Title, &a.Format, &a.StorageURI, &a.Summary, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO decisions(id,project_id,run_id,question,status,created_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.RunID, d.Question, d.Status, d.CreatedAt)
	return err
}

func (r Repo) ListDecisions(ctx context.Context, runID string) ([]domain.Decision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,run_id,question,status,created_at
		FROM decisions WHERE run_id=? ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Decision{}
	for rows.Next() {
		var d domain.Decision
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.RunID, &d.Question, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.RunReport) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO run_reports(id,run_id,project_id,handoff_id,report_json,summary_text,created_at)
		VALUES (?,?,?,?,?,?,?)`,
		rep.ID, rep.RunID, rep.ProjectID, nullable(rep.HandoffID), string(rep.Report), rep.SummaryText, rep.CreatedAt)
	return err
}

// LatestReport returns the newest report of a run, ErrNotFound when none.
func (r Repo) LatestReport(ctx context.Context, runID string) (domain.RunReport, error) {
	var (
		rep     domain.RunReport
		handoff sql.NullString
		body    string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,run_id,project_id,handoff_id,report_json,summary_text,created_at
		FROM run_reports WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, runID).
		Scan(&rep.ID, &rep.RunID, &rep.ProjectID, &handoff, &body, &rep.SummaryText, &rep.CreatedAt)
	if err != nil {
		return rep, notFound(err)
	}
	rep.HandoffID = handoff.String
	rep.Report = json.RawMessage(body)
	return rep, nil
}
