package repo

import (
	"context"
	"database/sql"

	"nightlobster/internal/domain"
)

// OutcomeID is the composite key of a recommendation outcome.
func OutcomeID(runID, recommendationID string) string {
	return runID + ":" + recommendationID
}

// UpsertOutcome writes an outcome keyed by OutcomeID. An update keeps the
// stored reason when the new one is empty.
func (r Repo) UpsertOutcome(ctx context.Context, tx *sql.Tx, o domain.RecommendationOutcome) error {
	if o.ID == "" {
		o.ID = OutcomeID(o.RunID, o.RecommendationID)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO recommendation_outcomes(id,run_id,recommendation_id,outcome,reason,updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET outcome=excluded.outcome,
			reason=COALESCE(excluded.reason, recommendation_outcomes.reason),
			updated_at=excluded.updated_at`,
		o.ID, o.RunID, o.RecommendationID, o.Outcome, nullable(o.Reason), o.UpdatedAt)
	return err
}

func (r Repo) ListOutcomes(ctx context.Context, runID string) ([]domain.RecommendationOutcome, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,recommendation_id,outcome,COALESCE(reason,''),updated_at
		FROM recommendation_outcomes WHERE run_id=? ORDER BY recommendation_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.RecommendationOutcome{}
	for rows.Next() {
		var o domain.RecommendationOutcome
		if err := rows.Scan(&o.ID, &o.RunID, &o.RecommendationID, &o.Outcome, &o.Reason, &o.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// UpsertEvaluation writes the single evaluation of a run. On conflict the
// original id, project and created_at are kept.
func (r Repo) UpsertEvaluation(ctx context.Context, tx *sql.Tx, e domain.RunEvaluation) error {
	flagged, err := marshalStrings(e.FlaggedIssueTypes)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO run_evaluations(id,run_id,project_id,capture_status,usefulness_rating,brevity_rating,trust_rating,notes,flagged_issue_types_json,due_at,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET capture_status=excluded.capture_status,
			usefulness_rating=excluded.usefulness_rating,
			brevity_rating=excluded.brevity_rating,
			trust_rating=excluded.trust_rating,
			notes=excluded.notes,
			flagged_issue_types_json=excluded.flagged_issue_types_json,
			due_at=COALESCE(excluded.due_at, run_evaluations.due_at),
			updated_at=excluded.updated_at`,
		e.ID, e.RunID, e.ProjectID, e.CaptureStatus, nullableIntPtr(e.UsefulnessRating), nullableIntPtr(e.BrevityRating),
		nullableIntPtr(e.TrustRating), nullable(e.Notes), flagged, nullableStringPtr(e.DueAt), e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetEvaluation(ctx context.Context, runID string) (domain.RunEvaluation, error) {
	var (
		e                      domain.RunEvaluation
		useful, brevity, trust sql.NullInt64
		notes, due             sql.NullString
		flagged                string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,run_id,project_id,capture_status,usefulness_rating,brevity_rating,trust_rating,notes,flagged_issue_types_json,due_at,created_at,updated_at
		FROM run_evaluations WHERE run_id=?`, runID).
		Scan(&e.ID, &e.RunID, &e.ProjectID, &e.CaptureStatus, &useful, &brevity, &trust, &notes, &flagged, &due, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, notFound(err)
	}
	e.UsefulnessRating = intPtr(useful)
	e.BrevityRating = intPtr(brevity)
	e.TrustRating = intPtr(trust)
	e.Notes = notes.String
	e.DueAt = stringPtr(due)
	list, err := unmarshalStrings(flagged)
	if err != nil {
		return e, err
	}
	e.FlaggedIssueTypes = list
	return e, nil
}
