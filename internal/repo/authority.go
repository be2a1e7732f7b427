package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"nightlobster/internal/domain"
	"nightlobster/internal/scoring"
)

// AuthorityHistory collects a project's finished runs, evidence, outcomes
// and flagged evaluations since the given timestamp.
func (r Repo) AuthorityHistory(ctx context.Context, projectID, since string) (scoring.AuthorityHistory, error) {
	var h scoring.AuthorityHistory
	rows, err := r.DB.QueryContext(ctx, `SELECT r.status, r.score_json,
			(SELECT json_extract(rr.report_json,'$.provider.mode') FROM run_reports rr
			 WHERE rr.run_id=r.id ORDER BY rr.created_at DESC LIMIT 1)
		FROM runs r
		WHERE r.project_id=? AND r.created_at>=? AND r.status IN (?,?,?)
		ORDER BY r.created_at DESC, r.id DESC`,
		projectID, since, domain.RunCompleted, domain.RunPartial, domain.RunFailed)
	if err != nil {
		return h, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec   scoring.RunRecord
			score sql.NullString
			mode  sql.NullString
		)
		if err := rows.Scan(&rec.Status, &score, &mode); err != nil {
			return h, err
		}
		rec.Degraded = mode.String == "fallback"
		if score.Valid && score.String != "" {
			var s domain.RunScore
			if err := json.Unmarshal([]byte(score.String), &s); err != nil {
				return h, fmt.Errorf("decode run score: %w", err)
			}
			if s.PreReview != nil {
				v := s.PreReview.Score
				rec.PreReview = &v
			}
			if s.PostReview != nil {
				v := s.PostReview.Score
				rec.PostReview = &v
			}
		}
		h.Runs = append(h.Runs, rec)
	}
	if err := rows.Err(); err != nil {
		return h, err
	}

	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence_items WHERE project_id=? AND retrieved_at>=?`,
		projectID, since).Scan(&h.EvidenceCount); err != nil {
		return h, err
	}
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_evaluations
		WHERE project_id=? AND updated_at>=? AND flagged_issue_types_json<>'[]'`,
		projectID, since).Scan(&h.FlaggedEvaluations); err != nil {
		return h, err
	}

	outcomeRows, err := r.DB.QueryContext(ctx, `SELECT o.outcome FROM recommendation_outcomes o
		JOIN runs r ON r.id=o.run_id WHERE r.project_id=? AND o.updated_at>=?`, projectID, since)
	if err != nil {
		return h, err
	}
	defer outcomeRows.Close()
	for outcomeRows.Next() {
		var o string
		if err := outcomeRows.Scan(&o); err != nil {
			return h, err
		}
		h.Outcomes = append(h.Outcomes, o)
	}
	return h, outcomeRows.Err()
}
