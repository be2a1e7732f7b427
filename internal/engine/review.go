package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"nightlobster/internal/domain"
	"nightlobster/internal/events"
	"nightlobster/internal/scoring"
)

// MorningBundle is everything a reviewer reads for one run.
type MorningBundle struct {
	RunDetail
	Outcomes  []domain.RecommendationOutcome `json:"recommendation_outcomes"`
	Decisions []domain.Decision              `json:"decisions"`
	Artifacts []domain.Artifact              `json:"artifacts"`
	Evidence  []domain.EvidenceItem          `json:"evidence_items"`
}

func (e Engine) MorningBundle(ctx context.Context, runID string) (MorningBundle, error) {
	d, err := e.GetRun(ctx, runID)
	if err != nil {
		return MorningBundle{}, err
	}
	b := MorningBundle{RunDetail: d}
	if b.Outcomes, err = e.Repo.ListOutcomes(ctx, runID); err != nil {
		return b, err
	}
	if b.Decisions, err = e.Repo.ListDecisions(ctx, runID); err != nil {
		return b, err
	}
	if b.Artifacts, err = e.Repo.ListArtifacts(ctx, runID); err != nil {
		return b, err
	}
	if b.Evidence, err = e.Repo.ListEvidence(ctx, runID); err != nil {
		return b, err
	}
	return b, nil
}

type OutcomeInput struct {
	RecommendationID string `json:"recommendation_id"`
	Outcome          string `json:"outcome"`
	Reason           string `json:"reason,omitempty"`
}

type EvaluationInput struct {
	UsefulnessRating  int
	BrevityRating     int
	TrustRating       int
	Notes             string
	FlaggedIssueTypes []string
	Outcomes          []OutcomeInput
}

type EvaluationResult struct {
	OK        bool                   `json:"ok"`
	RunID     string                 `json:"run_id"`
	PostScore domain.PostReviewScore `json:"post_score"`
}

var outcomeStatuses = []string{
	domain.OutcomeAccepted, domain.OutcomeModified, domain.OutcomeDeferred, domain.OutcomeRejected, domain.OutcomePending,
}

func (in EvaluationInput) validate() error {
	v := validator{subject: "evaluation"}
	ratings := []struct {
		field string
		value int
	}{
		{"usefulness_rating", in.UsefulnessRating},
		{"brevity_rating", in.BrevityRating},
		{"trust_rating", in.TrustRating},
	}
	for _, r := range ratings {
		if r.value < 1 || r.value > 5 {
			v.add(r.field, "must be between 1 and 5")
		}
	}
	for i, o := range in.Outcomes {
		v.require(fmt.Sprintf("outcomes.%d.recommendation_id", i), o.RecommendationID)
		if !slices.Contains(outcomeStatuses, o.Outcome) {
			v.add(fmt.Sprintf("outcomes.%d.outcome", i), "must be one of "+strings.Join(outcomeStatuses, ", "))
		}
	}
	return v.err()
}

// SubmitEvaluation records the morning review of a run: the evaluation is
// upserted as submitted, each outcome is upserted by run and
// recommendation, and the post-review score is merged into the run score.
func (e Engine) SubmitEvaluation(ctx context.Context, runID string, in EvaluationInput, actorID string) (EvaluationResult, error) {
	if err := in.validate(); err != nil {
		return EvaluationResult{}, err
	}
	run, err := e.Repo.GetRun(ctx, nil, runID)
	if err != nil {
		return EvaluationResult{}, notFound(err, "run", runID)
	}

	outcomes := make([]string, len(in.Outcomes))
	for i, o := range in.Outcomes {
		outcomes[i] = o.Outcome
	}
	flagged := nonNil(in.FlaggedIssueTypes)
	post := scoring.PostReview(in.UsefulnessRating, outcomes, flagged)
	ts := domain.FormatTime(e.now())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EvaluationResult{}, err
	}
	defer tx.Rollback()

	useful, brevity, trust := in.UsefulnessRating, in.BrevityRating, in.TrustRating
	if err := e.Repo.UpsertEvaluation(ctx, tx, domain.RunEvaluation{
		ID:                newID(),
		RunID:             run.ID,
		ProjectID:         run.ProjectID,
		CaptureStatus:     domain.CaptureSubmitted,
		UsefulnessRating:  &useful,
		BrevityRating:     &brevity,
		TrustRating:       &trust,
		Notes:             in.Notes,
		FlaggedIssueTypes: flagged,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}); err != nil {
		return EvaluationResult{}, fmt.Errorf("upsert evaluation: %w", err)
	}
	for _, o := range in.Outcomes {
		if err := e.Repo.UpsertOutcome(ctx, tx, domain.RecommendationOutcome{
			RunID:            run.ID,
			RecommendationID: o.RecommendationID,
			Outcome:          o.Outcome,
			Reason:           o.Reason,
			UpdatedAt:        ts,
		}); err != nil {
			return EvaluationResult{}, fmt.Errorf("upsert outcome %s: %w", o.RecommendationID, err)
		}
	}

	score := run.Score
	if score == nil {
		score = &domain.RunScore{}
	}
	score.PostReview = &post
	if err := e.Repo.UpdateRunScore(ctx, tx, run.ID, score, ts); err != nil {
		return EvaluationResult{}, err
	}
	if err := e.events().Append(ctx, tx, events.EvaluationSubmitted, run.ProjectID, "run", run.ID, actorID, events.EventPayload{
		"post_score": post.Score, "outcomes": len(in.Outcomes), "flagged": len(flagged),
	}); err != nil {
		return EvaluationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return EvaluationResult{}, err
	}
	return EvaluationResult{OK: true, RunID: run.ID, PostScore: post}, nil
}
