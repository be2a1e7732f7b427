// Package scoring computes run scores and authority proposals.
package scoring

import "nightlobster/internal/domain"

type PreReviewInput struct {
	Alignment         float64
	Evidence          float64
	Novelty           float64
	DecisionReadiness float64
}

type PostReviewInput struct {
	Usefulness                   float64
	RecommendationOutcomeAverage float64
	TrustPenalty                 float64
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	return max(0, min(1, v))
}

func ComputePreReviewScore(in PreReviewInput) float64 {
	return Clamp01(0.35*in.Alignment + 0.25*in.Evidence + 0.15*in.Novelty + 0.25*in.DecisionReadiness)
}

func ComputePostReviewScore(in PostReviewInput) float64 {
	return Clamp01(0.6*in.Usefulness + 0.4*in.RecommendationOutcomeAverage - in.TrustPenalty)
}

// RunPreReviewInput derives the automatic score inputs from what a run produced.
func RunPreReviewInput(goalLinks, evidenceCount, decisionCount int) PreReviewInput {
	in := PreReviewInput{
		Alignment:         0.25,
		Evidence:          min(1, 0.55+0.08*float64(evidenceCount)),
		Novelty:           0.52,
		DecisionReadiness: 0.5,
	}
	if goalLinks > 0 {
		in.Alignment = 0.82
	}
	if evidenceCount > 2 {
		in.Novelty = 0.68
	}
	if decisionCount == 3 {
		in.DecisionReadiness = 0.78
	}
	return in
}

// PreReview computes the score and returns it with its inputs.
func PreReview(in PreReviewInput) domain.PreReviewScore {
	return domain.PreReviewScore{
		Score:             ComputePreReviewScore(in),
		Alignment:         in.Alignment,
		Evidence:          in.Evidence,
		Novelty:           in.Novelty,
		DecisionReadiness: in.DecisionReadiness,
	}
}

// OutcomeScore maps a recommendation outcome to its value; unknown outcomes
// score like pending.
func OutcomeScore(outcome string) float64 {
	switch outcome {
	case domain.OutcomeAccepted:
		return 1
	case domain.OutcomeModified:
		return 0.7
	case domain.OutcomeDeferred:
		return 0.4
	case domain.OutcomeRejected:
		return 0
	default:
		return 0.2
	}
}

// AverageOutcomeScore is 0 for no outcomes.
func AverageOutcomeScore(outcomes []string) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	var sum float64
	for _, o := range outcomes {
		sum += OutcomeScore(o)
	}
	return sum / float64(len(outcomes))
}

// UsefulnessFromRating maps a 1-5 rating onto [0,1].
func UsefulnessFromRating(rating int) float64 {
	return Clamp01(float64(rating-1) / 4)
}

// TrustPenalty is 0.15 when the reviewer flagged any issue.
func TrustPenalty(flagged []string) float64 {
	if len(flagged) > 0 {
		return 0.15
	}
	return 0
}

// PostReview computes the post-review score from a morning evaluation.
func PostReview(usefulnessRating int, outcomes, flagged []string) domain.PostReviewScore {
	in := PostReviewInput{
		Usefulness:                   UsefulnessFromRating(usefulnessRating),
		RecommendationOutcomeAverage: AverageOutcomeScore(outcomes),
		TrustPenalty:                 TrustPenalty(flagged),
	}
	return domain.PostReviewScore{
		Score:                        ComputePostReviewScore(in),
		Usefulness:                   in.Usefulness,
		RecommendationOutcomeAverage: in.RecommendationOutcomeAverage,
		TrustPenalty:                 in.TrustPenalty,
	}
}
