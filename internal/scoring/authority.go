package scoring

import (
	"math"

	"nightlobster/internal/contract"
	"nightlobster/internal/domain"
)

// AuthorityInputs summarize a project's recent track record.
type AuthorityInputs struct {
	CompetenceScore              float64
	CalibrationScore             float64
	EvidenceCount30d             int
	RecommendationAcceptanceRate float64
	TrustFlagHighSeverityCount   int
	ConsecutiveNonDegradedRuns   int
}

func (in AuthorityInputs) escalate() bool {
	return in.CompetenceScore >= 0.75 &&
		in.CalibrationScore >= 0.7 &&
		in.EvidenceCount30d >= 12 &&
		in.RecommendationAcceptanceRate >= 0.6 &&
		in.TrustFlagHighSeverityCount == 0 &&
		in.ConsecutiveNonDegradedRuns >= 3
}

// ProposeAuthorityLevel moves one step up the ladder when every threshold
// holds and otherwise keeps current.
func ProposeAuthorityLevel(current contract.AuthorityLevel, in AuthorityInputs) contract.AuthorityLevel {
	if !in.escalate() {
		return current
	}
	idx := current.Rank()
	if idx < 0 {
		return current
	}
	return contract.AuthorityLevels[min(idx+1, len(contract.AuthorityLevels)-1)]
}

// CapAuthorityLevel returns the lower of level and ceiling.
func CapAuthorityLevel(level, ceiling contract.AuthorityLevel) contract.AuthorityLevel {
	if ceiling.Rank() >= 0 && level.Rank() > ceiling.Rank() {
		return ceiling
	}
	return level
}

// RunRecord is one finished run as seen by the authority proposal.
type RunRecord struct {
	Status     string
	Degraded   bool
	PreReview  *float64
	PostReview *float64
}

// AuthorityHistory is a project's recent history, runs newest first.
type AuthorityHistory struct {
	Runs               []RunRecord
	EvidenceCount      int
	Outcomes           []string
	FlaggedEvaluations int
}

// Inputs reduces the history to the proposal thresholds. Competence is the
// mean reviewed score (post-review when present), calibration is one minus
// the mean pre/post gap, and acceptance counts modified as accepted.
func (h AuthorityHistory) Inputs() AuthorityInputs {
	var (
		competence, gap     float64
		scored, calibrated  int
		accepted, responded int
		streak              int
	)
	streakOpen := true
	for _, r := range h.Runs {
		switch {
		case r.PostReview != nil:
			competence += *r.PostReview
			scored++
		case r.PreReview != nil:
			competence += *r.PreReview
			scored++
		}
		if r.PreReview != nil && r.PostReview != nil {
			gap += math.Abs(*r.PreReview - *r.PostReview)
			calibrated++
		}
		if streakOpen && r.Status == domain.RunCompleted && !r.Degraded {
			streak++
		} else {
			streakOpen = false
		}
	}
	for _, o := range h.Outcomes {
		switch o {
		case domain.OutcomeAccepted, domain.OutcomeModified:
			accepted++
			responded++
		case domain.OutcomeDeferred, domain.OutcomeRejected:
			responded++
		}
	}
	in := AuthorityInputs{
		EvidenceCount30d:           h.EvidenceCount,
		TrustFlagHighSeverityCount: h.FlaggedEvaluations,
		ConsecutiveNonDegradedRuns: streak,
	}
	if scored > 0 {
		in.CompetenceScore = competence / float64(scored)
	}
	if calibrated > 0 {
		in.CalibrationScore = Clamp01(1 - gap/float64(calibrated))
	}
	if responded > 0 {
		in.RecommendationAcceptanceRate = float64(accepted) / float64(responded)
	}
	return in
}
