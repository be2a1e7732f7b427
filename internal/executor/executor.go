// Package executor runs a queued night run through its five recorded
// stages and persists the report it produces.
package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"nightlobster/internal/contract"
	"nightlobster/internal/docs"
	"nightlobster/internal/domain"
	"nightlobster/internal/events"
	"nightlobster/internal/evidence"
	"nightlobster/internal/planner"
	"nightlobster/internal/queue"
	"nightlobster/internal/repo"
	"nightlobster/internal/scoring"
)

const (
	actorWorker = "worker"

	// minEvidenceFloor is the least evidence a run gathers regardless of
	// the envelope's provenance requirement.
	minEvidenceFloor = 3
	webEvidenceMax   = 2
	evaluationDue    = 24 * time.Hour
	authorityWindow  = 30 * 24 * time.Hour
	authorityReason  = "Run produced decision-grade evidence and bounded recommendations"
)

// FatalError aborts a run before or during its stages. The worker's failure
// hook marks the run failed with the message.
type FatalError struct {
	RunID string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("run %s: %v", e.RunID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

type Executor struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Planner *planner.Planner
	Scanner evidence.RepoScanner
	Web     *evidence.WebFetcher
	// WorkspaceRoot receives artifacts and the scoped documentation write.
	WorkspaceRoot string
	// DocumentationPath overrides the per-run documentation target.
	DocumentationPath string
	Now               func() time.Time
}

func New(db *sql.DB, p *planner.Planner, workspaceRoot string) Executor {
	return Executor{
		DB:            db,
		Repo:          repo.Repo{DB: db},
		Events:        events.Writer{DB: db},
		Planner:       p,
		Scanner:       evidence.RepoScanner{Root: workspaceRoot},
		Web:           evidence.NewWebFetcher(),
		WorkspaceRoot: workspaceRoot,
		Now:           time.Now,
	}
}

func (x Executor) now() time.Time {
	if x.Now != nil {
		return x.Now().UTC()
	}
	return time.Now().UTC()
}

func (x Executor) planner() *planner.Planner {
	if x.Planner == nil {
		return planner.New(nil, "")
	}
	return x.Planner
}

func (x Executor) ts() string {
	return domain.FormatTime(x.now())
}

func (x Executor) events() events.Writer {
	w := x.Events
	if w.Now == nil {
		w.Now = x.now
	}
	return w
}

// Handle adapts Execute to queue.Handler.
func (x Executor) Handle(ctx context.Context, job queue.Job) error {
	return x.Execute(ctx, job.RunID)
}

// runState carries what one execution has loaded and produced so far.
type runState struct {
	run      domain.Run
	mission  domain.Mission
	handoff  domain.Handoff
	envelope contract.Envelope
	contract contract.Contract

	plan      planner.Plan
	planMeta  contract.ProviderMeta
	synth     planner.Synthesis
	synthMeta contract.ProviderMeta

	evidenceIDs     []string
	artifactIDs     []string
	recommendations []contract.Recommendation
	assumptions     []contract.Assumption
	decisions       []string
}

// Execute runs the stages of a queued run. A run that is no longer queued
// is skipped, so a redelivered job does nothing.
func (x Executor) Execute(ctx context.Context, runID string) error {
	st, err := x.load(ctx, runID)
	if err != nil {
		return err
	}
	started, err := x.start(ctx, st)
	if err != nil {
		return &FatalError{RunID: runID, Err: err}
	}
	if !started {
		log.Info(ctx, log.KV{K: "msg", V: "run not queued, skipping"}, log.KV{K: "run", V: runID}, log.KV{K: "status", V: st.run.Status})
		return nil
	}
	if st.run.TimeBudgetSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(st.run.TimeBudgetSec)*time.Second)
		defer cancel()
	}

	stages := []struct {
		name string
		fn   func(context.Context, *runState) error
	}{
		{domain.StageIntake, x.intake},
		{domain.StagePlan, x.planStage},
		{domain.StageExecute, x.execute},
		{domain.StageSynthesize, x.synthesize},
		{domain.StageHandoff, x.handoffStage},
	}
	for _, stage := range stages {
		if err := stage.fn(ctx, st); err != nil {
			return &FatalError{RunID: runID, Err: fmt.Errorf("%s: %w", stage.name, err)}
		}
	}
	log.Info(ctx, log.KV{K: "msg", V: "run completed"}, log.KV{K: "run", V: runID},
		log.KV{K: "evidence", V: len(st.evidenceIDs)}, log.KV{K: "mode", V: planner.MergeMeta(st.planMeta, st.synthMeta).Mode})
	return nil
}

func (x Executor) load(ctx context.Context, runID string) (*runState, error) {
	fatal := func(err error) error { return &FatalError{RunID: runID, Err: err} }
	run, err := x.Repo.GetRun(ctx, nil, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fatal(errors.New("run not found"))
		}
		return nil, fatal(err)
	}
	if run.HandoffID == "" {
		return nil, fatal(errors.New("run has no handoff"))
	}
	h, err := x.Repo.GetHandoff(ctx, nil, run.HandoffID)
	if err != nil {
		return nil, fatal(fmt.Errorf("handoff %s: %w", run.HandoffID, err))
	}
	m, err := x.Repo.GetMission(ctx, nil, run.MissionID)
	if err != nil {
		return nil, fatal(fmt.Errorf("mission %s: %w", run.MissionID, err))
	}
	env, err := contract.ParseEnvelope(h.Envelope)
	if err != nil {
		return nil, fatal(err)
	}
	c, err := contract.ParseContract(run.Contract)
	if err != nil {
		return nil, fatal(err)
	}
	return &runState{run: run, mission: m, handoff: h, envelope: env, contract: c}, nil
}

// start moves the run to running and cascades mission and handoff.
func (x Executor) start(ctx context.Context, st *runState) (bool, error) {
	ts := x.ts()
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := x.Repo.MarkRunRunning(ctx, tx, st.run.ID, ts)
	if err != nil || !ok {
		return false, err
	}
	if err := x.Repo.UpdateMissionStatus(ctx, tx, st.mission.ID, domain.MissionRunning, ts); err != nil {
		return false, err
	}
	if err := x.Repo.UpdateHandoffStatus(ctx, tx, st.handoff.ID, domain.HandoffRunning, ts); err != nil {
		return false, err
	}
	if err := x.events().Append(ctx, tx, events.RunStarted, st.run.ProjectID, "run", st.run.ID, actorWorker, events.EventPayload{
		"handoff_id": st.handoff.ID,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	st.run.Status = domain.RunRunning
	st.run.StartedAt = &ts
	return true, nil
}

func (x Executor) step(ctx context.Context, runID, stage, action, summary string, confidence float64) error {
	return x.Repo.InsertStep(ctx, nil, domain.RunStep{
		ID:            uuid.NewString(),
		RunID:         runID,
		Stage:         stage,
		Action:        action,
		ResultSummary: summary,
		Confidence:    confidence,
		Timestamp:     x.ts(),
	})
}

type toolCall struct {
	name        string
	request     any
	status      string
	responseRef string
	errorText   string
	startedAt   string
}

func (x Executor) tool(ctx context.Context, runID string, call toolCall) error {
	req, err := json.Marshal(call.request)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", call.name, err)
	}
	status := call.status
	if status == "" {
		status = domain.ToolStatusOK
	}
	started := call.startedAt
	if started == "" {
		started = x.ts()
	}
	return x.Repo.InsertToolInvocation(ctx, nil, domain.ToolInvocation{
		ID:          uuid.NewString(),
		RunID:       runID,
		ToolName:    call.name,
		Request:     req,
		Status:      status,
		ResponseRef: call.responseRef,
		ErrorText:   call.errorText,
		StartedAt:   started,
		EndedAt:     x.ts(),
	})
}

func traceRef(runID, suffix string) string {
	return "trace://" + runID + "/" + suffix
}

func (x Executor) intake(ctx context.Context, st *runState) error {
	if err := x.step(ctx, st.run.ID, domain.StageIntake,
		"Validated handoff envelope and run contract",
		"Constraints and authority policy parsed successfully", 0.82); err != nil {
		return err
	}
	return x.tool(ctx, st.run.ID, toolCall{
		name: "planner.validate_contract",
		request: map[string]any{
			"handoff_id":          st.envelope.HandoffID,
			"mission_id":          st.envelope.MissionID,
			"max_runtime_minutes": st.contract.Constraints.MaxRuntimeMinutes,
		},
		responseRef: traceRef(st.run.ID, "contract-validation"),
	})
}

func (x Executor) planStage(ctx context.Context, st *runState) error {
	started := x.ts()
	st.plan, st.planMeta = x.planner().GeneratePlan(ctx, planner.PlanInput{
		Objective:       st.mission.Objective,
		GoalLinks:       st.contract.GoalLinks,
		OpenQuestions:   st.envelope.OpenQuestions,
		SuccessCriteria: st.contract.SuccessCriteria,
	})
	if err := x.tool(ctx, st.run.ID, toolCall{
		name: "provider.plan",
		request: map[string]any{
			"objective":      st.mission.Objective,
			"goals":          st.contract.GoalLinks,
			"open_questions": st.envelope.OpenQuestions,
			"source":         st.planMeta.PlannerSource,
			"model":          st.planMeta.PlannerModel,
		},
		responseRef: traceRef(st.run.ID, "provider-plan"),
		startedAt:   started,
	}); err != nil {
		return err
	}
	return x.step(ctx, st.run.ID, domain.StagePlan, "Constructed bounded execution plan", st.plan.PlanSummary, 0.78)
}

// webInputs are the free-text fields URLs are extracted from.
func webInputs(env contract.Envelope) []string {
	inputs := append([]string{}, env.OpenQuestions...)
	for _, f := range env.MustUseContext {
		inputs = append(inputs, f.Fact)
	}
	for _, f := range env.MustUseContext {
		inputs = append(inputs, f.SourceRef)
	}
	return inputs
}

func (x Executor) execute(ctx context.Context, st *runState) error {
	runID := st.run.ID
	minEvidence := max(st.contract.ProvenanceRequirements.MinEvidenceItems, minEvidenceFloor)
	inputs := webInputs(st.envelope)

	started := x.ts()
	gathered, err := evidence.GatherAll(ctx, x.Scanner, x.Web, minEvidence, inputs, webEvidenceMax)
	if err != nil {
		return fmt.Errorf("gather evidence: %w", err)
	}
	if err := x.tool(ctx, runID, toolCall{
		name:        "repo.scan_workspace",
		request:     map[string]any{"max_items": minEvidence, "selected": len(gathered.Repo)},
		responseRef: traceRef(runID, "repo-evidence"),
		startedAt:   started,
	}); err != nil {
		return err
	}
	if err := x.tool(ctx, runID, toolCall{
		name:        "web.fetch_context_urls",
		request:     map[string]any{"candidate_inputs": len(inputs), "selected": len(gathered.Web)},
		responseRef: traceRef(runID, "web-evidence"),
		startedAt:   started,
	}); err != nil {
		return err
	}

	merged := gathered.Merged(minEvidence)
	refs := make([]planner.EvidenceRef, 0, len(merged))
	st.evidenceIDs = make([]string, 0, len(merged))
	retrieved := x.ts()
	for _, item := range merged {
		row := domain.EvidenceItem{
			ID:           uuid.NewString(),
			RunID:        runID,
			ProjectID:    st.run.ProjectID,
			Kind:         item.Kind,
			Citation:     item.Citation,
			QualityScore: item.QualityScore,
			Excerpt:      item.Excerpt,
			Notes:        item.Notes,
			RetrievedAt:  retrieved,
		}
		if err := x.Repo.InsertEvidence(ctx, nil, row); err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
		st.evidenceIDs = append(st.evidenceIDs, row.ID)
		refs = append(refs, planner.EvidenceRef{Citation: row.Citation, QualityScore: row.QualityScore, Excerpt: row.Excerpt})
	}

	started = x.ts()
	st.synth, st.synthMeta = x.planner().GenerateSynthesis(ctx, planner.SynthesisInput{
		Objective:   st.mission.Objective,
		GoalLinks:   st.contract.GoalLinks,
		Evidence:    refs,
		PlanSummary: st.plan.PlanSummary,
	})
	if err := x.tool(ctx, runID, toolCall{
		name: "provider.synthesize",
		request: map[string]any{
			"objective":      st.mission.Objective,
			"evidence_count": len(refs),
			"source":         st.synthMeta.SynthesizerSource,
			"model":          st.synthMeta.SynthesizerModel,
		},
		responseRef: traceRef(runID, "provider-synthesis"),
		startedAt:   started,
	}); err != nil {
		return err
	}

	st.recommendations = Recommendations(runID, st.synth.Recommendations)
	st.assumptions = st.synth.Assumptions
	if len(st.assumptions) == 0 {
		st.assumptions = st.plan.Assumptions
	}
	st.decisions = Decisions(st.synth.Decisions)

	drafts, err := x.writeArtifacts(ctx, st)
	if err != nil {
		return err
	}
	if err := x.writeDocumentation(ctx, st); err != nil {
		return err
	}

	created := x.ts()
	st.artifactIDs = make([]string, 0, len(drafts))
	for _, d := range drafts {
		a := domain.Artifact{
			ID:         uuid.NewString(),
			RunID:      runID,
			ProjectID:  st.run.ProjectID,
			Type:       d.Type,
			Title:      d.Title,
			Format:     d.Format,
			StorageURI: d.StorageURI,
			Summary:    d.Summary,
			CreatedAt:  created,
		}
		if err := x.Repo.InsertArtifact(ctx, nil, a); err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		st.artifactIDs = append(st.artifactIDs, a.ID)
	}
	return x.step(ctx, runID, domain.StageExecute,
		"Executed repository/web/documentation tool adapters",
		fmt.Sprintf("Collected %d evidence items and generated %d artifacts", len(st.evidenceIDs), len(st.artifactIDs)), 0.74)
}

func (x Executor) writeArtifacts(ctx context.Context, st *runState) ([]docs.ArtifactDraft, error) {
	lines := make([]docs.RecommendationLine, len(st.recommendations))
	for i, r := range st.recommendations {
		lines[i] = docs.RecommendationLine{ID: r.RecommendationID, Text: r.Text, Confidence: r.Confidence}
	}
	assumptions := make([]string, len(st.assumptions))
	for i, a := range st.assumptions {
		assumptions[i] = a.Statement
	}
	started := x.ts()
	drafts, err := docs.WriteNightArtifacts(docs.ArtifactInput{
		Root:            x.WorkspaceRoot,
		RunID:           st.run.ID,
		Objective:       st.mission.Objective,
		EvidenceIDs:     st.evidenceIDs,
		Recommendations: lines,
		Assumptions:     assumptions,
		PatchTarget:     filepath.ToSlash(filepath.Dir(x.documentationTarget(st.run.ID))),
		MaxWords:        st.contract.OutputRequirements.ArtifactLimits.MaxWordsPerArtifact,
	})
	if err != nil {
		return nil, fmt.Errorf("write artifacts: %w", err)
	}
	if err := x.tool(ctx, st.run.ID, toolCall{
		name:        "docs.generate_artifacts",
		request:     map[string]any{"artifact_count": len(drafts)},
		responseRef: traceRef(st.run.ID, "artifacts"),
		startedAt:   started,
	}); err != nil {
		return nil, err
	}
	return drafts, nil
}

func (x Executor) documentationTarget(runID string) string {
	if x.DocumentationPath != "" {
		return x.DocumentationPath
	}
	return docs.DefaultDocumentationPath(runID)
}

// writeDocumentation attempts the single scoped write. A denial is recorded
// on the tool invocation and the run continues.
func (x Executor) writeDocumentation(ctx context.Context, st *runState) error {
	scope := st.contract.RepoWriteScope()
	target := x.documentationTarget(st.run.ID)
	started := x.ts()
	res, err := docs.WriteScopedDocumentation(docs.ScopedWriteInput{
		Root:         x.WorkspaceRoot,
		RunID:        st.run.ID,
		Objective:    st.mission.Objective,
		TargetPath:   target,
		AllowedPaths: scope.AllowedPaths,
	})
	if err != nil {
		return fmt.Errorf("write documentation: %w", err)
	}
	approval := scope.RequiresApproval
	if approval == "" {
		approval = "never"
	}
	call := toolCall{
		name:        "repo.write_documentation",
		request:     map[string]any{"target": target, "approval_mode": approval},
		responseRef: res.FilePath,
		startedAt:   started,
	}
	if !res.Written {
		call.status = domain.ToolStatusDenied
		call.errorText = res.Reason
	}
	return x.tool(ctx, st.run.ID, call)
}

func (x Executor) synthesize(ctx context.Context, st *runState) error {
	created := x.ts()
	for _, q := range st.decisions {
		if err := x.Repo.InsertDecision(ctx, nil, domain.Decision{
			ID:        uuid.NewString(),
			ProjectID: st.run.ProjectID,
			RunID:     st.run.ID,
			Question:  q,
			Status:    domain.DecisionOpen,
			CreatedAt: created,
		}); err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
	}
	for _, r := range st.recommendations {
		if err := x.Repo.UpsertOutcome(ctx, nil, domain.RecommendationOutcome{
			RunID:            st.run.ID,
			RecommendationID: r.RecommendationID,
			Outcome:          domain.OutcomePending,
			UpdatedAt:        created,
		}); err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
	}
	return x.step(ctx, st.run.ID, domain.StageSynthesize,
		"Built recommendations and decision queue",
		fmt.Sprintf("Generated %d recommendations with tradeoffs", len(st.recommendations)), 0.72)
}

func (x Executor) handoffStage(ctx context.Context, st *runState) error {
	now := x.now()
	ts := domain.FormatTime(now)
	due := domain.FormatTime(now.Add(evaluationDue))
	if err := x.Repo.UpsertEvaluation(ctx, nil, domain.RunEvaluation{
		ID:                uuid.NewString(),
		RunID:             st.run.ID,
		ProjectID:         st.run.ProjectID,
		CaptureStatus:     domain.CapturePending,
		FlaggedIssueTypes: []string{},
		DueAt:             &due,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}); err != nil {
		return fmt.Errorf("create evaluation: %w", err)
	}

	pre := scoring.PreReview(scoring.RunPreReviewInput(len(st.contract.GoalLinks), len(st.evidenceIDs), len(st.decisions)))
	report, err := x.buildReport(ctx, st, now)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := x.Repo.InsertReport(ctx, nil, domain.RunReport{
		ID:          report.ReportID,
		RunID:       st.run.ID,
		ProjectID:   st.run.ProjectID,
		HandoffID:   st.handoff.ID,
		Report:      raw,
		SummaryText: strings.Join(report.DeltaSummary, " "),
		CreatedAt:   ts,
	}); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	if err := x.step(ctx, st.run.ID, domain.StageHandoff,
		"Generated run report and morning handoff",
		"Coffee-mode report ready with evidence and recommendation refs", 0.74); err != nil {
		return err
	}
	return x.finish(ctx, st, &domain.RunScore{PreReview: &pre})
}

func (x Executor) buildReport(ctx context.Context, st *runState, now time.Time) (contract.Report, error) {
	policy := st.contract.AuthorityPolicy
	history, err := x.Repo.AuthorityHistory(ctx, st.run.ProjectID, domain.FormatTime(now.Add(-authorityWindow)))
	if err != nil {
		return contract.Report{}, fmt.Errorf("authority history: %w", err)
	}
	proposed := scoring.ProposeAuthorityLevel(policy.StartLevel, history.Inputs())
	domainKey := "default"
	if len(st.contract.DomainScope) > 0 {
		domainKey = st.contract.DomainScope[0]
	}
	report := contract.Report{
		Version:                contract.ReportVersion,
		ReportID:               "rep_" + st.run.ID,
		RunID:                  st.run.ID,
		ProjectID:              st.run.ProjectID,
		HandoffID:              st.handoff.ID,
		MissionStatus:          domain.RunCompleted,
		ObjectiveResult:        st.synth.ObjectiveResult,
		DeltaSummary:           nonNil(st.synth.DeltaSummary),
		EvidenceRefs:           nonNil(st.evidenceIDs),
		ArtifactRefs:           nonNil(st.artifactIDs),
		Assumptions:            st.assumptions,
		RecommendedActionsTop3: st.recommendations,
		DecisionsNeededTop3:    nonNil(st.decisions),
		MemoryUpdates:          contract.MemoryUpdates{SemanticRefs: []string{}, StrategicRefs: []string{}, ConflictsCreated: []string{}},
		AuthorityUpdate: contract.AuthorityUpdate{
			DomainKey:     domainKey,
			PreviousLevel: policy.StartLevel,
			CurrentLevel:  scoring.CapAuthorityLevel(proposed, policy.MaxLevelThisRun),
			Reason:        authorityReason,
		},
		TraceRefs: contract.TraceRefs{
			ReplayTimeline:  traceRef(st.run.ID, "timeline"),
			ToolInvocations: traceRef(st.run.ID, "tools"),
		},
		Provider:             planner.MergeMeta(st.planMeta, st.synthMeta),
		FollowOnHandoffReady: true,
	}
	if report.Assumptions == nil {
		report.Assumptions = []contract.Assumption{}
	}
	if report.RecommendedActionsTop3 == nil {
		report.RecommendedActionsTop3 = []contract.Recommendation{}
	}
	if err := contract.ValidateReport(report); err != nil {
		return report, err
	}
	return report, nil
}

// finish completes the run and cascades mission and handoff.
func (x Executor) finish(ctx context.Context, st *runState, score *domain.RunScore) error {
	ts := x.ts()
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := x.Repo.FinishRun(ctx, tx, st.run.ID, domain.RunCompleted, score, ts); err != nil {
		return err
	}
	if err := x.Repo.UpdateMissionStatus(ctx, tx, st.mission.ID, domain.MissionCompleted, ts); err != nil {
		return err
	}
	if err := x.Repo.UpdateHandoffStatus(ctx, tx, st.handoff.ID, domain.HandoffCompleted, ts); err != nil {
		return err
	}
	if err := x.events().Append(ctx, tx, events.RunCompleted, st.run.ProjectID, "run", st.run.ID, actorWorker, events.EventPayload{
		"pre_review": score.PreReview.Score,
		"evidence":   len(st.evidenceIDs),
		"artifacts":  len(st.artifactIDs),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Recommendations keeps the first three synthesis recommendations and
// stamps them rec_1..rec_3 with a why-this trace pointer.
func Recommendations(runID string, in []planner.SynthesisRecommendation) []contract.Recommendation {
	in = in[:min(len(in), 3)]
	out := make([]contract.Recommendation, len(in))
	for i, r := range in {
		id := fmt.Sprintf("rec_%d", i+1)
		out[i] = contract.Recommendation{
			RecommendationID: id,
			Text:             r.Text,
			Confidence:       r.Confidence,
			Tradeoffs:        nonNil(r.Tradeoffs),
			WhyThisRef:       traceRef(runID, "why_"+id),
		}
	}
	return out
}

// Decisions keeps up to three synthesis decisions padded with the platform
// defaults.
func Decisions(fromSynthesis []string) []string {
	out := append([]string{}, fromSynthesis[:min(len(fromSynthesis), 3)]...)
	out = append(out, planner.FallbackDecisions...)
	return out[:3]
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
