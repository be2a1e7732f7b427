// Package planner produces run plans and syntheses from a reasoning
// provider, degrading to a fixed built-in answer whenever the provider is
// absent, fails, or returns output that breaks the schema.
package planner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"goa.design/clue/log"

	"nightlobster/internal/contract"
)

const (
	ModeProvider   = "provider"
	ModeFallback   = "fallback"
	SourceFallback = "fallback"
)

type PlanInput struct {
	Objective       string
	GoalLinks       []string
	OpenQuestions   []string
	SuccessCriteria []string
}

type EvidenceRef struct {
	Citation     string  `json:"citation"`
	QualityScore float64 `json:"qualityScore"`
	Excerpt      string  `json:"excerpt"`
}

type SynthesisInput struct {
	Objective   string
	GoalLinks   []string
	Evidence    []EvidenceRef
	PlanSummary string
}

type Plan struct {
	PlanSummary    string                `json:"plan_summary"`
	ExecutionSteps []string              `json:"execution_steps"`
	Risks          []string              `json:"risks"`
	Assumptions    []contract.Assumption `json:"assumptions"`
}

type SynthesisRecommendation struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Tradeoffs  []string `json:"tradeoffs"`
}

type Synthesis struct {
	ObjectiveResult string                    `json:"objective_result"`
	DeltaSummary    []string                  `json:"delta_summary"`
	Recommendations []SynthesisRecommendation `json:"recommendations"`
	Decisions       []string                  `json:"decisions"`
	Assumptions     []contract.Assumption     `json:"assumptions"`
}

// PlanningProvider is one strategy for producing plans and syntheses.
type PlanningProvider interface {
	// Source names the backend recorded in provenance ("openai", "gemini", "fallback").
	Source() string
	Plan(ctx context.Context, in PlanInput) (Plan, error)
	Synthesize(ctx context.Context, in SynthesisInput) (Synthesis, error)
}

// Planner selects the configured provider once per call and recovers every
// provider failure with the fixed fallback.
type Planner struct {
	primary  PlanningProvider
	fallback FixedFallbackProvider
	model    string
}

// New returns a Planner. A nil primary means no credential is configured and
// every call is answered by the fallback.
func New(primary PlanningProvider, model string) *Planner {
	return &Planner{primary: primary, model: model}
}

// Configured reports whether a remote provider is wired.
func (p *Planner) Configured() bool { return p.primary != nil }

func (p *Planner) meta(plannerSource, synthSource string) contract.ProviderMeta {
	mode := ModeFallback
	if plannerSource != SourceFallback && synthSource != SourceFallback {
		mode = ModeProvider
	}
	return contract.ProviderMeta{
		Mode:              mode,
		PlannerModel:      p.model,
		SynthesizerModel:  p.model,
		PlannerSource:     plannerSource,
		SynthesizerSource: synthSource,
	}
}

func (p *Planner) configuredSource() string {
	if p.primary == nil {
		return SourceFallback
	}
	return p.primary.Source()
}

// GeneratePlan never fails; provider errors are logged and replaced.
func (p *Planner) GeneratePlan(ctx context.Context, in PlanInput) (Plan, contract.ProviderMeta) {
	src := p.configuredSource()
	if p.primary == nil {
		plan, _ := p.fallback.Plan(ctx, in)
		return plan, p.meta(src, src)
	}
	plan, err := p.primary.Plan(ctx, in)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "provider plan failed; using fallback"}, log.KV{K: "source", V: src})
		plan, _ = p.fallback.Plan(ctx, in)
		return plan, p.meta(SourceFallback, src)
	}
	return plan, p.meta(src, src)
}

// GenerateSynthesis never fails; provider errors are logged and replaced.
func (p *Planner) GenerateSynthesis(ctx context.Context, in SynthesisInput) (Synthesis, contract.ProviderMeta) {
	src := p.configuredSource()
	if p.primary == nil {
		s, _ := p.fallback.Synthesize(ctx, in)
		return s, p.meta(src, src)
	}
	s, err := p.primary.Synthesize(ctx, in)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "provider synthesis failed; using fallback"}, log.KV{K: "source", V: src})
		s, _ = p.fallback.Synthesize(ctx, in)
		return s, p.meta(src, SourceFallback)
	}
	return s, p.meta(src, src)
}

// MergeMeta combines the plan-call and synthesis-call provenance: the run is
// in provider mode only when both calls were answered by the provider.
func MergeMeta(plan, synth contract.ProviderMeta) contract.ProviderMeta {
	mode := ModeFallback
	if plan.PlannerSource != SourceFallback && synth.SynthesizerSource != SourceFallback {
		mode = ModeProvider
	}
	return contract.ProviderMeta{
		Mode:              mode,
		PlannerModel:      plan.PlannerModel,
		SynthesizerModel:  synth.SynthesizerModel,
		PlannerSource:     plan.PlannerSource,
		SynthesizerSource: synth.SynthesizerSource,
	}
}

// ProviderOptions select and configure a remote backend.
type ProviderOptions struct {
	Kind       string // "openai" or "gemini"
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewFromOptions builds a Planner. An empty APIKey yields a fallback-only
// Planner.
func NewFromOptions(ctx context.Context, opts ProviderOptions) (*Planner, error) {
	if opts.APIKey == "" {
		return New(nil, opts.Model), nil
	}
	var completer Completer
	switch opts.Kind {
	case "", "openai":
		completer = NewOpenAICompleter(OpenAIOptions{APIKey: opts.APIKey, BaseURL: opts.BaseURL, HTTPClient: opts.HTTPClient})
	case "gemini":
		g, err := NewGeminiCompleter(ctx, GeminiClientOptions{APIKey: opts.APIKey, BaseURL: opts.BaseURL, HTTPClient: opts.HTTPClient})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		completer = g
	default:
		return nil, fmt.Errorf("unknown provider kind %q", opts.Kind)
	}
	return New(RemoteProvider{Completer: completer, Model: opts.Model, Timeout: opts.Timeout}, opts.Model), nil
}
