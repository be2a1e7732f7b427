// Package docs renders the per-run artifacts and performs the single scoped
// documentation write a run is allowed.
package docs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nightlobster/internal/contract"
)

// ArtifactsDir is the workspace-relative directory holding run artifacts.
const ArtifactsDir = "artifacts"

// RecommendationLine is the memo view of one recommendation.
type RecommendationLine struct {
	ID         string
	Text       string
	Confidence float64
}

type ArtifactInput struct {
	Root            string
	RunID           string
	Objective       string
	EvidenceIDs     []string
	Recommendations []RecommendationLine
	Assumptions     []string
	// PatchTarget is the directory the patch draft adds a note under.
	PatchTarget string
	// MaxWords caps each artifact body; zero means no cap.
	MaxWords int
}

// ArtifactDraft is one artifact written to disk, ready to be recorded.
type ArtifactDraft struct {
	Type    string
	Title   string
	Format  string
	Summary string
	// Path is absolute; StorageURI is relative to Root with forward slashes.
	Path       string
	StorageURI string
}

type descriptor struct {
	typ, title, format, summary, file string
}

var descriptors = []descriptor{
	{contract.ArtifactDecisionMemo, "Nightly decision memo", "md", "Objective, evidence, and ranked recommendation summary", "decision_memo.md"},
	{contract.ArtifactExperimentCard, "Nightly experiment card", "md", "One bounded experiment plan for next iteration", "experiment_card.md"},
	{contract.ArtifactCodeDiff, "Scoped patch draft", "patch", "Patch artifact generated for write-with-documentation mode", "code_diff.patch"},
}

// RunArtifactsDir returns the absolute artifact directory of a run.
func RunArtifactsDir(root, runID string) string {
	return filepath.Join(root, ArtifactsDir, runID)
}

// WriteNightArtifacts writes the decision memo, experiment card and patch
// draft under artifacts/<run>/ and returns them in that order.
func WriteNightArtifacts(in ArtifactInput) ([]ArtifactDraft, error) {
	dir := RunArtifactsDir(in.Root, in.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	bodies := map[string]string{
		contract.ArtifactDecisionMemo:   renderMemo(in),
		contract.ArtifactExperimentCard: renderExperiment(in),
		contract.ArtifactCodeDiff:       renderPatch(in),
	}
	drafts := make([]ArtifactDraft, 0, len(descriptors))
	for _, d := range descriptors {
		path := filepath.Join(dir, d.file)
		body := CapWords(bodies[d.typ], in.MaxWords)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", d.typ, err)
		}
		rel, err := filepath.Rel(in.Root, path)
		if err != nil {
			return nil, fmt.Errorf("relative path %s: %w", d.typ, err)
		}
		drafts = append(drafts, ArtifactDraft{
			Type:       d.typ,
			Title:      d.title,
			Format:     d.format,
			Summary:    d.summary,
			Path:       path,
			StorageURI: filepath.ToSlash(rel),
		})
	}
	return drafts, nil
}

func renderMemo(in ArtifactInput) string {
	var b strings.Builder
	b.WriteString("# Decision Memo\n\n## Objective\n")
	b.WriteString(in.Objective)
	b.WriteString("\n\n## Evidence\n")
	for _, id := range in.EvidenceIDs {
		fmt.Fprintf(&b, "- %s\n", id)
	}
	b.WriteString("\n## Recommended Actions\n")
	for _, r := range in.Recommendations {
		fmt.Fprintf(&b, "- %s: %s (confidence %.2f)\n", r.ID, r.Text, r.Confidence)
	}
	return b.String()
}

func renderExperiment(in ArtifactInput) string {
	hypothesis := "Primary assumption requires validation"
	if len(in.Assumptions) > 0 && strings.TrimSpace(in.Assumptions[0]) != "" {
		hypothesis = in.Assumptions[0]
	}
	return strings.Join([]string{
		"# Experiment Card",
		"",
		"## Hypothesis",
		hypothesis,
		"",
		"## Steps",
		"1. Implement scoped instrumentation",
		"2. Run test for one week",
		"3. Compare activation and dropoff delta",
		"",
		"## Success Metric",
		"- Improvement in activation completion rate",
		"",
	}, "\n")
}

func renderPatch(in ArtifactInput) string {
	target := strings.TrimSuffix(filepath.ToSlash(in.PatchTarget), "/")
	if target == "" {
		target = "docs"
	}
	return strings.Join([]string{
		"*** Begin Patch",
		"*** Add File: " + target + "/nightly-experiment-note.md",
		"+# Nightly Experiment Note",
		"+Run: " + in.RunID,
		"+",
		"+Objective: " + in.Objective,
		"+",
		"+This file is generated as part of read/write with documentation policy.",
		"*** End Patch",
		"",
	}, "\n")
}

// CapWords keeps whole lines while the running word count stays within max.
// The first line is always kept so an artifact is never empty.
func CapWords(body string, max int) string {
	if max <= 0 {
		return body
	}
	lines := strings.SplitAfter(body, "\n")
	words := 0
	var b strings.Builder
	for i, line := range lines {
		n := len(strings.Fields(line))
		if i > 0 && words+n > max {
			break
		}
		words += n
		b.WriteString(line)
	}
	return b.String()
}
