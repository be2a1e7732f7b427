package evidence

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultCandidateFiles are the workspace-relative files a run reads. An
// entry ending in "/" stands for the markdown files directly inside that
// directory, in name order.
var DefaultCandidateFiles = []string{
	"README.md",
	"CHANGELOG.md",
	"docs/",
	"cmd/nl/main.go",
	"internal/executor/executor.go",
	"internal/engine/launcher.go",
	"internal/server/server.go",
}

const (
	repoExcerptLen   = 220
	docQuality       = 0.72
	sourceQuality    = 0.82
	repoEvidenceNote = "Repository source reviewed for implementation context"
)

// RepoScanner reads a fixed candidate list under Root.
type RepoScanner struct {
	Root       string
	Candidates []string
}

func (s RepoScanner) candidates() []string {
	if s.Candidates != nil {
		return s.Candidates
	}
	return DefaultCandidateFiles
}

// expand resolves directory entries against Root. Unreadable directories
// contribute nothing.
func (s RepoScanner) expand() []string {
	var out []string
	for _, rel := range s.candidates() {
		if !strings.HasSuffix(rel, "/") {
			out = append(out, rel)
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.Root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(path.Ext(e.Name()), ".md") {
				out = append(out, rel+e.Name())
			}
		}
	}
	return out
}

// Gather returns at most maxItems items in candidate order. Missing, empty or
// unreadable files are skipped. The only error is ctx cancellation.
func (s RepoScanner) Gather(ctx context.Context, maxItems int) ([]Item, error) {
	items := []Item{}
	for _, rel := range s.expand() {
		if len(items) >= maxItems {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(rel)))
		if err != nil || len(data) == 0 {
			continue
		}
		quality := sourceQuality
		if strings.EqualFold(path.Ext(rel), ".md") {
			quality = docQuality
		}
		items = append(items, Item{
			Kind:         KindRepo,
			Citation:     "repo:" + rel,
			QualityScore: quality,
			Excerpt:      truncateRunes(normalizeWhitespace(string(data)), repoExcerptLen),
			Notes:        repoEvidenceNote,
		})
	}
	return items, nil
}
