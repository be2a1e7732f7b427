// Package evidence gathers citation-backed evidence items from the
// workspace and from URLs mentioned in handoff context. Both adapters only
// read; neither returns an error for an individual unreadable source.
package evidence

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	KindRepo = "repo"
	KindWeb  = "web"
)

// Item is one gathered piece of evidence before it is persisted.
type Item struct {
	Kind         string  `json:"kind"`
	Citation     string  `json:"citation"`
	QualityScore float64 `json:"quality_score"`
	Excerpt      string  `json:"excerpt"`
	Notes        string  `json:"notes"`
}

// Gathered is the result of running both adapters.
type Gathered struct {
	Repo []Item
	Web  []Item
}

// Merged returns repo items then web items truncated to limit.
func (g Gathered) Merged(limit int) []Item {
	out := make([]Item, 0, len(g.Repo)+len(g.Web))
	out = append(out, g.Repo...)
	out = append(out, g.Web...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GatherAll runs the repo scan and the web fetch concurrently. The adapters
// are independent, so merge order is fixed regardless of completion order.
func GatherAll(ctx context.Context, repo RepoScanner, web *WebFetcher, repoMax int, webInputs []string, webMax int) (Gathered, error) {
	var g Gathered
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		items, err := repo.Gather(gctx, repoMax)
		g.Repo = items
		return err
	})
	group.Go(func() error {
		items, err := web.Gather(gctx, webInputs, webMax)
		g.Web = items
		return err
	})
	if err := group.Wait(); err != nil {
		return Gathered{}, err
	}
	return g, nil
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
