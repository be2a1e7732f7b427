package evidence

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/time/rate"
)

const (
	DefaultFetchTimeout = 4500 * time.Millisecond
	maxTitleLen         = 120
	maxBodyBytes        = 1 << 20

	webOKQuality     = 0.65
	webStatusQuality = 0.45
	webFailQuality   = 0.30
)

var urlPattern = regexp.MustCompile(`https?://[^\s)\]}"]+`)

// ExtractURLs returns the unique URLs found across inputs in first-seen order.
func ExtractURLs(inputs []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, in := range inputs {
		for _, u := range urlPattern.FindAllString(in, -1) {
			if seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// WebFetcher fetches context-linked URLs and scores them by HTTP outcome.
type WebFetcher struct {
	Client  *http.Client
	Timeout time.Duration
	// Limiter paces outgoing requests; nil means unpaced.
	Limiter *rate.Limiter
}

func NewWebFetcher() *WebFetcher {
	return &WebFetcher{
		Client:  &http.Client{},
		Timeout: DefaultFetchTimeout,
		Limiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 2),
	}
}

// Gather fetches unique URLs from inputs until maxItems items exist. Fetch
// failures become low-quality items; only ctx cancellation is an error.
func (f *WebFetcher) Gather(ctx context.Context, inputs []string, maxItems int) ([]Item, error) {
	items := []Item{}
	if f == nil {
		return items, nil
	}
	for _, u := range ExtractURLs(inputs) {
		if len(items) >= maxItems {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.Limiter != nil {
			if err := f.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		items = append(items, f.fetch(ctx, u))
	}
	return items, nil
}

func (f *WebFetcher) fetch(ctx context.Context, u string) Item {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	failed := Item{
		Kind:         KindWeb,
		Citation:     u,
		QualityScore: webFailQuality,
		Excerpt:      "Request failed or timed out",
		Notes:        "Captured as low-confidence external signal",
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return failed
	}
	resp, err := client.Do(req)
	if err != nil {
		return failed
	}
	defer resp.Body.Close()
	title, err := pageTitle(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return failed
	}
	quality := webOKQuality
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		quality = webStatusQuality
	}
	return Item{
		Kind:         KindWeb,
		Citation:     u,
		QualityScore: quality,
		Excerpt:      resp.Status + " | " + title,
		Notes:        "Fetched from context-linked URL during nightly execution",
	}
}

// pageTitle returns the trimmed text of the first <title>, "Untitled" when
// there is none. Read errors other than EOF are returned.
func pageTitle(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return "Untitled", nil
			}
			return "", z.Err()
		case html.StartTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) != atom.Title {
				continue
			}
			if z.Next() != html.TextToken {
				return "Untitled", nil
			}
			title := strings.TrimSpace(string(z.Text()))
			if title == "" {
				return "Untitled", nil
			}
			return truncateRunes(title, maxTitleLen), nil
		}
	}
}
