package docs

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ReasonOutOfScope is reported when a write target matches no allowed pattern.
const ReasonOutOfScope = "write_path_out_of_scope"

// DefaultDocumentationPath is the write target used when none is configured.
func DefaultDocumentationPath(runID string) string {
	return "docs/nightly/" + runID + ".md"
}

// PathAllowed reports whether rel matches one of patterns. Supported forms
// are "*" and "**" (anything), "prefix/**" (prefix itself or anything
// below it) and exact paths. No patterns means nothing is allowed.
func PathAllowed(rel string, patterns []string) bool {
	p := normalize(rel)
	if p == "" || strings.HasPrefix(p, "/") || hasParentSegment(p) {
		return false
	}
	for _, raw := range patterns {
		pattern := normalize(raw)
		switch {
		case pattern == "*" || pattern == "**":
			return true
		case strings.HasSuffix(pattern, "/**"):
			prefix := strings.TrimSuffix(pattern, "/**")
			if p == prefix || strings.HasPrefix(p, prefix+"/") {
				return true
			}
		case p == pattern:
			return true
		}
	}
	return false
}

func normalize(p string) string {
	return strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
}

func hasParentSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

type ScopedWriteInput struct {
	Root         string
	RunID        string
	Objective    string
	TargetPath   string
	AllowedPaths []string
}

type WriteResult struct {
	Written  bool   `json:"written"`
	FilePath string `json:"file_path,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// WriteScopedDocumentation writes the run note to TargetPath when the path
// is in scope. A denial is a result, not an error.
func WriteScopedDocumentation(in ScopedWriteInput) (WriteResult, error) {
	target := in.TargetPath
	if target == "" {
		target = DefaultDocumentationPath(in.RunID)
	}
	target = path.Clean(normalize(target))
	if !PathAllowed(target, in.AllowedPaths) {
		return WriteResult{Written: false, Reason: ReasonOutOfScope}, nil
	}
	abs := filepath.Join(in.Root, filepath.FromSlash(target))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("create doc dir: %w", err)
	}
	body := strings.Join([]string{
		"# Nightly Run Documentation",
		"",
		"Run: " + in.RunID,
		"Objective: " + in.Objective,
		"",
		"Generated automatically under read/write with documentation policy.",
		"",
	}, "\n")
	if err := os.WriteFile(abs, []byte(body), 0o644); err != nil {
		return WriteResult{}, fmt.Errorf("write doc: %w", err)
	}
	return WriteResult{Written: true, FilePath: target}, nil
}
