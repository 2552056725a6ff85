package scanner

import (
	"path/filepath"
	"strings"
)

// denyPattern is a parsed deny pattern with its matching strategy.
type denyPattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
}

// DenyMatcher checks paths against a set of deny glob patterns.
// Patterns without '/' match against the entry's basename only.
// Patterns with '/' match against the full path relative to the scan root.
type DenyMatcher struct {
	patterns []denyPattern
}

// NewDenyMatcher creates a DenyMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewDenyMatcher(rawPatterns []string) *DenyMatcher {
	var patterns []denyPattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, denyPattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &DenyMatcher{patterns: patterns}
}

// Match reports whether the given root-relative path is denied.
func (m *DenyMatcher) Match(relativePath string) bool {
	if len(m.patterns) == 0 {
		return false
	}

	// Normalize to forward slashes for consistent matching.
	normalized := filepath.ToSlash(relativePath)
	basename := filepath.Base(relativePath)

	for _, p := range m.patterns {
		var matched bool
		var err error
		if p.matchPath {
			matched, err = filepath.Match(p.pattern, normalized)
		} else {
			matched, err = filepath.Match(p.pattern, basename)
		}
		if err != nil {
			// Bad pattern — skip rather than crash.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
