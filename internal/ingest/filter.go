package ingest

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/thc1006/flakeguard/internal/github"
)

// Skip reasons from artifact selection. Only oversize is surfaced as a
// recorded failure; the rest are routine.
const (
	skipExpired   = "expired"
	skipName      = "name"
	skipUndersize = "undersize"
	skipOversize  = "oversize"
)

// nameHints mark artifact names that usually carry test reports.
var nameHints = []string{"test", "junit", "results"}

// ArtifactFilter decides which run artifacts are worth downloading.
type ArtifactFilter struct {
	MinBytes int64
	MaxBytes int64
	// Patterns are extra doublestar globs matched against the artifact
	// name, for repositories whose report uploads defeat the hints.
	Patterns []string
}

// Select reports whether the artifact should be processed; when not, the
// second return names why.
func (f ArtifactFilter) Select(a github.Artifact) (bool, string) {
	if a.Expired {
		return false, skipExpired
	}
	if !matchesName(a.Name, f.Patterns) {
		return false, skipName
	}
	if f.MinBytes > 0 && a.SizeInBytes < f.MinBytes {
		return false, skipUndersize
	}
	if f.MaxBytes > 0 && a.SizeInBytes > f.MaxBytes {
		return false, skipOversize
	}
	return true, ""
}

func matchesName(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, hint := range nameHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	if strings.HasSuffix(lower, ".xml") || strings.HasSuffix(lower, ".zip") {
		return true
	}
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
