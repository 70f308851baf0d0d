package orchestrator

import (
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// ProjectID derives the stable per-project identifier: a slug of the
// goal suffixed with the job id when one exists, else the run id, so
// the same job resolves to the same directories across phases and
// restarts.
func ProjectID(goal, jobID, runID string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(goal), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
		slug = strings.Trim(slug, "-")
	}
	suffix := jobID
	if suffix == "" {
		suffix = runID
	}
	if slug == "" {
		return suffix
	}
	return slug + "-" + suffix
}
