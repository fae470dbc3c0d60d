package tasks

import (
	"regexp"

	"github.com/haasonsaas/lucy/pkg/models"
)

// backgroundPatterns mark compound research-and-produce requests that
// are too heavy to answer inline.
var backgroundPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)comprehensive research`),
	regexp.MustCompile(`(?i)deep dive`),
	regexp.MustCompile(`(?i)thorough analysis`),
	regexp.MustCompile(`(?i)\bresearch\b.*\band\b.*\bcreate\b`),
	regexp.MustCompile(`(?i)competitive analysis`),
	regexp.MustCompile(`(?i)full audit`),
}

// ShouldBackground reports whether a request runs as a background task.
// Only frontier-tier work whose text matches a compound-heavy phrase
// moves off the inline path; everything else answers in the thread
// directly.
func ShouldBackground(tier models.Tier, text string) bool {
	if tier != models.TierFrontier {
		return false
	}
	for _, p := range backgroundPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
