package gateway

import (
	"regexp"
	"strings"

	"github.com/haasonsaas/lucy/internal/llm"
	"github.com/haasonsaas/lucy/pkg/models"
)

// Router classifies a message into a route: the model tier that serves
// it, the coarse intent, and the concrete model identifier. The
// classification is keyword driven and deliberately cheap; it runs on
// every non-fast-path message before queueing.
type Router struct {
	modelMap llm.ModelMap
}

// NewRouter builds a router over the configured tier-to-model mapping.
func NewRouter(modelMap llm.ModelMap) *Router {
	return &Router{modelMap: modelMap}
}

// researchPatterns route to the frontier tier: multi-source
// investigation requests, including the compound research-and-produce
// phrasings that later run as background tasks.
var researchPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)comprehensive research`),
	regexp.MustCompile(`(?i)deep dive`),
	regexp.MustCompile(`(?i)thorough analysis`),
	regexp.MustCompile(`(?i)\bresearch\b.*\band\b.*\bcreate\b`),
	regexp.MustCompile(`(?i)competitive analysis`),
	regexp.MustCompile(`(?i)full audit`),
	regexp.MustCompile(`(?i)\bresearch\b`),
	regexp.MustCompile(`(?i)\binvestigate\b`),
}

var codePhrases = []string{
	"stack trace", "error message", "unit test", "pull request", "code review",
}

var codeWords = tokenSet(
	"code", "bug", "debug", "refactor", "function", "regex", "compile",
	"exception", "traceback", "segfault", "goroutine", "nullpointer",
)

var reasoningWords = tokenSet("why", "explain", "understand")

var monitoringPhrases = []string{
	"watch for", "notify me", "keep an eye", "let me know when", "alert me",
}

var monitoringWords = tokenSet("monitor", "alert", "alerts")

var dataPhrases = []string{
	"pivot table", "bar chart", "line chart",
}

var dataWords = tokenSet(
	"spreadsheet", "csv", "sql", "dashboard", "metrics", "chart", "rows",
	"columns", "dataset", "query",
)

var documentPhrases = []string{
	"write up", "blog post", "meeting notes",
}

var documentWords = tokenSet(
	"draft", "summarize", "memo", "proposal", "document", "doc", "essay",
	"announcement",
)

var toolVerbs = tokenSet(
	"send", "schedule", "create", "update", "delete", "archive", "fetch",
	"book", "remind", "email", "invite", "upload", "forward", "reply",
	"cancel", "move", "assign", "post", "share",
)

func tokenSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Classify maps message text to a route. Order matters: research beats
// code beats the rest, and the short-message fast tier is the last
// check before the default.
func (r *Router) Classify(text string) models.Route {
	normalized := strings.ToLower(text)
	tokens := tokenize(normalized)

	route := func(tier models.Tier, intent models.Intent) models.Route {
		return models.Route{Tier: tier, Intent: intent, Model: r.modelMap.ForTier(tier)}
	}

	for _, p := range researchPatterns {
		if p.MatchString(text) {
			return route(models.TierFrontier, models.IntentResearch)
		}
	}
	if matches(normalized, tokens, codePhrases, codeWords) {
		if hasAny(tokens, reasoningWords) {
			return route(models.TierCode, models.IntentCodeReasoning)
		}
		return route(models.TierCode, models.IntentCode)
	}
	if matches(normalized, tokens, monitoringPhrases, monitoringWords) {
		return route(models.TierDefault, models.IntentMonitoring)
	}
	if matches(normalized, tokens, dataPhrases, dataWords) {
		return route(models.TierDefault, models.IntentData)
	}
	if matches(normalized, tokens, documentPhrases, documentWords) {
		return route(models.TierDefault, models.IntentDocument)
	}
	if hasAny(tokens, toolVerbs) {
		return route(models.TierDefault, models.IntentToolUse)
	}
	if len(tokens) > 0 && len(tokens) <= 4 {
		return route(models.TierFast, models.IntentGeneral)
	}
	return route(models.TierDefault, models.IntentGeneral)
}

func matches(normalized string, tokens []string, phrases []string, words map[string]struct{}) bool {
	for _, phrase := range phrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	return hasAny(tokens, words)
}

func hasAny(tokens []string, set map[string]struct{}) bool {
	for _, tok := range tokens {
		if _, ok := set[tok]; ok {
			return true
		}
	}
	return false
}

// tokenize splits lowercased text into letter-and-digit runs so
// punctuation never hides a keyword.
func tokenize(normalized string) []string {
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '\'')
	})
}
