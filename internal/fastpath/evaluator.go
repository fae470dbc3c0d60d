// Package fastpath answers trivial messages without an agent run. The
// evaluator is a pure function over the message text: no I/O, no LLM call,
// well under a millisecond.
package fastpath

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/haasonsaas/lucy/internal/reply"
)

// Match reasons reported in Result.Reason.
const (
	ReasonGreeting           = "greeting"
	ReasonStatusCheck        = "status_check"
	ReasonHelp               = "help"
	ReasonThreadContinuation = "thread_continuation"
	ReasonNoMatch            = "no_match"
)

// Result is the outcome of one fast-path evaluation. Response is set only
// when IsFast is true.
type Result struct {
	IsFast   bool
	Response string
	Reason   string
}

// greetingWords match as the first token of a short message.
var greetingWords = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "yo": {}, "howdy": {}, "hiya": {},
	"greetings": {}, "hola": {}, "sup": {},
}

// greetingPhrases match the whole normalized message.
var greetingPhrases = map[string]struct{}{
	"good morning": {}, "good afternoon": {}, "good evening": {},
	"morning": {}, "gm": {},
}

var statusPhrases = []string{
	"are you there", "you there", "are you up", "you up", "are you alive",
	"are you awake", "are you online", "are you around", "you around",
	"still there", "still with me",
}

var helpPhrases = []string{
	"what can you do", "what do you do", "what can you help",
	"how can you help", "what are you capable", "how do you work",
}

// mentionPattern strips chat-platform mention markup and plain @handles.
var mentionPattern = regexp.MustCompile(`<@[A-Za-z0-9]+>|@\w+`)

// Evaluator matches trivial messages against pre-generated response pools.
type Evaluator struct {
	greetings *reply.Pool
	status    *reply.Pool
	help      *reply.Pool
}

// NewEvaluator creates an evaluator with the default response pools.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		greetings: defaultGreetingPool(),
		status:    defaultStatusPool(),
		help:      defaultHelpPool(),
	}
}

// GreetingPool exposes the greeting pool for membership checks.
func (e *Evaluator) GreetingPool() *reply.Pool { return e.greetings }

// Evaluate decides whether a message can be answered without an agent run.
// Messages inside an ongoing thread are never fast: the user is continuing
// a conversation, not opening one.
func (e *Evaluator) Evaluate(text string, threadDepth int, hasThreadContext bool) Result {
	if threadDepth > 0 && hasThreadContext {
		return Result{Reason: ReasonThreadContinuation}
	}

	normalized := normalize(text)
	tokens := strings.Fields(normalized)

	// A bare mention is a ping; answer it like a greeting.
	if len(tokens) == 0 {
		return Result{IsFast: true, Response: e.greetings.Sample(), Reason: ReasonGreeting}
	}

	if isGreeting(normalized, tokens) {
		return Result{IsFast: true, Response: e.greetings.Sample(), Reason: ReasonGreeting}
	}
	if isStatusCheck(normalized, tokens) {
		return Result{IsFast: true, Response: e.status.Sample(), Reason: ReasonStatusCheck}
	}
	if isHelpRequest(normalized, tokens) {
		return Result{IsFast: true, Response: e.help.Sample(), Reason: ReasonHelp}
	}

	return Result{Reason: ReasonNoMatch}
}

func isGreeting(normalized string, tokens []string) bool {
	if _, ok := greetingPhrases[normalized]; ok {
		return true
	}
	if len(tokens) > 3 {
		return false
	}
	_, ok := greetingWords[tokens[0]]
	return ok
}

func isStatusCheck(normalized string, tokens []string) bool {
	if normalized == "ping" {
		return true
	}
	if len(tokens) > 5 {
		return false
	}
	for _, phrase := range statusPhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	return false
}

func isHelpRequest(normalized string, tokens []string) bool {
	if normalized == "help" {
		return true
	}
	if len(tokens) > 8 {
		return false
	}
	for _, phrase := range helpPhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	return false
}

// normalize strips mentions, lowercases, replaces punctuation with spaces,
// and collapses whitespace. Apostrophes survive so contractions stay one
// token.
func normalize(text string) string {
	text = mentionPattern.ReplaceAllString(text, " ")
	text = strings.ToLower(text)

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
