package retrieval

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Sub-token emission bounds: tokens at least minSplitLen runes long also
// emit every prefix/suffix split whose halves are both at least
// minSplitHalf runes.
const (
	minSplitLen  = 6
	minSplitHalf = 3
)

// stopWords are dropped from every tokenized document and query.
var stopWords = map[string]struct{}{
	"the": {}, "an": {}, "and": {}, "or": {}, "but": {}, "of": {}, "to": {},
	"in": {}, "on": {}, "for": {}, "with": {}, "from": {}, "by": {}, "at": {},
	"as": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"being": {}, "it": {}, "its": {}, "this": {}, "that": {}, "these": {},
	"those": {}, "you": {}, "your": {}, "my": {}, "me": {}, "we": {}, "our": {},
	"they": {}, "them": {}, "their": {}, "he": {}, "she": {}, "his": {},
	"her": {}, "do": {}, "does": {}, "did": {}, "have": {}, "has": {},
	"had": {}, "will": {}, "would": {}, "can": {}, "could": {}, "should": {},
	"shall": {}, "may": {}, "might": {}, "must": {}, "not": {}, "no": {},
	"if": {}, "then": {}, "than": {}, "so": {}, "too": {}, "very": {},
	"just": {}, "about": {}, "into": {}, "over": {}, "under": {}, "any": {},
	"all": {}, "some": {}, "there": {}, "here": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "whom": {}, "why": {}, "how": {},
	"please": {},
}

// Tokenize splits text into lowercase index tokens. Tool catalogs mix
// snake_case names, CamelCase names, and prose descriptions; all three are
// split the same way. Compound tokens like "googlecalendar" additionally
// emit prefix/suffix halves so they match "calendar".
func Tokenize(text string) []string {
	var tokens []string
	for _, word := range splitWords(fold(text)) {
		for _, part := range splitCamel(word) {
			part = strings.ToLower(part)
			runes := []rune(part)
			if len(runes) <= 1 || !allLetters(runes) {
				continue
			}
			if _, stop := stopWords[part]; stop {
				continue
			}
			tokens = append(tokens, part)
			if len(runes) >= minSplitLen {
				for i := minSplitHalf; i <= len(runes)-minSplitHalf; i++ {
					tokens = append(tokens, string(runes[:i]), string(runes[i:]))
				}
			}
		}
	}
	return tokens
}

// fold applies NFKD normalization and strips combining marks, so accented
// input matches plain-ASCII tool vocabulary.
func fold(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// splitWords breaks text at underscores, hyphens, slashes, whitespace, and
// any other rune that is not a letter or digit.
func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// splitCamel breaks CamelCase words at lower-to-upper boundaries and at the
// end of acronym runs, so "createCalendarEvent" and "HTTPTrigger" both
// split cleanly.
func splitCamel(word string) []string {
	runes := []rune(word)
	if len(runes) < 2 {
		return []string{word}
	}

	var parts []string
	start := 0
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		boundary := unicode.IsUpper(cur) && (unicode.IsLower(prev) || unicode.IsDigit(prev))
		if !boundary && i+1 < len(runes) {
			boundary = unicode.IsUpper(prev) && unicode.IsUpper(cur) && unicode.IsLower(runes[i+1])
		}
		if boundary {
			parts = append(parts, string(runes[start:i]))
			start = i
		}
	}
	parts = append(parts, string(runes[start:]))
	return parts
}

func allLetters(runes []rune) bool {
	for _, r := range runes {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
