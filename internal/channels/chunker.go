package channels

import (
	"strings"
	"unicode"
)

// DefaultChunkChars is the per-message budget used for replies. Slack
// accepts up to 40000 characters per message but renders long walls of
// text poorly, so replies are split well below the hard limit.
const DefaultChunkChars = 3800

// Chunker splits long reply text into message-sized pieces, breaking at
// paragraph, line, sentence, and word boundaries in that order. A split
// that lands inside a fenced code block closes the fence and reopens it
// in the next piece.
type Chunker struct {
	MaxChars int
}

// NewChunker returns a chunker with the given per-piece budget.
// Non-positive budgets fall back to DefaultChunkChars.
func NewChunker(maxChars int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultChunkChars
	}
	return &Chunker{MaxChars: maxChars}
}

// Split cuts text into pieces of at most MaxChars characters. Empty
// input yields nil; input within budget is returned as one piece.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= c.MaxChars {
		return []string{text}
	}

	var pieces []string
	remaining := text

	for len(remaining) > c.MaxChars {
		cut := c.breakPoint(remaining)
		piece := strings.TrimRightFunc(remaining[:cut], unicode.IsSpace)
		rest := strings.TrimLeftFunc(remaining[cut:], unicode.IsSpace)

		if open := openFence(piece); open != "" {
			piece += "\n```"
			rest = open + "\n" + rest
		}
		if piece != "" {
			pieces = append(pieces, piece)
		}
		remaining = rest
	}

	if remaining = strings.TrimSpace(remaining); remaining != "" {
		pieces = append(pieces, remaining)
	}
	return pieces
}

// breakPoint picks the best cut position within the budget window.
func (c *Chunker) breakPoint(text string) int {
	window := text[:c.MaxChars]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	for _, ending := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, ending); idx > 0 {
			return idx + 1
		}
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	return c.MaxChars
}

// openFence reports the opening line of a code fence left unclosed at
// the end of piece, or "" when every fence is balanced.
func openFence(piece string) string {
	open := ""
	for _, line := range strings.Split(piece, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open == "" {
			open = trimmed
		} else {
			open = ""
		}
	}
	return open
}

// TruncateUTF16 shortens text to at most max UTF-16 code units without
// splitting a surrogate pair. Chat APIs measure message length in
// UTF-16, so byte or rune counts overshoot on emoji-heavy text.
func TruncateUTF16(text string, max int) string {
	if max <= 0 {
		return ""
	}
	units := 0
	for i, r := range text {
		w := 1
		if r > 0xFFFF {
			w = 2
		}
		if units+w > max {
			return text[:i]
		}
		units += w
	}
	return text
}
