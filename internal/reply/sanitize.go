package reply

import (
	"fmt"
	"regexp"
	"strings"
)

// Pre-compiled regexes. Compiling once up front keeps the pipeline cheap
// and avoids runtime pattern errors.
var (
	boldItalicRe = regexp.MustCompile(`\*\*\*(.+?)\*\*\*`)
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	headerRe     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+?)\s*#*\s*$`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	emptyLinkRe  = regexp.MustCompile(`\[([^\]]*)\]\(\s*\)`)
	brokenURLRe  = regexp.MustCompile(`https?://\S*(?:\.\.\.|…)`)

	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
	doubleSpaceRe    = regexp.MustCompile(`(\S)[ \t]{2,}`)
	spacePunctRe     = regexp.MustCompile(`[ \t]+([.,;:!?])`)

	// Leading-context class keeps URL paths (preceded by "//" or ":")
	// out of reach.
	absPathRe  = regexp.MustCompile(`(?m)(^|[\s("'])/(?:[\w.\-]+/)+[\w.\-]+`)
	toolNameRe = regexp.MustCompile(`\b[A-Z][A-Z0-9]*(?:_[A-Z0-9]+)+\b`)

	metaParagraphRe = regexp.MustCompile(`(?i)^(?:the previous response|self-correction:|upon reflection|let me reconsider|revised response:|wait[,;] )`)
	gateMarkerRe    = regexp.MustCompile(`(?im)^\s*(?:\[(?:draft|final|approved|quality[ _-]?(?:gate|check)(?:ed)?(?::[^\]]*)?)\]|-{3,}\s*(?:begin|end)\b[^\n]*-{3,})\s*$`)
)

// internalTags are XML-ish blocks the model uses for its own reasoning.
// Both the block form and orphaned tags are removed.
var internalTags = []string{
	"planning", "thinking", "self_critique", "scratchpad", "reflection",
	"internal", "draft",
}

var (
	internalBlockRes  []*regexp.Regexp
	internalOrphanRes []*regexp.Regexp
)

func init() {
	for _, tag := range internalTags {
		internalBlockRes = append(internalBlockRes,
			regexp.MustCompile(fmt.Sprintf(`(?is)<%s\b[^>]*>.*?</%s>`, tag, tag)))
		internalOrphanRes = append(internalOrphanRes,
			regexp.MustCompile(fmt.Sprintf(`(?i)</?%s\b[^>]*>`, tag)))
	}
}

// internalFileNames never belong in a user-facing reply.
var internalFileNames = []string{
	"SKILL.md", "LEARNINGS.md", "task.json", "execution.log",
	"activity.log", "last_ts",
}

// humanTools maps tool identifiers to natural phrasing. Unlisted
// all-caps tool names are stripped outright.
var humanTools = map[string]string{
	"GMAIL_SEND_EMAIL":            "sending the email",
	"GMAIL_FETCH_EMAILS":          "checking email",
	"GMAIL_CREATE_EMAIL_DRAFT":    "drafting the email",
	"GOOGLECALENDAR_CREATE_EVENT": "creating the calendar event",
	"GOOGLECALENDAR_FIND_EVENT":   "checking the calendar",
	"SLACK_SEND_MESSAGE":          "sending the message",
	"NOTION_CREATE_PAGE":          "creating the page",
	"COMPOSIO_SEARCH_TOOLS":       "looking up available tools",
}

// robotTone rewrites template-y phrasing into something a coworker would
// say. Patterns are matched case-insensitively; empty replacements delete
// filler outright.
var robotTone = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?i)\bI wasn't able to\b`), "I couldn't"},
	{regexp.MustCompile(`(?i)\bI was unable to\b`), "I couldn't"},
	{regexp.MustCompile(`(?i)could you (?:please )?try rephrasing[^.?!]*[.?!]`), "Give me a bit more detail and I'll take another run at it."},
	{regexp.MustCompile(`(?i)\bhit a snag\b`), "ran into a problem"},
	{regexp.MustCompile(`(?i)(?:that's a |what a )?great question[.!]?\s*`), ""},
	{regexp.MustCompile(`(?i)\bcertainly[.!]\s*`), ""},
	{regexp.MustCompile(`(?i)\bas an ai(?: language model| assistant)?,?\s*`), ""},
	{regexp.MustCompile(`(?i)i hope (?:this|that) helps[.!]?\s*`), ""},
	{regexp.MustCompile(`(?i)please don't hesitate to\b`), "feel free to"},
	{regexp.MustCompile(`(?i)\bi apologize for (?:the|any) (?:confusion|inconvenience)[.!]?\s*`), "Sorry about that. "},
}

// Sanitize runs the full outbound pipeline: internal-content stripping,
// artifact scrubbing, markdown to chat-format conversion, then tone
// cleanup. The pipeline is idempotent, so text that has already been
// through it passes unchanged.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	text = stripInternal(text)
	text = scrubArtifacts(text)
	text = convertMarkdown(text)
	text = adjustTone(text)
	return tidyWhitespace(text)
}

// stripInternal removes reasoning blocks, meta commentary about earlier
// drafts, and quality-gate markers.
func stripInternal(text string) string {
	for _, re := range internalBlockRes {
		text = re.ReplaceAllString(text, "")
	}
	for _, re := range internalOrphanRes {
		text = re.ReplaceAllString(text, "")
	}
	text = gateMarkerRe.ReplaceAllString(text, "")

	paragraphs := strings.Split(text, "\n\n")
	kept := paragraphs[:0]
	for _, p := range paragraphs {
		if metaParagraphRe.MatchString(strings.TrimSpace(p)) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "\n\n")
}

// scrubArtifacts removes machine detail that leaks from tool execution:
// filesystem paths, workspace file names, raw tool identifiers, and
// URLs the model truncated mid-stream.
func scrubArtifacts(text string) string {
	text = absPathRe.ReplaceAllString(text, "$1")
	for _, name := range internalFileNames {
		text = strings.ReplaceAll(text, name, "")
	}

	text = toolNameRe.ReplaceAllStringFunc(text, func(name string) string {
		if phrase, ok := humanTools[name]; ok {
			return phrase
		}
		return ""
	})

	text = emptyLinkRe.ReplaceAllString(text, "$1 (link unavailable)")
	text = brokenURLRe.ReplaceAllString(text, "(link unavailable)")
	return text
}

// convertMarkdown rewrites standard markdown into chat formatting:
// *bold*, *header* lines, <url|text> links, and tables flattened into
// bullet lists keyed by their header row.
func convertMarkdown(text string) string {
	text = boldItalicRe.ReplaceAllString(text, "*$1*")
	text = boldRe.ReplaceAllString(text, "*$1*")
	text = headerRe.ReplaceAllString(text, "*$1*")
	text = linkRe.ReplaceAllString(text, "<$2|$1>")
	text = convertTables(text)
	return excessiveLinesRe.ReplaceAllString(text, "\n\n\n")
}

// convertTables flattens each markdown table into one bullet per data
// row, pairing the header with the cell value.
func convertTables(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	var table []string

	flush := func() {
		if len(table) > 0 {
			out = append(out, renderTable(table)...)
			table = nil
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "|") {
			table = append(table, line)
			continue
		}
		flush()
		out = append(out, line)
	}
	flush()
	return strings.Join(out, "\n")
}

func renderTable(rows []string) []string {
	if len(rows) < 2 {
		return rows
	}

	headers := splitTableRow(rows[0])
	var out []string
	for _, row := range rows[1:] {
		cells := splitTableRow(row)
		if isSeparatorRow(cells) {
			continue
		}
		var parts []string
		for i, cell := range cells {
			if cell == "" {
				continue
			}
			if i < len(headers) && headers[i] != "" {
				parts = append(parts, fmt.Sprintf("*%s*: %s", headers[i], cell))
			} else {
				parts = append(parts, cell)
			}
		}
		if len(parts) > 0 {
			out = append(out, "- "+strings.Join(parts, ", "))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func splitTableRow(row string) []string {
	row = strings.TrimSpace(row)
	row = strings.Trim(row, "|")
	cells := strings.Split(row, "|")
	for i, cell := range cells {
		cells[i] = strings.TrimSpace(cell)
	}
	return cells
}

func isSeparatorRow(cells []string) bool {
	for _, cell := range cells {
		if cell == "" {
			continue
		}
		if strings.Trim(cell, ":-") != "" {
			return false
		}
	}
	return true
}

// adjustTone swaps robotic stock phrases for plain ones and deletes
// filler.
func adjustTone(text string) string {
	for _, rule := range robotTone {
		text = rule.re.ReplaceAllString(text, rule.with)
	}
	return text
}

func tidyWhitespace(text string) string {
	text = doubleSpaceRe.ReplaceAllString(text, "$1 ")
	text = spacePunctRe.ReplaceAllString(text, "$1")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = strings.Join(lines, "\n")
	text = excessiveLinesRe.ReplaceAllString(text, "\n\n\n")
	return strings.TrimSpace(text)
}

// Data-versus-interpretation signals for the depth heuristic.
var (
	dataSignalRe = regexp.MustCompile(`(?i)\d+(?:\.\d+)?%|\$\d|\b\d{2,}\b|(?m)^\s*[-•]\s`)
	insightRe    = regexp.MustCompile(`(?i)\b(because|suggests?|recommend|compared?|means|implies|overall|trend|driven by|so you should|in short)\b`)
)

// NeedsDepth reports whether a reply presents data without any
// interpretation, which is the cue for one enrichment turn.
func NeedsDepth(text string) bool {
	if len(text) < 80 {
		return false
	}
	return dataSignalRe.MatchString(text) && !insightRe.MatchString(text)
}
