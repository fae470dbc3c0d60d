package reply

import (
	"strings"
	"testing"
)

func TestSanitizeFullPipeline(t *testing.T) {
	input := "<thinking>check the sheet</thinking>\n# Pricing\n\n" +
		"The previous response missed the totals.\n\n" +
		"**Competitors** cluster at $40-60/seat. See [the sheet](https://example.com/sheet).\n\n" +
		"| Vendor | Price |\n| --- | --- |\n| Acme | $42 |\n\n" +
		"Great question! I used GMAIL_FETCH_EMAILS to pull quotes from /data/tenants/t1/activity.log earlier."

	want := "*Pricing*\n\n" +
		"*Competitors* cluster at $40-60/seat. See <https://example.com/sheet|the sheet>.\n\n" +
		"- *Vendor*: Acme, *Price*: $42\n\n" +
		"I used checking email to pull quotes from earlier."

	got := Sanitize(input)
	if got != want {
		t.Errorf("Sanitize() =\n%q\nwant\n%q", got, want)
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"<planning>outline</planning>**Bold** claim with [link](https://x.com/a) and GMAIL_SEND_EMAIL.",
		"# Header\n\n| A | B |\n| - | - |\n| 1 | 2 |\n\nSelf-correction: ignore the above.\n\nDone.",
		"I wasn't able to finish. Could you try rephrasing that?",
		"Plain text stays plain.\n\n- already a bullet\n- another",
	}

	for _, input := range inputs {
		once := Sanitize(input)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("not idempotent:\nonce:  %q\ntwice: %q", once, twice)
		}
	}
}

func TestStripInternalBlocks(t *testing.T) {
	got := Sanitize("<planning>\nstep 1\nstep 2\n</planning>Answer: 42<thinking>hmm</thinking>")
	if got != "Answer: 42" {
		t.Errorf("blocks not stripped: %q", got)
	}

	got = Sanitize("Result</scratchpad> is ready.")
	if got != "Result is ready." {
		t.Errorf("orphan tag not stripped: %q", got)
	}
}

func TestStripMetaParagraphs(t *testing.T) {
	input := "Here is the summary.\n\nThe previous response was too long, so I shortened it.\n\nRevenue grew 12%."
	got := Sanitize(input)
	if strings.Contains(got, "previous response") {
		t.Errorf("meta paragraph survived: %q", got)
	}
	if !strings.Contains(got, "Here is the summary.") || !strings.Contains(got, "Revenue grew 12%.") {
		t.Errorf("real content lost: %q", got)
	}
}

func TestStripGateMarkers(t *testing.T) {
	input := "[DRAFT]\nThe plan has three steps.\n---END RESPONSE---"
	got := Sanitize(input)
	if got != "The plan has three steps." {
		t.Errorf("gate markers survived: %q", got)
	}
}

func TestScrubPathsAndFileNames(t *testing.T) {
	got := Sanitize("Saved the notes to /data/tenants/acme/skills/pricing/SKILL.md just now, and task.json was updated.")
	if strings.Contains(got, "/data") || strings.Contains(got, "SKILL.md") || strings.Contains(got, "task.json") {
		t.Errorf("internal artifacts survived: %q", got)
	}

	// URL paths are not filesystem paths.
	got = Sanitize("Docs at https://example.com/docs/setup today.")
	if !strings.Contains(got, "https://example.com/docs/setup") {
		t.Errorf("URL path was mangled: %q", got)
	}
}

func TestHumanizeToolNames(t *testing.T) {
	got := Sanitize("Finished GOOGLECALENDAR_CREATE_EVENT for Friday.")
	if !strings.Contains(got, "creating the calendar event") {
		t.Errorf("known tool not humanized: %q", got)
	}

	got = Sanitize("Then LINEAR_CREATE_ISSUE ran twice.")
	if strings.Contains(got, "LINEAR") {
		t.Errorf("unknown tool name survived: %q", got)
	}
}

func TestBrokenURLPlaceholder(t *testing.T) {
	got := Sanitize("See [dashboard]() or https://metrics.example.com/d/abc… for details.")
	want := "See dashboard (link unavailable) or (link unavailable) for details."
	if got != want {
		t.Errorf("Sanitize() = %q, want %q", got, want)
	}
}

func TestConvertMarkdownBasics(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bold", "That is **very** clear.", "That is *very* clear."},
		{"bold italic", "A ***strong*** claim.", "A *strong* claim."},
		{"header", "## Weekly Report", "*Weekly Report*"},
		{"link", "Read [the doc](https://example.com/doc).", "Read <https://example.com/doc|the doc>."},
		{"channel ref untouched", "Posted in #general already.", "Posted in #general already."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestConvertTables(t *testing.T) {
	input := "Quotes so far:\n\n| Vendor | Price |\n| --- | --- |\n| Acme | $42 |\n| Globex | $55 |"
	want := "Quotes so far:\n\n- *Vendor*: Acme, *Price*: $42\n- *Vendor*: Globex, *Price*: $55"
	if got := Sanitize(input); got != want {
		t.Errorf("Sanitize() = %q, want %q", got, want)
	}
}

func TestCollapseBlankLines(t *testing.T) {
	got := Sanitize("first\n\n\n\n\nsecond")
	if got != "first\n\n\nsecond" {
		t.Errorf("blank lines not collapsed: %q", got)
	}
}

func TestToneReplacements(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"I wasn't able to reach the calendar.", "I couldn't reach the calendar."},
		{"Could you try rephrasing your request?", "Give me a bit more detail and I'll take another run at it."},
		{"I hit a snag while syncing.", "I ran into a problem while syncing."},
		{"Great question! The answer is 4.", "The answer is 4."},
		{"As an AI language model, I cannot join the call.", "I cannot join the call."},
	}

	for _, tt := range tests {
		if got := Sanitize(tt.input); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNeedsDepth(t *testing.T) {
	dataOnly := "Q3 revenue came in at $1.2M, up 14% from Q2. Headcount grew to 42 and churn was 3.1% for the quarter."
	if !NeedsDepth(dataOnly) {
		t.Error("expected data-only reply to need depth")
	}

	interpreted := dataOnly + " Overall the numbers suggest pricing power."
	if NeedsDepth(interpreted) {
		t.Error("interpreted reply should not need depth")
	}

	if NeedsDepth("Revenue was $5.") {
		t.Error("short replies never need depth")
	}
}
