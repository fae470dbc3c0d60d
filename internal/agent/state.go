package agent

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/lucy/internal/llm"
	"github.com/haasonsaas/lucy/internal/supervisor"
)

const recentTurnWindow = 3

// runState is the mutable state of one run. It is owned by a single
// goroutine at a time; approval resumption hands it over through the
// gate callback.
type runState struct {
	req      Request
	messages []llm.Message

	model    string
	turn     int
	maxTurns int

	toolCalls  int
	errorTotal int
	errorRun   int

	sigSeen map[uint64]int

	plan     *supervisor.Plan
	guidance []string
	recent   []string

	availableTools []string
	lastText       string

	noAccessFixed bool
	depthUsed     bool

	started   time.Time
	lastCheck time.Time
}

func newRunState(req Request, cfg Config) *runState {
	model := req.Route.Model
	if model == "" {
		model = cfg.Models.ForTier(req.Route.Tier)
	}
	maxTurns := cfg.MaxTurns
	if req.Background {
		maxTurns = cfg.BackgroundMaxTurns
	}

	messages := make([]llm.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Text})

	now := time.Now()
	return &runState{
		req:       req,
		messages:  messages,
		model:     model,
		maxTurns:  maxTurns,
		sigSeen:   make(map[uint64]int),
		started:   now,
		lastCheck: now,
	}
}

func (st *runState) recordTurn(summary string) {
	st.recent = append(st.recent, summary)
	if len(st.recent) > recentTurnWindow {
		st.recent = st.recent[len(st.recent)-recentTurnWindow:]
	}
}

// appendTurn adds a completed tool turn to the transcript: the
// assistant message with its calls, then the results message.
func (o *Orchestrator) appendTurn(st *runState, text string, calls []llm.ToolCall, results []llm.ToolResult) {
	st.messages = append(st.messages,
		llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: calls},
		llm.Message{Role: llm.RoleUser, ToolResults: results},
	)

	names := make([]string, len(calls))
	failed := 0
	for i, tc := range calls {
		names[i] = tc.Name
		if results[i].IsError {
			failed++
		}
	}
	summary := fmt.Sprintf("turn %d: called %s", st.turn, strings.Join(names, ", "))
	if failed > 0 {
		summary += fmt.Sprintf(" (%d failed)", failed)
	}
	st.recordTurn(summary)
}

// appendExchange adds an assistant reply and an injected follow-up
// user message, used for mid-run corrections.
func (o *Orchestrator) appendExchange(st *runState, assistantText, userText string) {
	st.messages = append(st.messages,
		llm.Message{Role: llm.RoleAssistant, Content: assistantText},
		llm.Message{Role: llm.RoleUser, Content: userText},
	)
}

// loopDetected counts batch signatures and reports when one has
// repeated enough to stop the run.
func (o *Orchestrator) loopDetected(st *runState, calls []llm.ToolCall) bool {
	sig := batchSignature(calls)
	st.sigSeen[sig]++
	return st.sigSeen[sig] >= loopSignatureLimit
}

// batchSignature hashes a tool-call batch independent of call order
// and JSON key order, so retries with shuffled arguments still match.
func batchSignature(calls []llm.ToolCall) uint64 {
	parts := make([]string, len(calls))
	for i, tc := range calls {
		parts[i] = tc.Name + "(" + canonicalArgs(tc.Args) + ")"
	}
	sort.Strings(parts)

	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{'|'})
	}
	return h.Sum64()
}

func canonicalArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// trimPayload compresses the older half of tool-result messages once
// the transcript grows past the payload cap, keeping the newest
// results intact. Returns how many results were trimmed.
func trimPayload(messages []llm.Message) int {
	if payloadSize(messages) <= maxPayloadChars {
		return 0
	}

	var resultIdx []int
	for i := range messages {
		if len(messages[i].ToolResults) > 0 {
			resultIdx = append(resultIdx, i)
		}
	}

	trimmed := 0
	for _, mi := range resultIdx[:len(resultIdx)/2] {
		msg := &messages[mi]
		for ri := range msg.ToolResults {
			r := &msg.ToolResults[ri]
			if len(r.Content) > trimmedResultChars {
				r.Content = truncateChars(r.Content, trimmedResultChars) + " (trimmed)"
				trimmed++
			}
		}
	}
	return trimmed
}

func payloadSize(messages []llm.Message) int {
	total := 0
	for i := range messages {
		total += len(messages[i].Content)
		for _, tc := range messages[i].ToolCalls {
			total += len(tc.Args)
		}
		for _, tr := range messages[i].ToolResults {
			total += len(tr.Content)
		}
	}
	return total
}

// truncateChars cuts s to at most n bytes without splitting a rune.
func truncateChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	return cut
}
