// Package supervisor watches a running agent loop from the outside. It
// generates an up-front plan for complex requests, decides when the run
// deserves a checkpoint, and turns a compact run snapshot into a
// continue/intervene/replan/escalate/ask/abort decision. All of its
// model calls ride the cheapest tier; any failure degrades to
// "continue" so supervision never takes a run down with it.
package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/lucy/internal/llm"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/pkg/models"
)

// checkpointInterval is how much wall time may pass between
// evaluations before one is forced regardless of turn count.
const checkpointInterval = 60 * time.Second

const (
	planMaxTokens = 600
	evalMaxTokens = 120
)

// Decision is the supervisor's instruction to the agent loop.
type Decision string

const (
	DecisionContinue  Decision = "continue"
	DecisionIntervene Decision = "intervene"
	DecisionReplan    Decision = "replan"
	DecisionEscalate  Decision = "escalate"
	DecisionAsk       Decision = "ask"
	DecisionAbort     Decision = "abort"
)

// Verdict is one evaluation result. Guidance is only populated when the
// model offered follow-up text, which matters for intervene and ask.
type Verdict struct {
	Decision Decision
	Guidance string
}

// Completer is the slice of the model client the supervisor needs.
type Completer interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// Step is one numbered action in a plan.
type Step struct {
	Number        int
	Description   string
	ExpectedTools []string
}

// Plan is the up-front execution sketch for a complex request.
type Plan struct {
	Goal            string
	Steps           []Step
	SuccessCriteria string
}

// Summary renders the plan in the compact form used inside prompts.
func (p *Plan) Summary() string {
	if p == nil {
		return "none"
	}
	var sb strings.Builder
	sb.WriteString("Goal: ")
	sb.WriteString(p.Goal)
	for _, step := range p.Steps {
		sb.WriteString(fmt.Sprintf("\n%d. %s", step.Number, step.Description))
		if len(step.ExpectedTools) > 0 {
			sb.WriteString(" (tools: ")
			sb.WriteString(strings.Join(step.ExpectedTools, ", "))
			sb.WriteString(")")
		}
	}
	if p.SuccessCriteria != "" {
		sb.WriteString("\nDone when: ")
		sb.WriteString(p.SuccessCriteria)
	}
	return sb.String()
}

// Snapshot is the compact run summary an evaluation sees. The agent
// loop fills it from its own state after each checkpointed turn.
type Snapshot struct {
	Plan              *Plan
	RecentTurns       []string
	ErrorCount        int
	ConsecutiveErrors int
	Elapsed           time.Duration
	Model             string
	ResponseLen       int
	Intent            models.Intent
}

// Supervisor issues plans and run verdicts using a fixed cheap model.
type Supervisor struct {
	client Completer
	model  string
	logger *observability.Logger
}

// New creates a Supervisor that plans and evaluates on the given model.
func New(client Completer, model string, logger *observability.Logger) *Supervisor {
	return &Supervisor{
		client: client,
		model:  model,
		logger: logger.WithComponent("supervisor"),
	}
}

var complexIntents = map[models.Intent]struct{}{
	models.IntentData:          {},
	models.IntentDocument:      {},
	models.IntentCode:          {},
	models.IntentCodeReasoning: {},
	models.IntentToolUse:       {},
	models.IntentResearch:      {},
	models.IntentMonitoring:    {},
}

// NeedsPlan reports whether a request is worth planning: a complex
// intent carried by more than a trivial message.
func NeedsPlan(intent models.Intent, message string) bool {
	if _, ok := complexIntents[intent]; !ok {
		return false
	}
	return len(strings.Fields(message)) > 8
}

// GeneratePlan asks the cheap model for an execution sketch. Simple
// requests and unparseable replies both yield nil; the loop runs
// unplanned in that case.
func (s *Supervisor) GeneratePlan(ctx context.Context, intent models.Intent, message string) *Plan {
	if !NeedsPlan(intent, message) {
		return nil
	}

	resp, err := s.client.Complete(ctx, &llm.Request{
		Model:     s.model,
		System:    planSystemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf("Request (%s): %s", intent, message)}},
		MaxTokens: planMaxTokens,
	})
	if err != nil {
		s.logger.Warn(ctx, "plan generation failed", "error", err)
		return nil
	}

	plan := ParsePlan(resp.Text)
	if plan == nil {
		s.logger.Debug(ctx, "plan reply did not parse", "reply_len", len(resp.Text))
		return nil
	}
	s.logger.Debug(ctx, "plan generated", "steps", len(plan.Steps))
	return plan
}

// ShouldCheckpoint reports whether the loop owes the supervisor a look:
// either a minute has passed since the last one, or the run is at a
// third turn boundary past the first.
func ShouldCheckpoint(turn int, sinceLastCheck time.Duration) bool {
	if sinceLastCheck >= checkpointInterval {
		return true
	}
	return turn > 1 && turn%3 == 0
}

// Evaluate turns a snapshot into a verdict. Any model failure returns
// continue; supervision is advisory and must never stall the run.
func (s *Supervisor) Evaluate(ctx context.Context, snap Snapshot) Verdict {
	resp, err := s.client.Complete(ctx, &llm.Request{
		Model:     s.model,
		System:    evalSystemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: buildEvalSummary(snap)}},
		MaxTokens: evalMaxTokens,
	})
	if err != nil {
		s.logger.Warn(ctx, "evaluation failed", "error", err)
		return Verdict{Decision: DecisionContinue}
	}

	verdict := ParseVerdict(resp.Text)
	if verdict.Decision != DecisionContinue {
		s.logger.Info(ctx, "supervisor verdict",
			"decision", string(verdict.Decision),
			"errors", snap.ErrorCount,
			"consecutive_errors", snap.ConsecutiveErrors,
			"elapsed_ms", snap.Elapsed.Milliseconds())
	}
	return verdict
}

const planSystemPrompt = `You sketch short execution plans for an assistant that works with tools.
Reply ONLY in this exact format, nothing else:

GOAL: <what the user wants, one line>
STEP 1: <first action> [tools: tool_a, tool_b]
STEP 2: <next action>
SUCCESS: <one line describing the finished state>

Use 2 to 5 steps. The [tools: ...] suffix is optional per step.`

const evalSystemPrompt = `You oversee an assistant mid-run and decide how it should proceed.
Reply with exactly one letter on the first line:

C  keep going, the run is on track
I  inject guidance (put one line of guidance on the next line)
R  throw the plan away and replan
E  the task is too hard for the current model, escalate
A  stop and ask the user a clarifying question (put it on the next line)
X  abort the run, it cannot succeed

Prefer C unless the state clearly calls for something else.`

func buildEvalSummary(snap Snapshot) string {
	var sb strings.Builder
	sb.WriteString("intent: ")
	sb.WriteString(string(snap.Intent))
	sb.WriteString("\nmodel: ")
	sb.WriteString(snap.Model)
	fmt.Fprintf(&sb, "\nelapsed: %ds", int(snap.Elapsed.Seconds()))
	fmt.Fprintf(&sb, "\nerrors: %d total, %d consecutive", snap.ErrorCount, snap.ConsecutiveErrors)
	fmt.Fprintf(&sb, "\nlast response length: %d chars", snap.ResponseLen)
	sb.WriteString("\nplan: ")
	sb.WriteString(snap.Plan.Summary())
	if len(snap.RecentTurns) > 0 {
		sb.WriteString("\nrecent turns:")
		for _, turn := range snap.RecentTurns {
			sb.WriteString("\n- ")
			sb.WriteString(turn)
		}
	}
	return sb.String()
}

var (
	goalRe    = regexp.MustCompile(`(?im)^[ \t]*GOAL[ \t]*:[ \t]*(.+)$`)
	stepRe    = regexp.MustCompile(`(?im)^[ \t]*STEP[ \t]+(\d+)[ \t]*:[ \t]*(.+)$`)
	successRe = regexp.MustCompile(`(?im)^[ \t]*SUCCESS[ \t]*:[ \t]*(.+)$`)
	toolsRe   = regexp.MustCompile(`[ \t]*\[tools?[ \t]*:[ \t]*([^\]]+)\][ \t]*$`)
)

// ParsePlan reads the constrained plan format. A reply without a goal
// or without at least one step is treated as unparseable.
func ParsePlan(text string) *Plan {
	goal := ""
	if m := goalRe.FindStringSubmatch(text); m != nil {
		goal = strings.TrimSpace(m[1])
	}
	if goal == "" {
		return nil
	}

	var steps []Step
	for _, m := range stepRe.FindAllStringSubmatch(text, -1) {
		desc := strings.TrimSpace(m[2])
		var tools []string
		if tm := toolsRe.FindStringSubmatch(desc); tm != nil {
			desc = strings.TrimSpace(strings.TrimSuffix(desc, tm[0]))
			for _, tool := range strings.Split(tm[1], ",") {
				if t := strings.TrimSpace(tool); t != "" {
					tools = append(tools, t)
				}
			}
		}
		if desc == "" {
			continue
		}
		// Steps are renumbered in order; model numbering is advisory.
		steps = append(steps, Step{Number: len(steps) + 1, Description: desc, ExpectedTools: tools})
	}
	if len(steps) == 0 {
		return nil
	}

	plan := &Plan{Goal: goal, Steps: steps}
	if m := successRe.FindStringSubmatch(text); m != nil {
		plan.SuccessCriteria = strings.TrimSpace(m[1])
	}
	return plan
}

var letterDecisions = map[byte]Decision{
	'C': DecisionContinue,
	'I': DecisionIntervene,
	'R': DecisionReplan,
	'E': DecisionEscalate,
	'A': DecisionAsk,
	'X': DecisionAbort,
}

// ParseVerdict reads a single-letter reply. The letter leads the first
// line; text after it, or on following lines, is carried as guidance.
// Unrecognized replies mean continue.
func ParseVerdict(text string) Verdict {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Verdict{Decision: DecisionContinue}
	}

	line := trimmed
	rest := ""
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		line = strings.TrimSpace(trimmed[:idx])
		rest = strings.TrimSpace(trimmed[idx+1:])
	}

	// The letter must stand alone or be followed by a separator;
	// "Retry" is a word, not an R verdict.
	if len(line) > 1 && !isSeparator(line[1]) {
		return Verdict{Decision: DecisionContinue}
	}
	decision, ok := letterDecisions[strings.ToUpper(line)[0]]
	if !ok {
		return Verdict{Decision: DecisionContinue}
	}
	if len(line) > 1 {
		// "I: check the dates" keeps its guidance inline.
		if inline := strings.TrimLeft(line[1:], " \t:.-)"); inline != "" {
			if rest != "" {
				rest = inline + "\n" + rest
			} else {
				rest = inline
			}
		}
	}
	return Verdict{Decision: decision, Guidance: rest}
}

func isSeparator(b byte) bool {
	switch b {
	case ' ', '\t', ':', '.', '-', ')':
		return true
	default:
		return false
	}
}
