package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/lucy/internal/actions"
	"github.com/haasonsaas/lucy/internal/agent"
	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/internal/workspace"
)

// skillContextChars caps how much accumulated skill text rides along in
// each system prompt.
const skillContextChars = 4000

const basePrompt = `You are Lucy, an AI coworker. You complete tasks using the tools offered ` +
	`to you, reply in plain conversational language, and keep answers short unless the task ` +
	`needs detail. Prefer doing the work over describing how you would do it. When nothing ` +
	`useful can be done, say so plainly.`

const cronPrompt = `This is an unattended scheduled run. There is no user to ask; make ` +
	`reasonable choices, note anything surprising in your summary, and never take destructive ` +
	`actions.`

// newPromptBuilder assembles the system prompt for each run: the base
// persona, the current date, an unattended-mode note for scheduled runs,
// and the tenant's skill notes from the workspace.
func newPromptBuilder(library *workspace.Library, logger *observability.Logger) agent.PromptBuilder {
	log := logger.WithComponent("prompts")
	return func(ctx context.Context, req agent.Request) string {
		var sb strings.Builder
		sb.WriteString(basePrompt)
		fmt.Fprintf(&sb, "\n\nToday is %s.", time.Now().Format("Monday, January 2, 2006"))

		if req.Mode == actions.ModeCron {
			sb.WriteString("\n\n")
			sb.WriteString(cronPrompt)
		}

		skills, err := library.SkillContext(ctx, req.TenantID, skillContextChars)
		switch {
		case err != nil:
			log.Warn(ctx, "skill context unavailable", "tenant_id", req.TenantID, "error", err)
		case skills != "":
			sb.WriteString("\n\n# What you have learned\n\n")
			sb.WriteString(skills)
		}
		return sb.String()
	}
}
