package actions

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/lucy/pkg/models"
)

// StatusPendingApproval marks a tool result that is waiting on the
// approve/cancel callback.
const StatusPendingApproval = "pending_approval"

const (
	approvePrefix = "approve:"
	cancelPrefix  = "cancel:"
)

// ApproveActionID builds the interaction callback id for the approve
// button of one pending action.
func ApproveActionID(id string) string { return approvePrefix + id }

// CancelActionID builds the interaction callback id for the cancel
// button of one pending action.
func CancelActionID(id string) string { return cancelPrefix + id }

// ParseCallback splits an interaction callback id into the pending
// action id and the verdict it carries.
func ParseCallback(callbackID string) (id string, approved bool, ok bool) {
	switch {
	case strings.HasPrefix(callbackID, approvePrefix):
		return strings.TrimPrefix(callbackID, approvePrefix), true, true
	case strings.HasPrefix(callbackID, cancelPrefix):
		return strings.TrimPrefix(callbackID, cancelPrefix), false, true
	default:
		return "", false, false
	}
}

// PendingResult is the payload returned in place of a tool result while
// the call waits for approval.
type PendingResult struct {
	Status   string        `json:"status"`
	ActionID string        `json:"action_id"`
	Severity string        `json:"severity"`
	Message  string        `json:"message"`
	Blocks   []slack.Block `json:"blocks"`
}

// NewPendingResult builds the gate response for one held call.
func NewPendingResult(action *models.PendingAction) PendingResult {
	return PendingResult{
		Status:   StatusPendingApproval,
		ActionID: action.ID,
		Severity: string(action.Type),
		Message:  fmt.Sprintf("Waiting for approval: %s", action.Description),
		Blocks:   ApprovalBlocks(action),
	}
}

// ApprovalBlocks renders the approve/cancel prompt for a gated call.
// Destructive actions get a warning header.
func ApprovalBlocks(action *models.PendingAction) []slack.Block {
	header := "*Approval needed*"
	if action.Type == models.ActionDestructive {
		header = ":warning: *Destructive action needs your approval*"
	}

	section := slack.NewSectionBlock(
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("%s\n`%s`", header, action.Description), false, false),
		nil, nil,
	)
	buttons := slack.NewActionBlock(
		"action_approval_"+action.ID,
		slack.NewButtonBlockElement(
			ApproveActionID(action.ID), action.ID,
			slack.NewTextBlockObject("plain_text", "Approve", false, false),
		).WithStyle(slack.StylePrimary),
		slack.NewButtonBlockElement(
			CancelActionID(action.ID), action.ID,
			slack.NewTextBlockObject("plain_text", "Cancel", false, false),
		).WithStyle(slack.StyleDanger),
	)
	return []slack.Block{section, buttons}
}
