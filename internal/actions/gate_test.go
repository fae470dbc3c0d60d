package actions

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/pkg/models"
)

func testGate() (*Gate, *PendingStore) {
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	store := NewPendingStore()
	return NewGate(NewClassifier(), store, logger), store
}

func TestGateHoldsDestructiveCall(t *testing.T) {
	gate, store := testGate()

	executed := false
	verdict, err := gate.Check(context.Background(), CallRequest{
		TenantID:  "T1",
		ChannelID: "CH1",
		ThreadID:  "TH1",
		Tool:      "send_email",
		Params:    map[string]any{"recipient_email": "a@b.com", "subject": "X"},
		Mode:      ModeInteractive,
		Resume: func(_ context.Context, approved bool) {
			executed = approved
		},
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if verdict.Allowed || verdict.Pending == nil {
		t.Fatalf("destructive call passed the gate: %+v", verdict)
	}
	if verdict.Type != models.ActionDestructive {
		t.Errorf("Type = %q, want destructive", verdict.Type)
	}
	if executed {
		t.Fatal("held call must not execute before approval")
	}

	result := NewPendingResult(verdict.Pending)
	if result.Status != StatusPendingApproval {
		t.Errorf("Status = %q, want %q", result.Status, StatusPendingApproval)
	}
	if result.ActionID != verdict.Pending.ID {
		t.Errorf("ActionID = %q, want %q", result.ActionID, verdict.Pending.ID)
	}
	if result.Severity != "destructive" {
		t.Errorf("Severity = %q, want destructive", result.Severity)
	}
	if len(result.Blocks) == 0 {
		t.Fatal("expected approve/cancel blocks")
	}
	if !strings.Contains(verdict.Pending.Description, "a@b.com") {
		t.Errorf("description %q should mention the arguments", verdict.Pending.Description)
	}

	action, err := gate.Approve(context.Background(), verdict.Pending.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !action.Resolved || !executed {
		t.Errorf("Resolved = %v, executed = %v after approval", action.Resolved, executed)
	}
	if store.Len() != 0 {
		t.Errorf("store still holds %d entries", store.Len())
	}
}

func TestGateRejectAbandonsCall(t *testing.T) {
	gate, _ := testGate()

	ran := false
	verdict, err := gate.Check(context.Background(), CallRequest{
		TenantID: "T1",
		Tool:     "delete_calendar_event",
		Mode:     ModeInteractive,
		Resume: func(_ context.Context, approved bool) {
			ran = approved
		},
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}

	action, err := gate.Reject(context.Background(), verdict.Pending.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !action.Resolved {
		t.Error("rejected action should be marked resolved")
	}
	if ran {
		t.Error("rejected call must not execute")
	}
}

func TestGateReadPasses(t *testing.T) {
	gate, store := testGate()

	verdict, err := gate.Check(context.Background(), CallRequest{
		TenantID: "T1",
		Tool:     "list_events",
		Mode:     ModeInteractive,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !verdict.Allowed || verdict.Pending != nil {
		t.Errorf("read call should pass, got %+v", verdict)
	}
	if store.Len() != 0 {
		t.Errorf("read call left %d pending entries", store.Len())
	}
}

func TestGateInteractiveHoldsWrite(t *testing.T) {
	gate, _ := testGate()

	verdict, err := gate.Check(context.Background(), CallRequest{
		TenantID: "T1",
		Tool:     "create_event",
		Mode:     ModeInteractive,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if verdict.Allowed {
		t.Fatal("interactive write should be held")
	}
	if verdict.Pending.Type != models.ActionWrite {
		t.Errorf("pending type = %q, want write", verdict.Pending.Type)
	}
}

func TestGateCronAutoApprovesWrite(t *testing.T) {
	gate, store := testGate()

	verdict, err := gate.Check(context.Background(), CallRequest{
		TenantID: "T1",
		Tool:     "create_event",
		Mode:     ModeCron,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !verdict.Allowed {
		t.Error("cron write should be auto-approved")
	}

	verdict, err = gate.Check(context.Background(), CallRequest{
		TenantID: "T1",
		Tool:     "send_email",
		Mode:     ModeCron,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if verdict.Allowed {
		t.Error("cron destructive call must still be held")
	}
	if store.Len() != 1 {
		t.Errorf("store holds %d entries, want 1", store.Len())
	}
}

func TestGateExemptBypass(t *testing.T) {
	gate, _ := testGate()

	verdict, err := gate.Check(context.Background(), CallRequest{
		TenantID: "T1",
		Tool:     "lucy_search_tools",
		Mode:     ModeInteractive,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !verdict.Allowed || verdict.Type != models.ActionRead {
		t.Errorf("exempt tool verdict = %+v", verdict)
	}
}

func TestGateImplicitConsentBypass(t *testing.T) {
	gate, _ := testGate()

	verdict, err := gate.Check(context.Background(), CallRequest{
		TenantID: "T1",
		Tool:     "generate_image",
		Mode:     ModeInteractive,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !verdict.Allowed {
		t.Error("implicit-consent tool should pass without approval")
	}
	if verdict.Type != models.ActionWrite {
		t.Errorf("Type = %q, want write", verdict.Type)
	}
}

func TestGateApproveUnknown(t *testing.T) {
	gate, _ := testGate()
	if _, err := gate.Approve(context.Background(), "missing"); !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", err)
	}
}

func TestApprovalBlocks(t *testing.T) {
	action := &models.PendingAction{
		ID:          "a1",
		Tool:        "send_email",
		Description: "send_email (recipient_email: a@b.com)",
		Type:        models.ActionDestructive,
	}

	blocks := ApprovalBlocks(action)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want section and actions", len(blocks))
	}

	section, ok := blocks[0].(*slack.SectionBlock)
	if !ok {
		t.Fatalf("first block is %T, want section", blocks[0])
	}
	if !strings.Contains(section.Text.Text, ":warning:") {
		t.Errorf("destructive prompt %q missing warning", section.Text.Text)
	}

	buttons, ok := blocks[1].(*slack.ActionBlock)
	if !ok {
		t.Fatalf("second block is %T, want actions", blocks[1])
	}
	elements := buttons.Elements.ElementSet
	if len(elements) != 2 {
		t.Fatalf("got %d buttons, want 2", len(elements))
	}
	approve := elements[0].(*slack.ButtonBlockElement)
	cancel := elements[1].(*slack.ButtonBlockElement)
	if approve.ActionID != "approve:a1" || cancel.ActionID != "cancel:a1" {
		t.Errorf("button ids = %q, %q", approve.ActionID, cancel.ActionID)
	}
	if approve.Style != slack.StylePrimary || cancel.Style != slack.StyleDanger {
		t.Errorf("button styles = %q, %q", approve.Style, cancel.Style)
	}
}

func TestParseCallback(t *testing.T) {
	if id, approved, ok := ParseCallback("approve:a1"); !ok || !approved || id != "a1" {
		t.Errorf("approve parse = %q, %v, %v", id, approved, ok)
	}
	if id, approved, ok := ParseCallback("cancel:a1"); !ok || approved || id != "a1" {
		t.Errorf("cancel parse = %q, %v, %v", id, approved, ok)
	}
	if _, _, ok := ParseCallback("something_else"); ok {
		t.Error("unrelated callback ids should not parse")
	}
}
