package cron

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/lucy/internal/tools"
	"github.com/haasonsaas/lucy/internal/workspace"
)

func TestCreateCronWritesSpecAndRegisters(t *testing.T) {
	f := newFixture(t)
	err := f.scheduler.CreateCron(context.Background(), "T1", tools.CronSummary{
		Path:        "standup-notes",
		Cron:        "30 8 * * 1-5",
		Title:       "Standup notes",
		Description: "Collect yesterday's updates.",
	})
	if err != nil {
		t.Fatalf("CreateCron: %v", err)
	}

	data, err := f.store.Read(context.Background(), "T1", workspace.CronTaskKey("standup-notes"))
	if err != nil {
		t.Fatalf("read spec: %v", err)
	}
	var doc jobSpec
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode spec: %v", err)
	}
	if doc.Path != "crons/standup-notes/task.json" || doc.Cron != "30 8 * * 1-5" {
		t.Errorf("stored spec = %+v", doc)
	}

	jobs := f.scheduler.Snapshot()
	if len(jobs) != 1 || jobs[0].Slug != "standup-notes" || jobs[0].NextRun.IsZero() {
		t.Errorf("registered jobs = %+v", jobs)
	}

	list, err := f.scheduler.ListCrons(context.Background(), "T1")
	if err != nil {
		t.Fatalf("ListCrons: %v", err)
	}
	if len(list) != 1 || list[0].Path != "crons/standup-notes/task.json" || list[0].Title != "Standup notes" {
		t.Errorf("ListCrons = %+v", list)
	}
}

func TestCreateCronValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		spec tools.CronSummary
	}{
		{"bad expression", tools.CronSummary{Path: "x", Cron: "every monday", Description: "d"}},
		{"six fields", tools.CronSummary{Path: "x", Cron: "0 0 9 * * *", Description: "d"}},
		{"empty description", tools.CronSummary{Path: "x", Cron: "0 9 * * *"}},
		{"escaping slug", tools.CronSummary{Path: "../evil", Cron: "0 9 * * *", Description: "d"}},
		{"empty path", tools.CronSummary{Cron: "0 9 * * *", Description: "d"}},
	}
	for _, tc := range cases {
		if err := f.scheduler.CreateCron(context.Background(), "T1", tc.spec); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestCreateCronRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	spec := tools.CronSummary{Path: "daily", Cron: "0 9 * * *", Description: "d"}
	if err := f.scheduler.CreateCron(context.Background(), "T1", spec); err != nil {
		t.Fatalf("CreateCron: %v", err)
	}
	err := f.scheduler.CreateCron(context.Background(), "T1", spec)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("duplicate create error = %v", err)
	}
}

func TestUpdateCronMergesFields(t *testing.T) {
	f := newFixture(t)
	if err := f.scheduler.CreateCron(context.Background(), "T1", tools.CronSummary{
		Path: "daily", Cron: "0 9 * * *", Title: "Daily", Description: "Original brief.",
	}); err != nil {
		t.Fatalf("CreateCron: %v", err)
	}

	if err := f.scheduler.UpdateCron(context.Background(), "T1", tools.CronSummary{
		Path: "crons/daily/task.json",
		Cron: "15 7 * * *",
	}); err != nil {
		t.Fatalf("UpdateCron: %v", err)
	}

	list, err := f.scheduler.ListCrons(context.Background(), "T1")
	if err != nil {
		t.Fatalf("ListCrons: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 job, got %d", len(list))
	}
	if list[0].Cron != "15 7 * * *" || list[0].Title != "Daily" || list[0].Description != "Original brief." {
		t.Errorf("merged spec = %+v", list[0])
	}

	err = f.scheduler.UpdateCron(context.Background(), "T1", tools.CronSummary{Path: "missing", Cron: "0 9 * * *"})
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("missing job error = %v", err)
	}
}

func TestUpdateCronRejectsBadExpression(t *testing.T) {
	f := newFixture(t)
	if err := f.scheduler.CreateCron(context.Background(), "T1", tools.CronSummary{
		Path: "daily", Cron: "0 9 * * *", Description: "d",
	}); err != nil {
		t.Fatalf("CreateCron: %v", err)
	}
	err := f.scheduler.UpdateCron(context.Background(), "T1", tools.CronSummary{Path: "daily", Cron: "nope"})
	if err == nil {
		t.Error("expected an error for a bad expression")
	}
}

func TestDeleteCronRemovesWholeJobTree(t *testing.T) {
	f := newFixture(t)
	if err := f.scheduler.CreateCron(context.Background(), "T1", tools.CronSummary{
		Path: "daily", Cron: "0 9 * * *", Description: "d",
	}); err != nil {
		t.Fatalf("CreateCron: %v", err)
	}
	if err := f.scheduler.RecordLearning(context.Background(), "T1", "daily", "Check the archive first."); err != nil {
		t.Fatalf("RecordLearning: %v", err)
	}

	if err := f.scheduler.DeleteCron(context.Background(), "T1", "crons/daily/task.json"); err != nil {
		t.Fatalf("DeleteCron: %v", err)
	}

	if list, _ := f.scheduler.ListCrons(context.Background(), "T1"); len(list) != 0 {
		t.Errorf("ListCrons after delete = %+v", list)
	}
	if jobs := f.scheduler.Snapshot(); len(jobs) != 0 {
		t.Errorf("Snapshot after delete = %+v", jobs)
	}
	_, err := f.store.Read(context.Background(), "T1", workspace.CronLearningsKey("daily"))
	if !errors.Is(err, workspace.ErrNotFound) {
		t.Errorf("learnings should be gone, got %v", err)
	}

	err = f.scheduler.DeleteCron(context.Background(), "T1", "daily")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("second delete error = %v", err)
	}
}

func TestRecordLearningAppendsBullets(t *testing.T) {
	f := newFixture(t)
	if err := f.scheduler.CreateCron(context.Background(), "T1", tools.CronSummary{
		Path: "daily", Cron: "0 9 * * *", Description: "d",
	}); err != nil {
		t.Fatalf("CreateCron: %v", err)
	}

	if err := f.scheduler.RecordLearning(context.Background(), "T1", "daily", "Always check the archive folder."); err != nil {
		t.Fatalf("RecordLearning: %v", err)
	}
	if err := f.scheduler.RecordLearning(context.Background(), "T1", "daily", "Skip\nweekends."); err != nil {
		t.Fatalf("RecordLearning: %v", err)
	}

	data, err := f.store.Read(context.Background(), "T1", workspace.CronLearningsKey("daily"))
	if err != nil {
		t.Fatalf("read learnings: %v", err)
	}
	want := "- Always check the archive folder.\n- Skip weekends.\n"
	if string(data) != want {
		t.Errorf("learnings = %q, want %q", data, want)
	}

	if err := f.scheduler.RecordLearning(context.Background(), "T1", "missing", "x"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("missing job error = %v", err)
	}
	if err := f.scheduler.RecordLearning(context.Background(), "T1", "daily", "   "); err == nil {
		t.Error("expected an error for empty learning text")
	}
}

func TestSlugFromPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"daily", "daily", true},
		{"crons/daily", "daily", true},
		{"crons/daily/task.json", "daily", true},
		{"crons/daily/LEARNINGS.md", "daily", true},
		{" /crons/daily/ ", "daily", true},
		{"", "", false},
		{".", "", false},
		{"../evil", "", false},
	}
	for _, tc := range cases {
		got, err := slugFromPath(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("slugFromPath(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("slugFromPath(%q) expected an error", tc.in)
		}
	}
}

func TestInstructionFormat(t *testing.T) {
	got := instruction("Do the rounds.", "- Watch the spam folder.\n")
	want := "Do the rounds.\n\n## Accumulated Learnings\n- Watch the spam folder."
	if got != want {
		t.Errorf("instruction = %q, want %q", got, want)
	}
	if got := instruction("Do the rounds.", "  \n"); got != "Do the rounds." {
		t.Errorf("bare instruction = %q", got)
	}
}
