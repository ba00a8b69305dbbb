package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_RunLifecycle(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	runID, err := j.BeginRun(ctx, "demo", "up", "alice")
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if runID == "" {
		t.Fatal("BeginRun returned empty ID")
	}

	if err := j.RecordAction(ctx, runID, 0, "Start local node web", "ok", ""); err != nil {
		t.Fatalf("RecordAction failed: %v", err)
	}
	if err := j.RecordAction(ctx, runID, 1, "Start local node db", "failed", "boom"); err != nil {
		t.Fatalf("RecordAction failed: %v", err)
	}
	if err := j.FinishRun(ctx, runID, "failed"); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	runs, err := j.ListRuns(ctx, "demo", 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Got %d runs, want 1", len(runs))
	}
	run := runs[0]
	if run.ID != runID || run.Command != "up" || run.User != "alice" {
		t.Errorf("Run = %+v", run)
	}
	if run.Status != RunStatusFailed {
		t.Errorf("Run status = %s, want %s", run.Status, RunStatusFailed)
	}
	if run.FinishedAt == nil {
		t.Error("FinishedAt not set after FinishRun")
	}

	actions, err := j.RunActions(ctx, runID)
	if err != nil {
		t.Fatalf("RunActions failed: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("Got %d actions, want 2", len(actions))
	}
	if actions[0].Seq != 0 || actions[0].Status != "ok" {
		t.Errorf("First action = %+v", actions[0])
	}
	if actions[1].Status != "failed" || actions[1].Error != "boom" {
		t.Errorf("Second action = %+v", actions[1])
	}
}

func TestJournal_FinishUnknownRun(t *testing.T) {
	j := openTestJournal(t)

	if err := j.FinishRun(context.Background(), "no-such-run", "succeeded"); err == nil {
		t.Fatal("Expected error finishing an unknown run")
	}
}

func TestJournal_LabEvents(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	err := j.RecordLabEvent(ctx, "demo", "up", time.Now(), map[string]any{
		"nodes_started": []string{"web"},
	})
	if err != nil {
		t.Fatalf("RecordLabEvent failed: %v", err)
	}

	events, err := j.ListEvents(ctx, "demo", 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Got %d events, want 1", len(events))
	}
	if events[0].Command != "up" {
		t.Errorf("Event command = %q, want up", events[0].Command)
	}
	if events[0].Details == "" || events[0].Details == "null" {
		t.Errorf("Event details not serialized: %q", events[0].Details)
	}

	// Events of other labs stay invisible.
	other, err := j.ListEvents(ctx, "other", 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Got %d events for other lab, want 0", len(other))
	}
}

func TestJournal_ScopesRunsByLab(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if _, err := j.BeginRun(ctx, "demo", "up", "alice"); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if _, err := j.BeginRun(ctx, "other", "down", "bob"); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	runs, err := j.ListRuns(ctx, "demo", 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Lab != "demo" {
		t.Errorf("Runs = %+v, want only demo's", runs)
	}
}
