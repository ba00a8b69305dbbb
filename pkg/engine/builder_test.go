package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/config"
	"github.com/labforge/labforge/pkg/lab"
)

func testLabConfig() *config.Lab {
	return &config.Lab{
		Name:    "demo",
		Backend: "incus",
		SharedStorage: config.SharedStorage{
			Enabled:    true,
			MountPoint: "/lab/shared",
		},
		User: "alice",
	}
}

// testBuilder wires a builder over mocks and a temp lab root with the given
// local node directories scaffolded.
func testBuilder(t *testing.T, cfg *config.Lab, local, shared *mockBackend, nodes ...string) *Builder {
	t.Helper()
	root := t.TempDir()
	for _, node := range nodes {
		if err := os.MkdirAll(filepath.Join(root, "nodes", node), 0o755); err != nil {
			t.Fatalf("scaffold node dir: %v", err)
		}
	}
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	return NewBuilder(local, shared, cfg, root, nil, nil, logger)
}

func planKinds(plan *Plan) []ActionKind {
	kinds := make([]ActionKind, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		kinds = append(kinds, action.Kind)
	}
	return kinds
}

func TestAddNode_PlanShape(t *testing.T) {
	local := newMockBackend(nil)
	b := testBuilder(t, testLabConfig(), local, newMockBackend(nil))

	spec, err := lab.NewNodeSpec(lab.NodeSpec{Name: "web", Image: "images:debian/13"})
	if err != nil {
		t.Fatalf("NewNodeSpec: %v", err)
	}

	plan, err := b.AddNode(context.Background(), spec)
	if err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}

	want := []ActionKind{
		ActionProvision,
		ActionArtifact, ActionArtifact, ActionArtifact,
		ActionMount, ActionMount,
		ActionMetadata, ActionMetadata,
		ActionRecord,
	}
	got := planKinds(plan)
	if len(got) != len(want) {
		t.Fatalf("Plan has %d actions, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Action %d kind = %s, want %s", i, got[i], want[i])
		}
	}

	// Planning must not touch the backend.
	if len(local.calls) != 0 {
		t.Errorf("Planning made backend calls: %v", local.calls)
	}
}

func TestAddNode_SharedStorageDisabled(t *testing.T) {
	cfg := testLabConfig()
	cfg.SharedStorage.Enabled = false
	b := testBuilder(t, cfg, newMockBackend(nil), newMockBackend(nil))

	spec, err := lab.NewNodeSpec(lab.NodeSpec{Name: "web", Image: "images:debian/13"})
	if err != nil {
		t.Fatalf("NewNodeSpec: %v", err)
	}

	plan, err := b.AddNode(context.Background(), spec)
	if err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}

	mounts := 0
	for _, kind := range planKinds(plan) {
		if kind == ActionMount {
			mounts++
		}
	}
	if mounts != 1 {
		t.Errorf("Got %d mount actions, want 1 (node dir only)", mounts)
	}
}

func TestRemoveNode_MissingYieldsEmptyPlan(t *testing.T) {
	local := newMockBackend(nil)
	b := testBuilder(t, testLabConfig(), local, newMockBackend(nil))

	plan, err := b.RemoveNode(context.Background(), "ghost", false)
	if err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}
	if !plan.Empty() {
		t.Errorf("Expected empty plan for missing node, got %v", planKinds(plan))
	}
}

func TestRemoveNode_RunningWithoutForceRefuses(t *testing.T) {
	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateRunning})
	b := testBuilder(t, testLabConfig(), local, newMockBackend(nil))

	plan, err := b.RemoveNode(context.Background(), "web", false)
	if err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}
	if !plan.Empty() {
		t.Errorf("Expected empty plan for running node without force, got %v", planKinds(plan))
	}
}

func TestRemoveNode_ForceStopsFirst(t *testing.T) {
	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateRunning})
	b := testBuilder(t, testLabConfig(), local, newMockBackend(nil))

	plan, err := b.RemoveNode(context.Background(), "web", true)
	if err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}

	want := []ActionKind{ActionStop, ActionRemove, ActionRecord}
	got := planKinds(plan)
	if len(got) != len(want) {
		t.Fatalf("Plan kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Action %d kind = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestUp_DefaultStartsRequiredBeforeLocal(t *testing.T) {
	cfg := testLabConfig()
	cfg.RequiresNodes = []string{"shared-db"}

	local := newMockBackend(map[string]lab.NodeState{
		"web": lab.StateStopped,
		"db":  lab.StateRunning,
	})
	shared := newMockBackend(map[string]lab.NodeState{"shared-db": lab.StateStopped})
	b := testBuilder(t, cfg, local, shared, "web", "db")

	// No filters: required nodes are in scope without any opt-in flag.
	plan, err := b.Up(context.Background(), UpOptions{})
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	// shared-db first, then the stopped local node, then the record step.
	// The already-running db is skipped.
	if len(plan.Actions) != 3 {
		t.Fatalf("Got %d actions, want 3: %v", len(plan.Actions), planKinds(plan))
	}
	if plan.Actions[0].Node != "shared-db" {
		t.Errorf("First action targets %q, want shared-db", plan.Actions[0].Node)
	}
	if plan.Actions[1].Node != "web" {
		t.Errorf("Second action targets %q, want web", plan.Actions[1].Node)
	}
	if plan.Actions[2].Kind != ActionRecord {
		t.Errorf("Last action kind = %s, want %s", plan.Actions[2].Kind, ActionRecord)
	}
}

func TestUp_SkipRequiredLeavesSharedNodesAlone(t *testing.T) {
	cfg := testLabConfig()
	cfg.RequiresNodes = []string{"shared-db"}

	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateStopped})
	shared := newMockBackend(map[string]lab.NodeState{"shared-db": lab.StateStopped})
	b := testBuilder(t, cfg, local, shared, "web")

	plan, err := b.Up(context.Background(), UpOptions{SkipRequired: true})
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	for _, action := range plan.Actions {
		if action.Node == "shared-db" {
			t.Errorf("Plan targets shared-db despite SkipRequired: %v", planKinds(plan))
		}
	}
}

func TestUp_OnlyFilterDoesNotSuppressRequired(t *testing.T) {
	cfg := testLabConfig()
	cfg.RequiresNodes = []string{"shared-db"}

	local := newMockBackend(map[string]lab.NodeState{
		"web": lab.StateStopped,
		"db":  lab.StateStopped,
	})
	shared := newMockBackend(map[string]lab.NodeState{"shared-db": lab.StateStopped})
	b := testBuilder(t, cfg, local, shared, "web", "db")

	// The filter narrows the lab's own nodes; shared dependencies are
	// outside its scope and still start first.
	plan, err := b.Up(context.Background(), UpOptions{Only: []string{"web"}})
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	var order []string
	for _, action := range plan.Actions {
		if action.Kind == ActionStart {
			order = append(order, action.Node)
		}
	}
	want := []string{"shared-db", "web"}
	if len(order) != len(want) {
		t.Fatalf("Start order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Start %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestUp_AllRunningYieldsEmptyPlan(t *testing.T) {
	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateRunning})
	b := testBuilder(t, testLabConfig(), local, newMockBackend(nil), "web")

	plan, err := b.Up(context.Background(), UpOptions{})
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if !plan.Empty() {
		t.Errorf("Expected empty plan, got %v", planKinds(plan))
	}
}

func TestUp_OnlyFilterSkipsUnknownNames(t *testing.T) {
	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateStopped})
	b := testBuilder(t, testLabConfig(), local, newMockBackend(nil), "web")

	plan, err := b.Up(context.Background(), UpOptions{Only: []string{"web", "ghost"}})
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	starts := 0
	for _, action := range plan.Actions {
		if action.Kind == ActionStart {
			starts++
			if action.Node != "web" {
				t.Errorf("Start targets %q, want web", action.Node)
			}
		}
	}
	if starts != 1 {
		t.Errorf("Got %d starts, want 1", starts)
	}
}

func TestDown_InvalidFlagCombination(t *testing.T) {
	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateRunning})
	b := testBuilder(t, testLabConfig(), local, newMockBackend(nil), "web")

	_, err := b.Down(context.Background(), DownOptions{
		Only:            []string{"web"},
		SuspendRequired: true,
	})
	if err == nil {
		t.Fatal("Expected validation error for --only with --suspend-required")
	}
	if !IsValidation(err) {
		t.Errorf("Error class = %v, want validation", err)
	}

	// The combination must fail before any state is read.
	if len(local.calls) != 0 {
		t.Errorf("Backend was consulted before validation: %v", local.calls)
	}
}

func TestDown_PinnedRequiredNodeIsSkipped(t *testing.T) {
	cfg := testLabConfig()
	cfg.RequiresNodes = []string{"shared-db", "shared-cache"}

	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateRunning})
	shared := newMockBackend(map[string]lab.NodeState{
		"shared-db":    lab.StateRunning,
		"shared-cache": lab.StateRunning,
	})
	shared.metadata["shared-db"] = map[string]string{"pinned": "true"}

	b := testBuilder(t, cfg, local, shared, "web")

	plan, err := b.Down(context.Background(), DownOptions{SuspendRequired: true})
	if err != nil {
		t.Fatalf("Down failed: %v", err)
	}

	for _, action := range plan.Actions {
		if action.Node == "shared-db" {
			t.Errorf("Pinned node must not be suspended: %v", action.Description)
		}
	}

	suspended := false
	for _, action := range plan.Actions {
		if action.Kind == ActionStop && action.Node == "shared-cache" {
			suspended = true
		}
	}
	if !suspended {
		t.Error("Unpinned required node was not suspended")
	}
}

func TestDown_ForceStopAllOverridesPin(t *testing.T) {
	cfg := testLabConfig()
	cfg.RequiresNodes = []string{"shared-db"}

	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateRunning})
	shared := newMockBackend(map[string]lab.NodeState{"shared-db": lab.StateRunning})
	shared.metadata["shared-db"] = map[string]string{"pinned": "true"}

	b := testBuilder(t, cfg, local, shared, "web")

	plan, err := b.Down(context.Background(), DownOptions{SuspendRequired: true, ForceStopAll: true})
	if err != nil {
		t.Fatalf("Down failed: %v", err)
	}

	suspended := false
	for _, action := range plan.Actions {
		if action.Kind == ActionStop && action.Node == "shared-db" {
			suspended = true
		}
	}
	if !suspended {
		t.Error("ForceStopAll must override the pin")
	}
}
