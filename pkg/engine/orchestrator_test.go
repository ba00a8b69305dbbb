package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/lab"
)

type mockPolicy struct {
	checked int
	reject  error
}

func (p *mockPolicy) CheckPlan(_ context.Context, _ *PlanInput) error {
	p.checked++
	return p.reject
}

func testOrchestrator(t *testing.T, local, shared *mockBackend, policy PolicyChecker, nodes ...string) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	for _, node := range nodes {
		if err := os.MkdirAll(filepath.Join(root, "nodes", node), 0o755); err != nil {
			t.Fatalf("scaffold node dir: %v", err)
		}
	}
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	o := NewOrchestrator(testLabConfig(), root, OrchestratorDeps{
		Local:  local,
		Shared: shared,
		Policy: policy,
		Logger: logger,
	})
	o.Executor().SetOutput(&bytes.Buffer{})
	return o
}

func TestOrchestratorUp_AppliesPlan(t *testing.T) {
	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateStopped})
	o := testOrchestrator(t, local, newMockBackend(nil), nil, "web")

	if err := o.Up(context.Background(), UpOptions{}, false); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	state, _ := local.State(context.Background(), "web")
	if state != lab.StateRunning {
		t.Errorf("Node state after up = %s, want %s", state, lab.StateRunning)
	}
}

func TestOrchestratorUp_DryRunSkipsBackendAndPolicy(t *testing.T) {
	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateStopped})
	policy := &mockPolicy{}
	o := testOrchestrator(t, local, newMockBackend(nil), policy, "web")

	if err := o.Up(context.Background(), UpOptions{}, true); err != nil {
		t.Fatalf("Dry run failed: %v", err)
	}

	// Planning reads state, but nothing mutates and policy is not asked.
	for _, call := range local.calls {
		t.Errorf("Dry run mutated the backend: %s", call)
	}
	if policy.checked != 0 {
		t.Errorf("Policy checked %d times during dry run, want 0", policy.checked)
	}
}

func TestOrchestrator_PolicyRejectsPlan(t *testing.T) {
	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateStopped})
	policy := &mockPolicy{reject: errors.New("plan denied")}
	o := testOrchestrator(t, local, newMockBackend(nil), policy, "web")

	err := o.Up(context.Background(), UpOptions{}, false)
	if err == nil {
		t.Fatal("Expected policy rejection")
	}

	if len(local.calls) != 0 {
		t.Errorf("Rejected plan still touched the backend: %v", local.calls)
	}
}

func TestOrchestratorRemoveNode_EndToEnd(t *testing.T) {
	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateRunning})
	o := testOrchestrator(t, local, newMockBackend(nil), nil, "web")

	if err := o.RemoveNode(context.Background(), "web", true, false); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}

	exists, _ := local.Exists(context.Background(), "web")
	if exists {
		t.Error("Node still exists after forced removal")
	}
}

func TestOrchestratorList(t *testing.T) {
	local := newMockBackend(map[string]lab.NodeState{"web": lab.StateRunning})
	o := testOrchestrator(t, local, newMockBackend(nil), nil, "web")

	statuses, err := o.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Name != "web" || statuses[0].State != lab.StateRunning {
		t.Errorf("Statuses = %v", statuses)
	}
}

func TestOrchestratorCheckRequired(t *testing.T) {
	cfg := testLabConfig()
	cfg.RequiresNodes = []string{"shared-db", "shared-cache"}

	shared := newMockBackend(map[string]lab.NodeState{
		"shared-db":    lab.StateRunning,
		"shared-cache": lab.StateStopped,
	})
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	o := NewOrchestrator(cfg, t.TempDir(), OrchestratorDeps{
		Local:  newMockBackend(nil),
		Shared: shared,
		Logger: logger,
	})

	missing, err := o.CheckRequired(context.Background())
	if err != nil {
		t.Fatalf("CheckRequired failed: %v", err)
	}
	if len(missing) != 1 || missing[0] != "shared-cache" {
		t.Errorf("Missing = %v, want [shared-cache]", missing)
	}
}
