package backends

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/lab"
)

func testIncusBackend(runner *fakeRunner) *IncusBackend {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	return NewIncusBackend(lab.NewScope("lab"), runner, logger)
}

func TestIncusProvision_NewContainer(t *testing.T) {
	runner := newFakeRunner()
	runner.stubMissing("incus info lab-web")
	runner.stubMissing("incus info images:debian/13")

	b := testIncusBackend(runner)
	spec, err := lab.NewNodeSpec(lab.NodeSpec{Name: "web", Image: "images:debian/13"})
	if err != nil {
		t.Fatalf("NewNodeSpec: %v", err)
	}

	if err := b.Provision(context.Background(), spec); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	want := []string{
		"incus info lab-web",
		"incus info images:debian/13",
		"incus init images:debian/13 lab-web",
		"incus config set lab-web limits.cpu=1 limits.memory=512MB",
	}
	if len(runner.calls) != len(want) {
		t.Fatalf("Got %d calls, want %d: %v", len(runner.calls), len(want), runner.calls)
	}
	for i, call := range want {
		if runner.calls[i] != call {
			t.Errorf("Call %d = %q, want %q", i, runner.calls[i], call)
		}
	}
}

func TestIncusProvision_VMWithDiskSize(t *testing.T) {
	runner := newFakeRunner()
	runner.stubMissing("incus info lab-db")
	runner.stubMissing("incus info images:ubuntu/24.04")

	b := testIncusBackend(runner)
	spec, err := lab.NewNodeSpec(lab.NodeSpec{
		Name:  "db",
		Type:  lab.NodeTypeVM,
		Image: "images:ubuntu/24.04",
		Disk:  "8GiB",
	})
	if err != nil {
		t.Fatalf("NewNodeSpec: %v", err)
	}

	if err := b.Provision(context.Background(), spec); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if !runner.calledWith("incus init images:ubuntu/24.04 lab-db --vm -d root,size=8GiB") {
		t.Errorf("VM init call missing, got %v", runner.calls)
	}
}

func TestIncusProvision_TemplateClone(t *testing.T) {
	runner := newFakeRunner()
	runner.stubMissing("incus info lab-web2")
	// "incus info base-template" is unstubbed, so the probe succeeds: the
	// image names a live instance and must be cloned.

	b := testIncusBackend(runner)
	spec, err := lab.NewNodeSpec(lab.NodeSpec{Name: "web2", Image: "base-template"})
	if err != nil {
		t.Fatalf("NewNodeSpec: %v", err)
	}

	if err := b.Provision(context.Background(), spec); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if !runner.calledWith("incus copy base-template lab-web2") {
		t.Errorf("Expected clone from template, got %v", runner.calls)
	}
	if runner.calledWith("incus init") {
		t.Errorf("Template clone must not init from image, got %v", runner.calls)
	}
}

func TestIncusProvision_ExistingConvergesLimits(t *testing.T) {
	runner := newFakeRunner()
	// Instance probe succeeds: the node already exists.

	b := testIncusBackend(runner)
	spec, err := lab.NewNodeSpec(lab.NodeSpec{
		Name:        "web",
		Image:       "images:debian/13",
		CPUs:        4,
		Memory:      "2GiB",
		Environment: map[string]string{"ROLE": "frontend"},
	})
	if err != nil {
		t.Fatalf("NewNodeSpec: %v", err)
	}

	if err := b.Provision(context.Background(), spec); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if runner.calledWith("incus init") || runner.calledWith("incus copy") {
		t.Errorf("Existing instance must not be recreated, got %v", runner.calls)
	}
	if !runner.calledWith("incus config set lab-web limits.cpu=4 limits.memory=2GiB") {
		t.Errorf("Limits not converged, got %v", runner.calls)
	}
	if !runner.calledWith("incus config set lab-web environment.ROLE=frontend") {
		t.Errorf("Environment not converged, got %v", runner.calls)
	}
}

func TestIncusProvision_NoEnvironmentForVM(t *testing.T) {
	runner := newFakeRunner()
	runner.stubMissing("incus info lab-db")
	runner.stubMissing("incus info images:ubuntu/24.04")

	b := testIncusBackend(runner)
	spec, err := lab.NewNodeSpec(lab.NodeSpec{
		Name:        "db",
		Type:        lab.NodeTypeVM,
		Image:       "images:ubuntu/24.04",
		Environment: map[string]string{"ROLE": "db"},
	})
	if err != nil {
		t.Fatalf("NewNodeSpec: %v", err)
	}

	if err := b.Provision(context.Background(), spec); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if runner.calledWith("environment.ROLE") {
		t.Errorf("VM must not receive environment config, got %v", runner.calls)
	}
}

func TestIncusStart_AlreadyRunningIsNoop(t *testing.T) {
	runner := newFakeRunner()
	runner.stub("incus list lab-web --format=json", fakeResult{
		stdout: `[{"name":"lab-web","status":"Running"}]`,
	})

	b := testIncusBackend(runner)
	if err := b.Start(context.Background(), "web"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if runner.calledWith("incus start") {
		t.Errorf("Running node must not be started again, got %v", runner.calls)
	}
}

func TestIncusStop_AlreadyStoppedIsNoop(t *testing.T) {
	runner := newFakeRunner()
	runner.stub("incus list lab-web --format=json", fakeResult{
		stdout: `[{"name":"lab-web","status":"Stopped"}]`,
	})

	b := testIncusBackend(runner)
	if err := b.Stop(context.Background(), "web"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if runner.calledWith("incus stop") {
		t.Errorf("Stopped node must not be stopped again, got %v", runner.calls)
	}
}

func TestIncusState(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   lab.NodeState
	}{
		{"running", `[{"name":"lab-web","status":"Running"}]`, lab.StateRunning},
		{"frozen maps to paused", `[{"name":"lab-web","status":"Frozen"}]`, lab.StatePaused},
		{"stopped", `[{"name":"lab-web","status":"Stopped"}]`, lab.StateStopped},
		{"absent", `[]`, lab.StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.stub("incus list lab-web --format=json", fakeResult{stdout: tt.stdout})

			b := testIncusBackend(runner)
			state, err := b.State(context.Background(), "web")
			if err != nil {
				t.Fatalf("State failed: %v", err)
			}
			if state != tt.want {
				t.Errorf("State = %s, want %s", state, tt.want)
			}
		})
	}
}

func TestIncusState_RunnerFailureSurfaces(t *testing.T) {
	runner := newFakeRunner()
	runner.stub("incus list lab-web --format=json", fakeResult{exitCode: 1, fail: true})

	b := testIncusBackend(runner)
	if _, err := b.State(context.Background(), "web"); err == nil {
		t.Fatal("Expected error when the incus CLI fails")
	}
}

func TestIncusListActive_ScopesToLab(t *testing.T) {
	runner := newFakeRunner()
	runner.stub("incus list --format=json", fakeResult{
		stdout: `[{"name":"lab-web","status":"Running"},{"name":"lab-db","status":"Stopped"},{"name":"other-x","status":"Running"}]`,
	})

	b := testIncusBackend(runner)
	names, err := b.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}

	want := []string{"web", "db"}
	if len(names) != len(want) {
		t.Fatalf("Got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestIncusMetadata(t *testing.T) {
	runner := newFakeRunner()
	runner.stub("incus config get lab-web user.pinned", fakeResult{stdout: "true\n"})

	b := testIncusBackend(runner)
	if err := b.SetMetadata(context.Background(), "web", "pinned", "true"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	if !runner.calledWith("incus config set lab-web user.pinned=true") {
		t.Errorf("Metadata not namespaced under user., got %v", runner.calls)
	}

	value, err := b.GetMetadata(context.Background(), "web", "pinned")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if value != "true" {
		t.Errorf("GetMetadata = %q, want %q", value, "true")
	}
}

func TestIncusGetMetadata_MissingInstanceReadsEmpty(t *testing.T) {
	runner := newFakeRunner()
	runner.stubMissing("incus config get lab-gone user.pinned")

	b := testIncusBackend(runner)
	value, err := b.GetMetadata(context.Background(), "gone", "pinned")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if value != "" {
		t.Errorf("GetMetadata = %q, want empty", value)
	}
}

func TestIncusGetMetadata_ControlFailureSurfaces(t *testing.T) {
	runner := newFakeRunner()
	runner.stub("incus config get lab-web user.pinned", fakeResult{fail: true})

	b := testIncusBackend(runner)
	if _, err := b.GetMetadata(context.Background(), "web", "pinned"); err == nil {
		t.Fatal("Expected error when the incus CLI fails without an exit code")
	}
}

func TestIncusMountVolume_StableDeviceName(t *testing.T) {
	runner := newFakeRunner()

	b := testIncusBackend(runner)
	if err := b.MountVolume(context.Background(), "web", "/srv/shared", "/lab/shared", true); err != nil {
		t.Fatalf("MountVolume failed: %v", err)
	}

	want := "incus config device add lab-web mount-lab-shared disk path=/lab/shared source=/srv/shared readonly=true"
	if len(runner.calls) != 1 || runner.calls[0] != want {
		t.Errorf("Got %v, want [%s]", runner.calls, want)
	}
}
