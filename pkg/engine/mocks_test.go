package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/labforge/labforge/pkg/lab"
)

// mockBackend is an in-memory NodeBackend recording every call. State is
// keyed by logical name; a node missing from states does not exist.
type mockBackend struct {
	mu       sync.Mutex
	states   map[string]lab.NodeState
	metadata map[string]map[string]string
	calls    []string
	failOn   map[string]error
}

func newMockBackend(states map[string]lab.NodeState) *mockBackend {
	if states == nil {
		states = map[string]lab.NodeState{}
	}
	return &mockBackend{
		states:   states,
		metadata: map[string]map[string]string{},
		failOn:   map[string]error{},
	}
}

func (m *mockBackend) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.failOn[call]
}

func (m *mockBackend) Provision(_ context.Context, spec lab.NodeSpec) error {
	if err := m.record("provision " + spec.Name); err != nil {
		return err
	}
	m.states[spec.Name] = lab.StateStopped
	return nil
}

func (m *mockBackend) Remove(_ context.Context, name string) error {
	if err := m.record("remove " + name); err != nil {
		return err
	}
	delete(m.states, name)
	return nil
}

func (m *mockBackend) Start(_ context.Context, name string) error {
	if err := m.record("start " + name); err != nil {
		return err
	}
	m.states[name] = lab.StateRunning
	return nil
}

func (m *mockBackend) Stop(_ context.Context, name string) error {
	if err := m.record("stop " + name); err != nil {
		return err
	}
	m.states[name] = lab.StateStopped
	return nil
}

func (m *mockBackend) State(_ context.Context, name string) (lab.NodeState, error) {
	state, ok := m.states[name]
	if !ok {
		return lab.StateUnknown, nil
	}
	return state, nil
}

func (m *mockBackend) ListActive(_ context.Context) ([]string, error) {
	names := []string{}
	for name := range m.states {
		names = append(names, name)
	}
	return names, nil
}

func (m *mockBackend) Exists(_ context.Context, name string) (bool, error) {
	_, ok := m.states[name]
	return ok, nil
}

func (m *mockBackend) SetMetadata(_ context.Context, name, key, value string) error {
	if err := m.record(fmt.Sprintf("metadata %s %s=%s", name, key, value)); err != nil {
		return err
	}
	if m.metadata[name] == nil {
		m.metadata[name] = map[string]string{}
	}
	m.metadata[name][key] = value
	return nil
}

func (m *mockBackend) GetMetadata(_ context.Context, name, key string) (string, error) {
	return m.metadata[name][key], nil
}

func (m *mockBackend) MountVolume(_ context.Context, name, source, target string, readonly bool) error {
	return m.record(fmt.Sprintf("mount %s %s:%s", name, source, target))
}

// mockJournal records journal calls in memory.
type mockJournal struct {
	runs     []string
	actions  []string
	finishes []string
	events   []string
}

func (j *mockJournal) BeginRun(_ context.Context, labName, command, user string) (string, error) {
	j.runs = append(j.runs, command)
	return fmt.Sprintf("run-%d", len(j.runs)), nil
}

func (j *mockJournal) RecordAction(_ context.Context, runID string, seq int, description, status, errMsg string) error {
	j.actions = append(j.actions, fmt.Sprintf("%s %d %s", status, seq, description))
	return nil
}

func (j *mockJournal) FinishRun(_ context.Context, runID, status string) error {
	j.finishes = append(j.finishes, status)
	return nil
}

func (j *mockJournal) RecordLabEvent(_ context.Context, labName, command string, _ time.Time, _ map[string]any) error {
	j.events = append(j.events, command)
	return nil
}
