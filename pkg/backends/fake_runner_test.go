package backends

import (
	"context"
	"fmt"
	"strings"
)

// fakeRunner records every invocation and replays stubbed results, keyed by
// the full command line. Unstubbed commands succeed with empty output.
type fakeRunner struct {
	stubs    map[string]fakeResult
	calls    []string
	startPID int
	startErr error
}

type fakeResult struct {
	stdout   string
	exitCode int
	fail     bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		stubs:    map[string]fakeResult{},
		startPID: 4242,
	}
}

// stub registers the result replayed for an exact command line.
func (f *fakeRunner) stub(cmd string, res fakeResult) {
	f.stubs[cmd] = res
}

// stubMissing makes a probe command behave like a missing instance: non-zero
// exit surfaced as an error, the way the real runner reports it.
func (f *fakeRunner) stubMissing(cmd string) {
	f.stubs[cmd] = fakeResult{exitCode: 1, fail: true}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmd)

	if stub, ok := f.stubs[cmd]; ok {
		res := Result{Stdout: stub.stdout, ExitCode: stub.exitCode}
		if stub.fail {
			return res, fmt.Errorf("%s: exit status %d", cmd, stub.exitCode)
		}
		return res, nil
	}
	return Result{}, nil
}

func (f *fakeRunner) Start(_ context.Context, name string, args ...string) (int, error) {
	f.calls = append(f.calls, "START "+name+" "+strings.Join(args, " "))
	if f.startErr != nil {
		return 0, f.startErr
	}
	return f.startPID, nil
}

// calledWith reports whether any recorded call contains the fragment.
func (f *fakeRunner) calledWith(fragment string) bool {
	for _, call := range f.calls {
		if strings.Contains(call, fragment) {
			return true
		}
	}
	return false
}
