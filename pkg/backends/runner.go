package backends

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCallTimeout bounds a single backend CLI invocation. A hung control
// surface fails the current action instead of wedging the whole plan.
const DefaultCallTimeout = 2 * time.Minute

// Result holds the outcome of one external command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts external command execution so backend logic can be tested
// without the real daemons. Run blocks until the command exits; Start
// launches a detached long-running process and returns its PID.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
	Start(ctx context.Context, name string, args ...string) (int, error)
}

// execRunner is the production Runner backed by os/exec with a bounded
// per-call timeout.
type execRunner struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRunner returns a Runner that executes commands with the given per-call
// timeout (DefaultCallTimeout if zero).
func NewRunner(timeout time.Duration, logger zerolog.Logger) Runner {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &execRunner{
		timeout: timeout,
		logger:  logger.With().Str("component", "runner").Logger(),
	}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug().Str("cmd", name).Strs("args", args).Msg("Running command")

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%s %s: timed out after %s", name, strings.Join(args, " "), r.timeout)
	}
	if err != nil {
		return res, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

func (r *execRunner) Start(ctx context.Context, name string, args ...string) (int, error) {
	cmd := exec.Command(name, args...)

	r.logger.Debug().Str("cmd", name).Strs("args", args).Msg("Starting detached process")

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	pid := cmd.Process.Pid

	// Reap the child when it eventually exits so it never lingers as a
	// zombie under this process.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}
