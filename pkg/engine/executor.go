package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Journal records executed plans for `labforge history`. Implementations
// live in pkg/stores; the executor only needs this slice of the surface.
type Journal interface {
	// BeginRun opens a run record and returns its ID.
	BeginRun(ctx context.Context, labName, command, user string) (string, error)

	// RecordAction appends one action outcome to a run.
	RecordAction(ctx context.Context, runID string, seq int, description, status, errMsg string) error

	// FinishRun closes a run record.
	FinishRun(ctx context.Context, runID, status string) error

	// RecordLabEvent stores a standalone lab event (the up/down record
	// step) with its payload.
	RecordLabEvent(ctx context.Context, labName, command string, at time.Time, details map[string]any) error
}

// Executor applies plans sequentially with fail-fast semantics. It is a
// simple loop, not a scheduler: no action runs concurrently with another,
// and once apply begins it runs to completion or to first failure. No
// rollback of already-applied actions is attempted — backend operations are
// not transactional, so recovery from a partial plan is the operator's call.
type Executor struct {
	journal Journal
	user    string
	labName string
	out     io.Writer
	logger  zerolog.Logger
}

// NewExecutor builds an executor. journal may be nil, in which case runs are
// only logged.
func NewExecutor(journal Journal, labName, user string, logger zerolog.Logger) *Executor {
	return &Executor{
		journal: journal,
		user:    user,
		labName: labName,
		out:     os.Stdout,
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

// SetOutput redirects the plan preview output (used by tests and --json).
func (e *Executor) SetOutput(w io.Writer) {
	e.out = w
}

// Execute previews or applies a plan. An empty plan reports "nothing to do"
// and succeeds. Dry-run prints each action's description and returns success
// without invoking any operation. Otherwise actions run in plan order; the
// first failure aborts with a backend-class error naming the failed action.
func (e *Executor) Execute(ctx context.Context, plan *Plan, dryRun bool) error {
	if plan.Empty() {
		e.logger.Info().Msg("Nothing to do")
		fmt.Fprintln(e.out, "Nothing to do.")
		return nil
	}

	fmt.Fprintln(e.out, "Planned actions:")
	for _, action := range plan.Actions {
		fmt.Fprintf(e.out, "  %s\n", action.Description)
	}

	if dryRun {
		e.logger.Info().Int("actions", len(plan.Actions)).Msg("Dry run, no changes applied")
		fmt.Fprintln(e.out, "DRY RUN: no changes applied")
		return nil
	}

	runID := e.beginRun(ctx, plan)

	for i, action := range plan.Actions {
		e.logger.Debug().Str("action", action.Description).Msg("Applying action")

		if err := action.Invoke(ctx); err != nil {
			e.recordAction(ctx, runID, i, action, err)
			e.finishRun(ctx, runID, "failed")

			e.logger.Error().Err(err).Str("action", action.Description).Msg("Action failed")
			return NewBackendError(action.Description, err)
		}
		e.recordAction(ctx, runID, i, action, nil)
	}

	e.finishRun(ctx, runID, "succeeded")
	e.logger.Info().Int("actions", len(plan.Actions)).Msg("All actions completed")
	fmt.Fprintln(e.out, "All actions completed.")
	return nil
}

func (e *Executor) beginRun(ctx context.Context, plan *Plan) string {
	if e.journal == nil {
		return uuid.New().String()
	}
	runID, err := e.journal.BeginRun(ctx, e.labName, plan.Command, e.user)
	if err != nil {
		// The journal is bookkeeping; a broken journal must not block
		// the plan itself.
		e.logger.Warn().Err(err).Msg("Could not open run record")
		return ""
	}
	return runID
}

func (e *Executor) recordAction(ctx context.Context, runID string, seq int, action Action, actionErr error) {
	if e.journal == nil || runID == "" {
		return
	}
	status, errMsg := "ok", ""
	if actionErr != nil {
		status, errMsg = "failed", actionErr.Error()
	}
	if err := e.journal.RecordAction(ctx, runID, seq, action.Description, status, errMsg); err != nil {
		e.logger.Warn().Err(err).Msg("Could not record action")
	}
}

func (e *Executor) finishRun(ctx context.Context, runID, status string) {
	if e.journal == nil || runID == "" {
		return
	}
	if err := e.journal.FinishRun(ctx, runID, status); err != nil {
		e.logger.Warn().Err(err).Msg("Could not close run record")
	}
}
