package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/backends"
	"github.com/labforge/labforge/pkg/config"
	"github.com/labforge/labforge/pkg/engine"
	"github.com/labforge/labforge/pkg/gitops"
	"github.com/labforge/labforge/pkg/lab"
	"github.com/labforge/labforge/pkg/policy"
	"github.com/labforge/labforge/pkg/stores"
	"github.com/labforge/labforge/pkg/telemetry"
)

// app is the wired-up lab session every command runs against: configuration,
// backends, journal, policy, and the orchestrator composing them.
type app struct {
	root     string
	cfg      *config.Lab
	orch     *engine.Orchestrator
	journal  *stores.Journal
	policies *policy.Engine
	tracer   *telemetry.Tracer
	git      *gitops.Repo
	runner   backends.Runner
	logger   zerolog.Logger
}

// span opens a tracing span around one command; the returned func ends it.
func (a *app) span(ctx context.Context, name string) (context.Context, func()) {
	ctx, sp := a.tracer.Start(ctx, name)
	return ctx, func() { sp.End() }
}

// newApp loads the lab rooted at --dir and wires the full stack. The journal
// is best-effort: a broken journal database degrades history, not commands.
func newApp(ctx context.Context) (*app, error) {
	root, err := filepath.Abs(labDir)
	if err != nil {
		return nil, fmt.Errorf("resolve lab dir: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	runner := backends.NewRunner(0, logger)

	local, err := backends.New(backends.Kind(cfg.Backend), lab.NewScope(cfg.Name), backends.Options{
		Runner:     runner,
		StorageDir: cfg.StorageDir,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	// Required nodes are shared across labs, so they are addressed without
	// the lab prefix: a second backend with an empty scope.
	shared, err := backends.New(backends.Kind(cfg.Backend), lab.NewScope(""), backends.Options{
		Runner:     runner,
		StorageDir: cfg.StorageDir,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	var journal *stores.Journal
	journal, err = stores.Open(ctx, filepath.Join(root, ".labforge", "journal.db"))
	if err != nil {
		logger.Warn().Err(err).Msg("Run journal unavailable, history disabled")
		journal = nil
	}

	policyEngine := policy.NewEngine(logger)
	loader := policy.NewLoader(logger)
	policies, err := loader.LoadDir(filepath.Join(root, "policies"))
	if err != nil {
		return nil, err
	}
	policyEngine.AddPolicies(policies)

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: traceSpans, Pretty: true}, "labforge")
	if err != nil {
		return nil, err
	}

	git := gitops.NewRepo(root, runner, logger)

	deps := engine.OrchestratorDeps{
		Local:  local,
		Shared: shared,
		Git:    git,
		Policy: policyEngine,
		Logger: logger,
	}
	if journal != nil {
		deps.Journal = journal
	}

	return &app{
		root:     root,
		cfg:      cfg,
		orch:     engine.NewOrchestrator(cfg, root, deps),
		journal:  journal,
		policies: policyEngine,
		tracer:   tracer,
		git:      git,
		runner:   runner,
		logger:   logger,
	}, nil
}

func (a *app) Close() {
	if err := a.tracer.Shutdown(context.Background()); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to flush trace spans")
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close journal")
		}
	}
}

func newLogger() (zerolog.Logger, error) {
	cfg := telemetry.DefaultConfig().Logging
	if verbose {
		cfg.Level = "debug"
	}
	if jsonOutput {
		cfg.Format = "json"
	}
	return telemetry.NewLogger(cfg)
}
