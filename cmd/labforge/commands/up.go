package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/labforge/labforge/pkg/engine"
)

func newUpCommand() *cobra.Command {
	var (
		only   []string
		noDeps bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the lab's nodes",
		Long: `Start every node of the lab that is not already running. The lab's
required shared nodes are started first; --no-deps leaves them alone.
--only restricts which of the lab's own nodes start, but never the
required ones.

Already-running nodes are skipped; a lab that is fully up yields an
empty plan and no backend calls.`,
		Example: `  # Bring the whole lab up, dependencies included
  labforge up

  # Start only selected nodes
  labforge up --only web --only db

  # Skip the required shared nodes
  labforge up --no-deps

  # Preview what would start
  labforge up --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().Strs("only", only).Bool("no_deps", noDeps).Bool("dry_run", dryRun).Msg("Bringing lab up")

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, done := app.span(ctx, "labforge.up")
			defer done()

			return app.orch.Up(ctx, engine.UpOptions{
				Only:         only,
				SkipRequired: noDeps,
			}, dryRun)
		},
	}

	cmd.Flags().StringArrayVar(&only, "only", nil, "start only the named nodes (repeatable)")
	cmd.Flags().BoolVar(&noDeps, "no-deps", false, "do not start required shared nodes")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the plan without applying it")

	return cmd
}
