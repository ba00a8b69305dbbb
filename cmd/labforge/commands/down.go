package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/labforge/labforge/pkg/engine"
)

func newDownCommand() *cobra.Command {
	var (
		only            []string
		suspendRequired bool
		forceStopAll    bool
		dryRun          bool
	)

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the lab's nodes",
		Long: `Stop every running node of the lab. Nodes are stopped, never removed.

With --suspend-required, the lab's shared dependencies are stopped too,
except nodes pinned against suspension; --force-stop-all overrides the
pin. --only cannot be combined with either flag.`,
		Example: `  # Stop the lab's own nodes
  labforge down

  # Stop the lab and its unpinned dependencies
  labforge down --suspend-required

  # Stop only one node
  labforge down --only web`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().Strs("only", only).Bool("suspend_required", suspendRequired).Bool("dry_run", dryRun).Msg("Bringing lab down")

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, done := app.span(ctx, "labforge.down")
			defer done()

			return app.orch.Down(ctx, engine.DownOptions{
				Only:            only,
				SuspendRequired: suspendRequired,
				ForceStopAll:    forceStopAll,
			}, dryRun)
		},
	}

	cmd.Flags().StringArrayVar(&only, "only", nil, "stop only the named nodes (repeatable)")
	cmd.Flags().BoolVar(&suspendRequired, "suspend-required", false, "also stop unpinned required shared nodes")
	cmd.Flags().BoolVar(&forceStopAll, "force-stop-all", false, "stop required nodes even when pinned")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the plan without applying it")

	return cmd
}
