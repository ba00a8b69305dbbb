package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/labforge/labforge/pkg/config"
)

func newRequiresCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requires",
		Short: "Manage the lab's required shared nodes",
		Long: `Declare, drop, and inspect the shared nodes this lab depends on but
does not own. Required nodes are started by 'up' ahead of the lab's
own nodes and addressed without the lab prefix.`,
	}

	cmd.AddCommand(newRequiresAddCommand())
	cmd.AddCommand(newRequiresRemoveCommand())
	cmd.AddCommand(newRequiresListCommand())
	cmd.AddCommand(newRequiresCheckCommand())

	return cmd
}

func newRequiresAddCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "add <name>...",
		Short: "Declare required shared nodes",
		Example: `  # Depend on a shared database
  labforge requires add shared-db`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			var added []string
			for _, name := range args {
				if slices.Contains(app.cfg.RequiresNodes, name) {
					log.Info().Str("node", name).Msg("Already required, skipping")
					continue
				}
				added = append(added, name)
			}
			if len(added) == 0 {
				fmt.Println("Nothing to do.")
				return nil
			}
			if dryRun {
				fmt.Printf("DRY RUN: would require %s\n", strings.Join(added, ", "))
				return nil
			}

			app.cfg.RequiresNodes = append(app.cfg.RequiresNodes, added...)
			return saveRequires(cmd.Context(), app,
				fmt.Sprintf("labforge: required node %s", strings.Join(added, ", ")))
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the change without applying it")

	return cmd
}

func newRequiresRemoveCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:     "rm <name>...",
		Aliases: []string{"remove"},
		Short:   "Drop required shared nodes",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			var removed []string
			for _, name := range args {
				if !slices.Contains(app.cfg.RequiresNodes, name) {
					log.Warn().Str("node", name).Msg("Not a required node, skipping")
					continue
				}
				removed = append(removed, name)
			}
			if len(removed) == 0 {
				fmt.Println("Nothing to do.")
				return nil
			}
			if dryRun {
				fmt.Printf("DRY RUN: would drop %s\n", strings.Join(removed, ", "))
				return nil
			}

			kept := app.cfg.RequiresNodes[:0]
			for _, name := range app.cfg.RequiresNodes {
				if !slices.Contains(removed, name) {
					kept = append(kept, name)
				}
			}
			app.cfg.RequiresNodes = kept
			return saveRequires(cmd.Context(), app,
				fmt.Sprintf("labforge: dropped required node %s", strings.Join(removed, ", ")))
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the change without applying it")

	return cmd
}

func newRequiresListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the lab's required shared nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			names := append([]string(nil), app.cfg.RequiresNodes...)
			sort.Strings(names)

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(names)
			}
			if len(names) == 0 {
				fmt.Println("No required nodes declared.")
				return nil
			}
			fmt.Println("This lab requires:")
			for _, name := range names {
				fmt.Printf("  - %s\n", name)
			}
			return nil
		},
	}
}

func newRequiresCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that every required node is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			missing, err := app.orch.CheckRequired(ctx)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				return fmt.Errorf("required nodes not running: %s", strings.Join(missing, ", "))
			}
			fmt.Println("All required nodes are running.")
			return nil
		},
	}
}

// saveRequires persists the edited dependency list and records the change in
// the lab's git history.
func saveRequires(ctx context.Context, app *app, message string) error {
	if err := config.Save(app.root, app.cfg); err != nil {
		return err
	}
	if err := app.git.Commit(ctx, message); err != nil {
		app.logger.Warn().Err(err).Msg("Failed to commit lab configuration")
	}
	return nil
}
