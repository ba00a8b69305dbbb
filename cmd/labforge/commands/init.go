package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/labforge/labforge/pkg/backends"
	"github.com/labforge/labforge/pkg/config"
	"github.com/labforge/labforge/pkg/gitops"
	"github.com/labforge/labforge/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		name    string
		backend string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a lab directory",
		Long: `Initialize a new lab: a lab.yaml configuration, per-node and shared
directories, a policies directory, a run journal, and a local git
repository recording lab changes.`,
		Example: `  # Initialize a lab named after the current directory
  labforge init

  # Initialize with an explicit name and backend
  labforge init --name netlab --backend docker`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root, err := filepath.Abs(labDir)
			if err != nil {
				return fmt.Errorf("resolve lab dir: %w", err)
			}
			if name == "" {
				name = filepath.Base(root)
			}

			log.Info().Str("name", name).Str("backend", backend).Str("dir", root).Msg("Initializing lab")

			if _, err := os.Stat(filepath.Join(root, "lab.yaml")); err == nil {
				return fmt.Errorf("lab.yaml already exists in %s", root)
			}

			for _, dir := range []string{root, filepath.Join(root, "nodes"), filepath.Join(root, "shared"), filepath.Join(root, "policies")} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			cfg := &config.Lab{
				Name:    name,
				Backend: backend,
				SharedStorage: config.SharedStorage{
					Enabled:    true,
					MountPoint: "/lab/shared",
				},
			}
			if err := config.Save(root, cfg); err != nil {
				return fmt.Errorf("write lab.yaml: %w", err)
			}
			fmt.Printf("✓ Created config file: %s\n", filepath.Join(root, "lab.yaml"))

			if err := initJournal(ctx, root); err != nil {
				return err
			}
			fmt.Printf("✓ Initialized run journal: %s\n", filepath.Join(root, ".labforge", "journal.db"))

			logger, err := newLogger()
			if err != nil {
				return err
			}
			repo := gitops.NewRepo(root, backends.NewRunner(0, logger), logger)
			if err := repo.Init(ctx); err != nil {
				log.Warn().Err(err).Msg("Could not initialize git repository")
			} else if err := repo.Commit(ctx, "labforge: initialized lab "+name); err != nil {
				log.Warn().Err(err).Msg("Could not commit initial state")
			} else {
				fmt.Printf("✓ Initialized git repository\n")
			}

			fmt.Printf("\n✅ Lab %s initialized!\n\n", name)
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Add a node:\n")
			fmt.Printf("     labforge node add web --image images:debian/13\n\n")
			fmt.Printf("  2. Bring the lab up:\n")
			fmt.Printf("     labforge up\n\n")

			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "lab name (defaults to the directory name)")
	cmd.Flags().StringVarP(&backend, "backend", "b", "incus", "virtualization backend (incus, docker, qemu)")

	return cmd
}

func initJournal(ctx context.Context, root string) error {
	journal, err := stores.Open(ctx, filepath.Join(root, ".labforge", "journal.db"))
	if err != nil {
		return fmt.Errorf("initialize run journal: %w", err)
	}
	return journal.Close()
}
