package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/labforge/labforge/pkg/backends"
	"github.com/labforge/labforge/pkg/lab"
	"github.com/labforge/labforge/pkg/plugins"
	"github.com/labforge/labforge/pkg/policy"
)

func newListenCommand() *cobra.Command {
	var (
		sshConfig string
		sshUser   string
		sshKey    string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "React to backend lifecycle events",
		Long: `Stream lifecycle events from the backend and dispatch them to plugins.
Runs until interrupted.

The built-in ssh-config plugin keeps an SSH client configuration file in
sync with the lab's running nodes; Include it from ~/.ssh/config to get
ssh access by node name. Policy files under policies/ are hot-reloaded
while listening.`,
		Example: `  # Maintain SSH config entries for this lab's nodes
  labforge listen

  # Custom SSH settings
  labforge listen --ssh-user admin --ssh-key ~/.ssh/lab_ed25519`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if app.cfg.Backend != string(backends.KindIncus) {
				return fmt.Errorf("listen requires the incus backend (lab uses %s)", app.cfg.Backend)
			}

			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolve home directory: %w", err)
			}
			if sshConfig == "" {
				sshConfig = filepath.Join(home, ".ssh", "labforge_config")
			}
			if sshUser == "" {
				sshUser = app.cfg.User
			}
			if sshKey == "" {
				sshKey = filepath.Join(home, ".ssh", "id_ed25519")
			}

			manager := plugins.NewManager(plugins.NewIncusSource(app.logger), app.logger)
			manager.Register(plugins.NewSSHConfigPlugin(
				lab.NewScope(app.cfg.Name), app.runner, sshConfig, sshUser, sshKey, app.logger))

			// Policy edits take effect without restarting the listener.
			policyDir := filepath.Join(app.root, "policies")
			loader := policy.NewLoader(app.logger)
			go func() {
				if err := loader.Watch(ctx, policyDir, func(policies []policy.Policy) {
					app.policies.AddPolicies(policies)
					log.Info().Int("count", len(policies)).Msg("Reloaded policies")
				}); err != nil {
					log.Warn().Err(err).Msg("Policy watch stopped")
				}
			}()

			log.Info().Str("ssh_config", sshConfig).Msg("Listening for lifecycle events")
			return manager.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&sshConfig, "ssh-config", "", "managed SSH config file (default ~/.ssh/labforge_config)")
	cmd.Flags().StringVar(&sshUser, "ssh-user", "", "SSH user for config entries (default: lab user)")
	cmd.Flags().StringVar(&sshKey, "ssh-key", "", "identity file for config entries (default ~/.ssh/id_ed25519)")

	return cmd
}
