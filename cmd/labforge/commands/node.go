package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/labforge/labforge/pkg/lab"
)

func newNodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage lab nodes",
	}

	cmd.AddCommand(newNodeAddCommand())
	cmd.AddCommand(newNodeRemoveCommand())
	cmd.AddCommand(newNodeListCommand())

	return cmd
}

func newNodeAddCommand() *cobra.Command {
	var (
		nodeType string
		image    string
		cpus     int
		memory   string
		disk     string
		env      []string
		ports    []string
		volumes  []string
		configs  []string
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a node to the lab",
		Long: `Provision a new node, scaffold its directory and manifest, and mount the
node and shared directories into it.

The image may also name an existing instance; backends that support
cloning use it as a template.`,
		Example: `  # Add a Debian container
  labforge node add web --image images:debian/13

  # Add a VM with more resources
  labforge node add db --type vm --image images:ubuntu/24.04 --cpus 4 --memory 4GiB

  # Preview without changing anything
  labforge node add web --image images:debian/13 --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			log.Info().Str("node", name).Str("image", image).Bool("dry_run", dryRun).Msg("Adding node")

			spec, err := lab.NewNodeSpec(lab.NodeSpec{
				Name:        name,
				Type:        lab.NodeType(nodeType),
				Image:       image,
				CPUs:        cpus,
				Memory:      memory,
				Disk:        disk,
				Environment: parsePairs(env),
				Config:      parsePairs(configs),
				Ports:       ports,
				Volumes:     volumes,
			})
			if err != nil {
				return err
			}

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, done := app.span(ctx, "labforge.node.add")
			defer done()

			return app.orch.AddNode(ctx, spec, dryRun)
		},
	}

	cmd.Flags().StringVarP(&nodeType, "type", "t", "container", "node type (container, vm, oci)")
	cmd.Flags().StringVarP(&image, "image", "i", "", "base image or template instance")
	cmd.Flags().IntVar(&cpus, "cpus", 0, "CPU allocation")
	cmd.Flags().StringVar(&memory, "memory", "", "memory size (e.g. 512MB, 2GiB)")
	cmd.Flags().StringVar(&disk, "disk", "", "root disk size")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVarP(&ports, "port", "p", nil, "port mapping host:container (repeatable)")
	cmd.Flags().StringArrayVar(&volumes, "volume", nil, "volume mount source:target (repeatable)")
	cmd.Flags().StringArrayVar(&configs, "config", nil, "backend config KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the plan without applying it")
	cmd.MarkFlagRequired("image")

	return cmd
}

func newNodeRemoveCommand() *cobra.Command {
	var (
		force  bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"remove"},
		Short:   "Remove a node from the lab",
		Long: `Remove a node's backing instance. A running node is only removed with
--force; removing a node that does not exist is a no-op.`,
		Example: `  # Remove a stopped node
  labforge node rm web

  # Stop and remove a running node
  labforge node rm web --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			log.Info().Str("node", name).Bool("force", force).Msg("Removing node")

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, done := app.span(ctx, "labforge.node.rm")
			defer done()

			return app.orch.RemoveNode(ctx, name, force, dryRun)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "stop a running node before removing it")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the plan without applying it")

	return cmd
}

func newNodeListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the lab's nodes and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			statuses, err := app.orch.List(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(statuses)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tSTATE")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\n", s.Name, s.State)
			}
			return w.Flush()
		},
	}

	return cmd
}

// parsePairs turns repeated KEY=VALUE flags into a map. Entries without an
// equals sign become empty-valued keys.
func parsePairs(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		m[key] = value
	}
	return m
}
