package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/labforge/labforge/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [node]",
		Short: "Show the lab's node states",
		Long: `Show every node the backend knows about for this lab, or the state of a
single named node.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if len(args) == 1 {
				state, err := app.orch.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(engine.NodeStatus{Name: args[0], State: state})
				}
				fmt.Printf("%s: %s\n", args[0], state)
				return nil
			}

			statuses, err := app.orch.List(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(statuses)
			}

			fmt.Printf("Lab %s (%s backend)\n\n", app.cfg.Name, app.cfg.Backend)
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
