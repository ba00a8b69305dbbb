package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		runID  string
		events bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the lab's run journal",
		Long: `List the plans this lab has executed, newest first. With --run, show the
per-action outcomes of one run; with --events, show recorded lab events
instead of runs.`,
		Example: `  # Last 20 runs
  labforge history

  # Actions of one run
  labforge history --run 4f1c...

  # Up/down event records
  labforge history --events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if app.journal == nil {
				return fmt.Errorf("run journal is unavailable")
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

			switch {
			case runID != "":
				actions, err := app.journal.RunActions(ctx, runID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(actions)
				}
				fmt.Fprintln(w, "SEQ\tSTATUS\tDESCRIPTION\tERROR")
				for _, a := range actions {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", a.Seq, a.Status, a.Description, a.Error)
				}

			case events:
				evts, err := app.journal.ListEvents(ctx, app.cfg.Name, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(evts)
				}
				fmt.Fprintln(w, "AT\tCOMMAND\tDETAILS")
				for _, e := range evts {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.At.Local().Format(time.RFC3339), e.Command, e.Details)
				}

			default:
				runs, err := app.journal.ListRuns(ctx, app.cfg.Name, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(runs)
				}
				fmt.Fprintln(w, "ID\tCOMMAND\tUSER\tSTATUS\tSTARTED")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.Command, r.User, r.Status, r.StartedAt.Local().Format(time.RFC3339))
				}
			}

			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum entries to show")
	cmd.Flags().StringVar(&runID, "run", "", "show the actions of one run")
	cmd.Flags().BoolVar(&events, "events", false, "show lab events instead of runs")

	return cmd
}
