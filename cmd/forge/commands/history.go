package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHistoryCommand(version string) *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history FUNCTION_ID",
		Short: "Show deploy history",
		Long: `Show the most recent deploy runs of a function, newest first.

With --run the progress events of a single run are printed instead.`,
		Example: `  # Last 10 runs
  forge history 3f2a9c1e-7d4b-4e8a-9a51-2f0c6e8b1d47 --limit 10

  # Events of one run
  forge history 3f2a9c1e-7d4b-4e8a-9a51-2f0c6e8b1d47 --run 9b0c2d7e-51a3-4f6e-8d2b-7e4a1c3f5b60`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

			if runID != "" {
				events, err := a.history.ListEvents(cmd.Context(), runID)
				if err != nil {
					return fmt.Errorf("failed to list events: %w", err)
				}
				if jsonOutput {
					return printJSON(events)
				}
				fmt.Fprintln(w, "TIME\tSTAGE\tATTEMPT\tMESSAGE")
				for _, e := range events {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.CreatedAt.Format("15:04:05"), e.Stage, e.Attempt, e.Message)
				}
				return w.Flush()
			}

			runs, err := a.history.ListRuns(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			if jsonOutput {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Println("No deploy runs found")
				return nil
			}

			fmt.Fprintln(w, "RUN\tKIND\tOUTCOME\tSTARTED\tATTEMPTS\tENDPOINT")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.Kind, r.Outcome, r.StartedAt.Format("2006-01-02 15:04:05"), r.Attempts, r.Endpoint.ValueOrZero())
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "show the events of this run")

	return cmd
}
