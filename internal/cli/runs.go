package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runsLimit int

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum runs to show")
	rootCmd.AddCommand(runsCmd)
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

func runRuns(cmd *cobra.Command, args []string) error {
	db, err := openLedger()
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(runsLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded yet. Start one with 'flashembed run --data-path <path>'.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tBACKEND\tFORMAT\tDONE\tFAILED\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			shortID(r.ID),
			r.Status,
			r.Backend,
			r.Format,
			r.Done,
			r.Failed,
			formatTime(r.StartedAt),
			r.Duration().Round(time.Millisecond),
		)
	}
	return w.Flush()
}
