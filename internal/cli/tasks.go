package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flashembed/flashembed/internal/domain"
)

var tasksState string

func init() {
	tasksCmd.Flags().StringVar(&tasksState, "state", "", "Only show tasks in this state (done, failed, ...)")
	rootCmd.AddCommand(tasksCmd)
}

var tasksCmd = &cobra.Command{
	Use:   "tasks [RUN_ID]",
	Short: "Show per-item outcomes of a run (latest run by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTasks,
}

func runTasks(cmd *cobra.Command, args []string) error {
	var state domain.TaskState
	if tasksState != "" {
		st, ok := domain.ParseTaskState(tasksState)
		if !ok {
			return fmt.Errorf("unknown task state %q", tasksState)
		}
		state = st
	}

	db, err := openLedger()
	if err != nil {
		return err
	}
	defer db.Close()

	var run *domain.Run
	if len(args) == 1 {
		run, err = db.GetRun(args[0])
	} else {
		run, err = db.LatestRun()
	}
	if err != nil {
		return err
	}

	tasks, err := db.ListTasks(run.ID, state)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s (%s): %d done, %d failed\n\n", shortID(run.ID), run.Status, run.Done, run.Failed)
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No matching tasks.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tSTATE\tRETRIES\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.UID, t.State, t.Retries, t.LastError)
	}
	return w.Flush()
}
