package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flashembed/flashembed/internal/infra/engine"
)

func init() {
	rootCmd.AddCommand(backendsCmd)
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List available inference backends",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDESCRIPTION")
		for _, b := range engine.Backends() {
			fmt.Fprintf(w, "%s\t%s\n", b.Name, b.Description)
		}
		return w.Flush()
	},
}
