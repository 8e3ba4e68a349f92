// Package cli implements the flashembed command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "flashembed",
	Short: "flashembed: batch embedding pipeline for image and caption datasets",
	Long: `flashembed streams images (and optional captions) from WebDataset shards or
a directory, decodes and batches them, runs them through an embedding model,
and writes the vectors to disk.

Runs are recorded in $FLASHEMBED_HOME/state.db.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config.toml (default $FLASHEMBED_HOME/config.toml)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
