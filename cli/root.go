// Package cli wires the sembridge commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sembridge",
	Short: "Keep a workspace semantically searchable while its remote index lags",
	Long: `sembridge bridges the gap between local edits and a server-built semantic
index. It publishes files the server cannot index itself, and at query time
fuses remote, locally ingested, and locally modified sources into one answer.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
