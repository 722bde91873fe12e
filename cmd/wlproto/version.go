package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version info set with -ldflags
	Version = "0.1.0-dev"
	Commit  = "unknown"
	Date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "wlproto %s\n", Version)
		fmt.Fprintf(out, "commit: %s\n", Commit)
		fmt.Fprintf(out, "built: %s\n", Date)
	},
}
