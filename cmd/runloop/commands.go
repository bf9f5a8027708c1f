package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Version Command
// =============================================================================

// buildVersionCmd creates the "version" command. The root --version flag
// prints the same information; the subcommand form is script-friendly.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "runloop %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
