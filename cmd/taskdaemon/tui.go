package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// tuiCmd is an anchor for the CLI surface spec.md names. The terminal
// dashboard itself is out of scope (spec.md's OVERVIEW lists it as an
// external collaborator); `status --watch` is the supported substitute
// for watching execution state from a terminal.
var tuiCmd = &cobra.Command{
	Use:    "tui",
	Short:  "Interactive terminal dashboard (not implemented)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), "the terminal dashboard is not part of this build; try `taskdaemon status --watch`")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}
