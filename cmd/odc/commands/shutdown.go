package commands

import "github.com/spf13/cobra"

func newShutdownCommand() *cobra.Command {
	return newLifecycleCommand("shutdown", "Tear the session down",
		`Shut the current session down and release its agents.

Shutting down when no session exists succeeds.`)
}
