package commands

import "github.com/spf13/cobra"

func newTerminateCommand() *cobra.Command {
	return newLifecycleCommand("terminate", "Reset and end the devices",
		`Move every device from Ready to Exiting.

The transitions ResetTask, ResetDevice and End are issued in order. The
session and its agents stay up; use shutdown to release them.`)
}
