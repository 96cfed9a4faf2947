package commands

import "github.com/spf13/cobra"

func newStopCommand() *cobra.Command {
	return newLifecycleCommand("stop", "Stop processing",
		`Issue Stop to every device, moving the fleet from Running back to Ready.`)
}
