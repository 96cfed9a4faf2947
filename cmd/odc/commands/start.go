package commands

import "github.com/spf13/cobra"

func newStartCommand() *cobra.Command {
	return newLifecycleCommand("start", "Start processing",
		`Issue Run to every device, moving the fleet from Ready to Running.`)
}
