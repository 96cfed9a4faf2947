package commands

import "github.com/spf13/cobra"

func newConfigureCommand() *cobra.Command {
	return newLifecycleCommand("configure", "Configure the devices for a run",
		`Move every device from Idle to Ready.

The transitions InitDevice, CompleteInit, Bind, Connect and InitTask are
issued in order. The first one that fails ends the command and later ones
are never sent.`)
}
