package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultServer = "127.0.0.1:8080"

var (
	// Global flags
	configPath string
	serverAddr string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "odc",
		Short: "odc - online device control",
		Long: `odc drives a distributed processing topology through its lifecycle.

A controller process (odc serve) owns one provisioning session: it requests
agents from a resource manager, activates a topology on them and moves every
device through the state machine. The other commands talk to it over HTTP:

  initialize  - create a session, provision agents, activate and bind
  configure   - InitDevice, CompleteInit, Bind, Connect, InitTask
  start       - Run
  stop        - Stop
  terminate   - ResetTask, ResetDevice, End
  shutdown    - tear the session down

Each command prints one JSON envelope and exits non-zero when it failed.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	server := os.Getenv("ODC_SERVER")
	if server == "" {
		server = defaultServer
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", server, "address of the odc server (env ODC_SERVER)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newInitializeCommand())
	rootCmd.AddCommand(newConfigureCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newTerminateCommand())
	rootCmd.AddCommand(newShutdownCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
