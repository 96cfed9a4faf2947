package commands

import (
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetctl/odc/pkg/api"
	"github.com/fleetctl/odc/pkg/engine"
)

func newInitializeCommand() *cobra.Command {
	var (
		rmsPlugin string
		rmsConfig string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "initialize <topology>",
		Short: "Provision agents and activate a topology",
		Long: `Prepare a fresh session for the given topology.

Any existing session is shut down first. The controller then creates a new
session, requests enough agents for the topology, waits for them to become
active, activates the topology on them and binds the resulting devices.

The topology path is resolved on the server, so relative paths are turned
into absolute ones before they are sent.`,
		Example: `  # Initialize on the locally configured resource manager
  odc initialize ./topologies/example.yaml

  # Use a specific plugin and its configuration
  odc initialize ./example.yaml --rms slurm --rms-config ./slurm.cfg --timeout 10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			env, err := newClient().Initialize(cmd.Context(), api.InitializeRequest{
				InitializeParams: engine.InitializeParams{
					TopologyPath: path,
					RMS:          rmsPlugin,
					ConfigFile:   rmsConfig,
				},
				TimeoutSeconds: api.TimeoutSeconds(timeout),
			})
			if err != nil {
				return err
			}
			return finish(cmd, env)
		},
	}

	cmd.Flags().StringVar(&rmsPlugin, "rms", "", "resource manager plugin (default from server config)")
	cmd.Flags().StringVar(&rmsConfig, "rms-config", "", "resource manager plugin configuration file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override the per-wait deadline, rounded up to whole seconds")

	return cmd
}
