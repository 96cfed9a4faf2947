package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetctl/odc/pkg/config"
	"github.com/fleetctl/odc/pkg/topology"
)

// topologySummary is what validate prints for a loadable topology.
type topologySummary struct {
	Name          string          `json:"name"`
	Path          string          `json:"path"`
	Tasks         []topology.Task `json:"tasks"`
	Instances     int             `json:"instances"`
	GroupCapacity int             `json:"groupCapacity"`
	Shape         topology.Shape  `json:"shape"`
	TotalRequired int             `json:"totalRequired"`
}

func newValidateCommand() *cobra.Command {
	var groupCapacity int

	cmd := &cobra.Command{
		Use:   "validate <topology>",
		Short: "Validate a topology and show the agents it needs",
		Long: `Load a YAML or CUE topology file, validate it and print the agent
shape Initialize would request for it.

The group capacity comes from --group-capacity, or from the control section
of the config file when the flag is not set. Runs locally; no server needed.`,
		Example: `  odc validate ./example.yaml
  odc validate ./example.cue --group-capacity 8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("group-capacity") {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				groupCapacity = cfg.Control.GroupCapacity
			}

			desc, err := topology.Load(args[0], groupCapacity)
			if err != nil {
				return err
			}

			log.Debug().
				Str("topology", desc.Name()).
				Str("shape", desc.Shape().String()).
				Msg("Topology is valid")

			return printJSON(cmd.OutOrStdout(), topologySummary{
				Name:          desc.Name(),
				Path:          desc.Path(),
				Tasks:         desc.Tasks(),
				Instances:     desc.Instances(),
				GroupCapacity: groupCapacity,
				Shape:         desc.Shape(),
				TotalRequired: desc.TotalRequired(),
			})
		},
	}

	cmd.Flags().IntVar(&groupCapacity, "group-capacity", topology.DefaultGroupCapacity, "workers one agent group hosts at most")
	return cmd
}
