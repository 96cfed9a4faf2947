package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetctl/odc/pkg/api"
	"github.com/fleetctl/odc/pkg/engine"
)

func newClient() *api.Client {
	return api.NewClient(serverAddr, nil)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// finish prints env and turns a failed envelope into an error so the process
// exits non-zero.
func finish(cmd *cobra.Command, env *engine.Envelope) error {
	if err := printJSON(cmd.OutOrStdout(), env); err != nil {
		return err
	}
	if env.OK() {
		return nil
	}
	if env.Error == nil {
		return errors.New("command failed")
	}
	return errors.New(env.Error.Msg)
}

// newLifecycleCommand builds a client command for one of the parameterless
// routes of the API.
func newLifecycleCommand(route, short, long string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   route,
		Short: short,
		Long:  long,
		Example: fmt.Sprintf(`  odc %s
  odc %s --timeout 2m --server 10.0.0.5:8080`, route, route),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClient().Command(cmd.Context(), route, timeout)
			if err != nil {
				return err
			}
			return finish(cmd, env)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override the per-wait deadline, rounded up to whole seconds (default from server config)")
	return cmd
}
