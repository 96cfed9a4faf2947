package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetctl/odc/pkg/api"
	"github.com/fleetctl/odc/pkg/config"
	"github.com/fleetctl/odc/pkg/engine"
	"github.com/fleetctl/odc/pkg/stores"
)

var defaultSteps = []string{"initialize", "configure", "start", "stop", "terminate", "shutdown"}

func newRunCommand() *cobra.Command {
	var (
		steps     []string
		runFor    time.Duration
		storePath string
	)

	cmd := &cobra.Command{
		Use:   "run <topology>",
		Short: "Drive a topology through a command sequence in-process",
		Long: `Build a controller in this process and run a sequence of commands
against it, printing one JSON envelope per line.

The sequence stops at the first failing command. If a session is still open
at that point it is shut down. No server is needed; the backend and policy
come from the config file.`,
		Example: `  # Full lifecycle, processing for 30 seconds
  odc run ./example.yaml --run-for 30s

  # Only bring the fleet to Ready and tear down
  odc run ./example.yaml --steps initialize,configure,shutdown`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			for _, step := range steps {
				if _, ok := api.Routes[step]; !ok {
					return fmt.Errorf("unknown step %q, want one of %s", step, strings.Join(defaultSteps, ","))
				}
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			ctrl, err := buildController(ctx, cfg, buildOptions{storePath: storePath})
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = ctrl.Close(closeCtx)
			}()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, step := range steps {
				env := runStep(ctx, ctrl.svc, step, path)
				if err := enc.Encode(env); err != nil {
					return err
				}
				if !env.OK() {
					teardown(ctrl.svc, step)
					return fmt.Errorf("%s", env.Error.Msg)
				}

				if step == "start" && runFor > 0 {
					log.Info().Dur("duration", runFor).Msg("Processing")
					select {
					case <-ctx.Done():
						teardown(ctrl.svc, step)
						return ctx.Err()
					case <-time.After(runFor):
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&steps, "steps", defaultSteps, "commands to run, in order")
	cmd.Flags().DurationVar(&runFor, "run-for", 0, "time to stay in Running after start")
	cmd.Flags().StringVar(&storePath, "history-db", stores.MemoryPath, "history database for this run")

	return cmd
}

func runStep(ctx context.Context, svc *engine.Service, step, topologyPath string) *engine.Envelope {
	switch api.Routes[step] {
	case engine.CommandInitialize:
		return svc.Initialize(ctx, engine.InitializeParams{TopologyPath: topologyPath})
	case engine.CommandConfigureRun:
		return svc.ConfigureRun(ctx)
	case engine.CommandStart:
		return svc.Start(ctx)
	case engine.CommandStop:
		return svc.Stop(ctx)
	case engine.CommandTerminate:
		return svc.Terminate(ctx)
	default:
		return svc.Shutdown(ctx)
	}
}

// teardown shuts an open session down after the sequence was cut short.
func teardown(svc *engine.Service, failed string) {
	if failed == "shutdown" || svc.Status().SessionStatus != "created" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if env := svc.Shutdown(ctx); !env.OK() {
		log.Warn().Str("error", env.Error.Msg).Msg("Session teardown failed")
	}
}
