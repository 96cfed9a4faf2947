package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fleetctl/odc/pkg/api"
	"github.com/fleetctl/odc/pkg/config"
)

// teardownTimeout bounds the final Shutdown of the session when serve exits.
const teardownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	var (
		listen   string
		watch    bool
		keepSess bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller",
		Long: `Run the odc controller and its HTTP API.

The controller owns at most one session at a time. Commands sent by the other
odc subcommands are executed one after another; a command arriving while
another one runs waits for it.

With --watch the config file is reloaded when it changes: control settings
and policy limits apply from the next command on. Policy files listed under
policy.paths are always watched.

On exit the current session is shut down unless --keep-session is given.`,
		Example: `  # Serve with defaults on 127.0.0.1:8080
  odc serve

  # Serve a config file and pick up edits to it
  odc serve --config ./odc.yaml --watch --listen 0.0.0.0:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddress = listen
			}

			ctx := cmd.Context()
			ctrl, err := buildController(ctx, cfg, buildOptions{})
			if err != nil {
				return err
			}
			log.Logger = ctrl.logger
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := ctrl.Close(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to close controller cleanly")
				}
			}()

			if ctrl.policy != nil && len(cfg.Policy.Paths) > 0 {
				if err := ctrl.policy.Watch(ctx, cfg.Policy.Paths); err != nil {
					return err
				}
			}
			if watch {
				if err := config.Watch(ctx, configPath, ctrl.logger, func(next *config.Config) {
					ctrl.reload(ctx, next)
				}); err != nil {
					return err
				}
			}

			srvCfg := api.Config{
				Address:           cfg.Server.ListenAddress,
				ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
				ShutdownTimeout:   cfg.Server.ShutdownTimeout,
				Metrics:           ctrl.tel.Metrics.Handler(),
			}
			if ctrl.store != nil {
				srvCfg.History = ctrl.store
			}
			server := api.NewServer(ctrl.svc, srvCfg, ctrl.logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Serve(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				if keepSess {
					return nil
				}
				teardownCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
				defer cancel()
				if env := ctrl.svc.Shutdown(teardownCtx); !env.OK() {
					log.Warn().Str("error", env.Error.Msg).Msg("Session teardown failed")
				}
				return nil
			})

			log.Info().
				Str("address", cfg.Server.ListenAddress).
				Str("backend", cfg.Backend.Kind).
				Msg("odc controller started")

			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default from config, 127.0.0.1:8080)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the config file when it changes")
	cmd.Flags().BoolVar(&keepSess, "keep-session", false, "leave the session running on exit")

	return cmd
}
