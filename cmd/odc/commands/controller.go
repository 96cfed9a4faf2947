package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/config"
	"github.com/fleetctl/odc/pkg/engine"
	"github.com/fleetctl/odc/pkg/policy"
	"github.com/fleetctl/odc/pkg/sim"
	"github.com/fleetctl/odc/pkg/stores"
	"github.com/fleetctl/odc/pkg/telemetry"
)

// controller is the in-process control service with everything it is wired
// to. serve exposes it over HTTP, run drives it directly.
type controller struct {
	cfg     *config.Config
	logger  zerolog.Logger
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	policy  *policy.Engine
	backend *sim.Cluster
	svc     *engine.Service
}

// buildOptions adjusts buildController for the calling command.
type buildOptions struct {
	// storePath replaces the configured history database when set.
	storePath string
}

func buildController(ctx context.Context, cfg *config.Config, opts buildOptions) (*controller, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	c := &controller{
		cfg:    cfg,
		logger: tel.Logger.Zerolog(),
		tel:    tel,
	}

	engineOpts := []engine.Option{
		engine.WithConfig(cfg.Control),
		engine.WithTelemetry(tel),
	}

	if cfg.Store.Enabled {
		path := cfg.Store.Path
		if opts.storePath != "" {
			path = opts.storePath
		}
		c.store, err = stores.Open(ctx, stores.Config{Path: path})
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		engineOpts = append(engineOpts, engine.WithHistory(c.store, cfg.Store.MaxRecords))
		c.logger.Info().Str("path", path).Msg("Command history enabled")
	}

	if cfg.Policy.Enabled {
		c.policy, err = policy.NewEngine(c.logger, policy.WithLimits(limitsOf(cfg)))
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		engineOpts = append(engineOpts, engine.WithAdmitter(c.policy))
	}

	switch cfg.Backend.Kind {
	case "sim":
		c.backend = sim.New(sim.Options{
			AgentStartDelay: cfg.Backend.AgentStartDelay,
			TransitionDelay: cfg.Backend.TransitionDelay,
			Logger:          c.logger,
		})
	default:
		_ = c.Close(ctx)
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
	}

	c.svc, err = engine.New(engine.Deps{
		Sessions: c.backend,
		RMS:      c.backend,
		Devices:  c.backend,
	}, engineOpts...)
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}

	tel.Events.Subscribe(func(e telemetry.Event) {
		c.logger.Info().
			Str("event", e.Type).
			Str("command_id", e.CommandID).
			Str("session_id", e.SessionID).
			Msg(e.Message)
	}, telemetry.FilterByType(
		telemetry.EventTypeSessionCreated,
		telemetry.EventTypeSessionDestroyed,
		telemetry.EventTypeFleetState,
	))

	return c, nil
}

// reload applies a changed config file. Only the control section and the
// policy limits take effect while running.
func (c *controller) reload(ctx context.Context, cfg *config.Config) {
	c.svc.SetConfig(cfg.Control)
	if c.policy != nil {
		if err := c.policy.SetLimits(ctx, limitsOf(cfg)); err != nil {
			c.logger.Error().Err(err).Msg("Failed to apply policy limits")
		}
	}
}

// Close releases the store and flushes telemetry.
func (c *controller) Close(ctx context.Context) error {
	var errs []error
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	if c.tel != nil {
		errs = append(errs, c.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func limitsOf(cfg *config.Config) policy.Limits {
	return policy.Limits{
		MaxWorkers: cfg.Policy.MaxWorkers,
		AllowedRMS: cfg.Policy.AllowedRMS,
	}
}
