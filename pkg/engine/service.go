package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/config"
	"github.com/fleetctl/odc/pkg/fault"
	"github.com/fleetctl/odc/pkg/fleet"
	"github.com/fleetctl/odc/pkg/rms"
	"github.com/fleetctl/odc/pkg/session"
	"github.com/fleetctl/odc/pkg/stores"
	"github.com/fleetctl/odc/pkg/telemetry"
)

// Deps are the remote collaborators a Service drives.
type Deps struct {
	Sessions session.Manager
	RMS      rms.Client
	Devices  fleet.Runtime
}

// History stores command envelopes and session episodes.
type History interface {
	RecordCommand(ctx context.Context, cmd *stores.Command) error
	PruneCommands(ctx context.Context, keep int) (int64, error)
	RecordSessionCreated(ctx context.Context, id, topology string, at time.Time) error
	RecordSessionDestroyed(ctx context.Context, id string, at time.Time) error
}

// call is the state of one running command.
type call struct {
	id      string
	command Command
	ctrl    config.Control
	timeout time.Duration
	logger  zerolog.Logger
}

// commandFunc is the body of a command.
type commandFunc func(ctx context.Context, c *call) error

// exec serializes a command, instruments it and turns its outcome into an
// envelope. It never returns nil. The queue context, when given, replaces ctx
// while waiting for the slot only.
func (s *Service) exec(ctx context.Context, cmd Command, opts []CallOption, fn commandFunc) *Envelope {
	timer := telemetry.NewTimer()

	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	c := &call{
		id:      uuid.New().String(),
		command: cmd,
	}
	c.logger = s.logger.With().
		Str("command", string(cmd)).
		Str("command_id", c.id).
		Logger()

	queue := ctx
	if o.queue != nil {
		queue = o.queue
	}

	select {
	case s.slot <- struct{}{}:
	case <-queue.Done():
		err := fault.Busy("another command is running", queue.Err()).WithOp(string(cmd))
		c.logger.Warn().Err(err).Msg("Command rejected")
		s.tel.Metrics.RecordCommandBusy(string(cmd))
		env := errorEnvelope(cmd, timer.Duration(), err, s.detailedCodes())
		s.record(c, env, err, time.Now().Add(-timer.Duration()))
		return env
	}
	defer func() { <-s.slot }()

	started := time.Now()
	c.ctrl = s.Config()
	c.timeout = c.ctrl.Timeout()
	if o.timeout > 0 {
		c.timeout = o.timeout
	}

	ctx, span := s.tel.Tracer.StartCommandSpan(ctx, string(cmd))
	defer span.End()

	s.tel.Metrics.RecordCommandStarted()
	_ = s.tel.Events.PublishCommandStarted(c.id, string(cmd))
	c.logger.Info().Dur("timeout", c.timeout).Msg("Command started")

	err := fn(ctx, c)
	elapsed := timer.Duration()
	sessionID := s.sessionIDString()

	var env *Envelope
	if err != nil {
		kind := fault.KindOf(err)
		env = errorEnvelope(cmd, elapsed, err, s.detailedCodes())

		telemetry.RecordError(span, err)
		span.SetAttributes(
			telemetry.AttrErrorKind.String(string(kind)),
			telemetry.AttrErrorCode.Int(env.Error.Code),
		)
		s.tel.Metrics.RecordError(string(kind))
		s.tel.Metrics.RecordCommandCompleted(string(cmd), string(StatusError), elapsed)
		_ = s.tel.Events.PublishCommandFailed(c.id, string(cmd), sessionID, string(kind), err.Error())

		c.logger.Error().
			Err(err).
			Str("kind", string(kind)).
			Int64("exec_time_ms", env.ExecTimeMs).
			Msg("Command failed")
	} else {
		env = okEnvelope(cmd, elapsed)

		telemetry.RecordSuccess(span)
		s.tel.Metrics.RecordCommandCompleted(string(cmd), string(StatusOK), elapsed)
		_ = s.tel.Events.PublishCommandCompleted(c.id, string(cmd), sessionID, elapsed)

		c.logger.Info().Int64("exec_time_ms", env.ExecTimeMs).Msg("Command done")
	}
	if sessionID != "" {
		span.SetAttributes(telemetry.AttrSessionID.String(sessionID))
	}

	s.record(c, env, err, started)
	return env
}

// stage runs one step of a command pipeline under its own span.
func (s *Service) stage(ctx context.Context, c *call, name string, fn func(ctx context.Context) error) error {
	st := s.tel.StartStage(ctx, string(c.command), name)
	c.logger.Debug().Str("stage", name).Msg("Stage started")

	err := fn(st.Ctx)

	kind := ""
	if err != nil {
		kind = string(fault.KindOf(err))
		c.logger.Error().Err(err).Str("stage", name).Msg("Stage failed")
		_ = s.tel.Events.PublishStageFailed(c.id, string(c.command), name, err.Error())
	}
	st.End(err, kind)
	return err
}

// step is a named pipeline stage.
type step struct {
	name string
	fn   func(ctx context.Context) error
}

// pipeline runs steps in order; each runs only if all previous ones
// succeeded.
func (s *Service) pipeline(ctx context.Context, c *call, steps ...step) error {
	for _, st := range steps {
		if err := s.stage(ctx, c, st.name, st.fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) record(c *call, env *Envelope, err error, started time.Time) {
	if s.history == nil {
		return
	}

	rec := &stores.Command{
		ID:         c.id,
		Command:    string(c.command),
		Status:     stores.CommandStatus(env.Status),
		Message:    env.Msg,
		ExecTimeMs: env.ExecTimeMs,
		SessionID:  s.sessionIDString(),
		Topology:   s.topologyPath(),
		StartedAt:  started,
	}
	if env.Error != nil {
		rec.ErrorCode = env.Error.Code
		rec.ErrorMsg = env.Error.Msg
		rec.ErrorKind = string(fault.KindOf(err))
	}

	// History must not fail a command; it outlives the caller's context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.history.RecordCommand(ctx, rec); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record command history")
		return
	}
	if s.historyKeep > 0 {
		if _, err := s.history.PruneCommands(ctx, s.historyKeep); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to prune command history")
		}
	}
}

func (s *Service) recordSession(c *call, id session.ID, topology string, created bool) {
	_ = s.tel.Events.PublishSessionChanged(c.id, id.String(), created)
	s.tel.Metrics.SetSessionActive(created)

	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if created {
		err = s.history.RecordSessionCreated(ctx, id.String(), topology, time.Now())
	} else {
		err = s.history.RecordSessionDestroyed(ctx, id.String(), time.Now())
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", id.String()).Msg("Failed to record session history")
	}
}

func (s *Service) detailedCodes() bool {
	return s.detailed || s.Config().DetailedErrorCodes
}

// errUnbound is returned by transition commands before a successful
// Initialize.
func errUnbound(cmd Command) error {
	return fault.Session(fmt.Sprintf("no devices bound, run %s first", CommandInitialize), nil).
		WithOp(string(cmd))
}
