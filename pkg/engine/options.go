package engine

import (
	"context"
	"time"

	"github.com/fleetctl/odc/pkg/config"
	"github.com/fleetctl/odc/pkg/rms"
	"github.com/fleetctl/odc/pkg/telemetry"
)

// Option configures a Service.
type Option func(*Service)

// WithConfig sets the deadlines and sizing of the commands.
func WithConfig(c config.Control) Option {
	return func(s *Service) {
		s.ctrl = c
	}
}

// WithTelemetry sets logger, tracer, metrics and events at once.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Service) {
		s.tel = &telemetry.Telemetry{
			Logger:  t.Logger,
			Tracer:  t.Tracer,
			Metrics: t.Metrics,
			Events:  t.Events,
			Config:  t.Config,
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Service) {
		s.tel.Logger = l
	}
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) {
		s.tel.Metrics = m
	}
}

// WithTracer sets the tracer for command and stage spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Service) {
		s.tel.Tracer = t
	}
}

// WithEvents sets the event publisher.
func WithEvents(e *telemetry.EventPublisher) Option {
	return func(s *Service) {
		s.tel.Events = e
	}
}

// WithHistory records every envelope and session episode in h. When keep is
// positive older command records beyond keep are pruned.
func WithHistory(h History, keep int) Option {
	return func(s *Service) {
		s.history = h
		s.historyKeep = keep
	}
}

// WithAdmitter checks every submission against a before it is sent.
func WithAdmitter(a rms.Admitter) Option {
	return func(s *Service) {
		s.admitter = a
	}
}

// WithDetailedErrorCodes reports one error code per failure kind instead of
// the generic code.
func WithDetailedErrorCodes() Option {
	return func(s *Service) {
		s.detailed = true
	}
}

// CallOption adjusts a single command call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	queue   context.Context
}

// WithTimeout overrides the per-wait deadline for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// WithQueueContext bounds only the wait for the command slot. Once the
// command runs it is governed by the context passed to the call, so a caller
// that goes away while queued gives up its turn without cutting a running
// command short.
func WithQueueContext(ctx context.Context) CallOption {
	return func(o *callOptions) {
		o.queue = ctx
	}
}
