package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that records nothing. Spans are still created.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	tracer, _ := NewTracer(TracingConfig{}, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  tracer,
		Metrics: &Metrics{},
		Events:  &EventPublisher{},
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops event delivery and flushes the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// Stage is one instrumented step of a command pipeline.
type Stage struct {
	Ctx  context.Context
	Span trace.Span

	command string
	name    string
	timer   *Timer
	tel     *Telemetry
}

// StartStage begins a stage span and timer under ctx.
func (t *Telemetry) StartStage(ctx context.Context, command, name string) *Stage {
	spanCtx, span := t.Tracer.StartStageSpan(ctx, command, name)
	return &Stage{
		Ctx:     spanCtx,
		Span:    span,
		command: command,
		name:    name,
		timer:   NewTimer(),
		tel:     t,
	}
}

// End records the stage outcome. kind classifies err and is ignored on success.
func (s *Stage) End(err error, kind string) {
	if err != nil {
		RecordError(s.Span, err)
		s.Span.SetAttributes(AttrErrorKind.String(kind))
		s.tel.Metrics.RecordStage(s.command, s.name, kind, s.timer.Duration())
	} else {
		RecordSuccess(s.Span)
		s.tel.Metrics.RecordStage(s.command, s.name, "", s.timer.Duration())
	}
	s.Span.End()
}
