package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the control service. All Record
// and Set methods are safe on a disabled or nil instance.
type Metrics struct {
	config MetricsConfig

	// Command metrics
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	commandsRunning prometheus.Gauge
	commandsBusy    *prometheus.CounterVec

	// Stage metrics
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec

	// Fleet metrics
	sessionActive prometheus.Gauge
	activeAgents  prometheus.Gauge
	fleetState    *prometheus.GaugeVec

	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.CommandBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of control commands by outcome",
			},
			[]string{"command", "status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of control commands in seconds",
				Buckets:   buckets,
			},
			[]string{"command", "status"},
		),
		commandsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "commands_running",
				Help:      "Number of commands currently executing",
			},
		),
		commandsBusy: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_rejected_busy_total",
				Help:      "Commands that gave up waiting for another command to finish",
			},
			[]string{"command"},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of command pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"command", "stage"},
		),
		stageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Total number of failed pipeline stages",
			},
			[]string{"command", "stage", "kind"},
		),

		sessionActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_active",
				Help:      "Whether a session is currently open (1) or not (0)",
			},
		),
		activeAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_agents",
				Help:      "Number of active agents last observed",
			},
		),
		fleetState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "fleet_state",
				Help:      "Last aggregated device state (1 for the current state)",
			},
			[]string{"state"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of command errors by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.commandsTotal,
		m.commandDuration,
		m.commandsRunning,
		m.commandsBusy,
		m.stageDuration,
		m.stageFailures,
		m.sessionActive,
		m.activeAgents,
		m.fleetState,
		m.errorsByKind,
	)

	return m, nil
}

// Command Metrics

// RecordCommandStarted marks a command as executing.
func (m *Metrics) RecordCommandStarted() {
	if m == nil || m.commandsRunning == nil {
		return
	}
	m.commandsRunning.Inc()
}

// RecordCommandCompleted records the outcome and duration of a command.
func (m *Metrics) RecordCommandCompleted(command, status string, duration time.Duration) {
	if m == nil || m.commandsTotal == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command, status).Inc()
	m.commandDuration.WithLabelValues(command, status).Observe(duration.Seconds())
	m.commandsRunning.Dec()
}

// RecordCommandBusy counts a command that never got to run.
func (m *Metrics) RecordCommandBusy(command string) {
	if m == nil || m.commandsBusy == nil {
		return
	}
	m.commandsBusy.WithLabelValues(command).Inc()
}

// Stage Metrics

// RecordStage records one pipeline stage. kind is empty on success.
func (m *Metrics) RecordStage(command, stage, kind string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(command, stage).Observe(duration.Seconds())
	if kind != "" {
		m.stageFailures.WithLabelValues(command, stage, kind).Inc()
	}
}

// RecordError records a command error by kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil || m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Fleet Metrics

// SetSessionActive records whether a session is open.
func (m *Metrics) SetSessionActive(active bool) {
	if m == nil || m.sessionActive == nil {
		return
	}
	value := 0.0
	if active {
		value = 1.0
	}
	m.sessionActive.Set(value)
}

// SetActiveAgents records the last observed active agent count.
func (m *Metrics) SetActiveAgents(count int) {
	if m == nil || m.activeAgents == nil {
		return
	}
	m.activeAgents.Set(float64(count))
}

// SetFleetState records the last aggregated device state.
func (m *Metrics) SetFleetState(state string) {
	if m == nil || m.fleetState == nil {
		return
	}
	m.fleetState.Reset()
	if state != "" {
		m.fleetState.WithLabelValues(state).Set(1)
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry returns the registry backing the metrics, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
