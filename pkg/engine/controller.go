package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/config"
	"github.com/fleetctl/odc/pkg/fleet"
	"github.com/fleetctl/odc/pkg/rms"
	"github.com/fleetctl/odc/pkg/session"
	"github.com/fleetctl/odc/pkg/telemetry"
	"github.com/fleetctl/odc/pkg/topology"
)

// Service is the control plane. It owns the session and the bound device
// fleet and runs at most one command at a time.
type Service struct {
	deps Deps

	tel         *telemetry.Telemetry
	logger      zerolog.Logger
	history     History
	historyKeep int
	admitter    rms.Admitter
	detailed    bool

	session   *session.Session
	requester *rms.Requester
	waiter    *session.Waiter

	// slot holds the token of the running command.
	slot chan struct{}

	mu       sync.RWMutex
	ctrl     config.Control
	fleet    *fleet.Fleet
	topology string
	last     Command
}

// New creates a Service over deps.
func New(deps Deps, opts ...Option) (*Service, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if deps.RMS == nil {
		return nil, fmt.Errorf("resource manager client is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device runtime is required")
	}

	s := &Service{
		deps: deps,
		tel:  telemetry.Nop(),
		ctrl: config.Default().Control,
		slot: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.tel.Logger.NewComponentLogger("engine").Zerolog()
	base := s.tel.Logger.Zerolog()

	s.session = session.New(deps.Sessions, base)
	var ropts []rms.RequesterOption
	if s.admitter != nil {
		ropts = append(ropts, rms.WithAdmitter(s.admitter))
	}
	s.requester = rms.NewRequester(deps.RMS, s.session, base, ropts...)
	s.waiter = session.NewWaiter(s.session, base)

	return s, nil
}

// Config returns the control settings the next command will use.
func (s *Service) Config() config.Control {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctrl
}

// SetConfig replaces the control settings. A running command keeps the
// settings it started with.
func (s *Service) SetConfig(c config.Control) {
	s.mu.Lock()
	s.ctrl = c
	s.mu.Unlock()
	s.logger.Info().
		Int("timeout_seconds", c.GlobalTimeoutSeconds).
		Int("group_capacity", c.GroupCapacity).
		Msg("Control settings updated")
}

// InitializeParams selects the topology and resource manager of Initialize.
// Empty RMS and ConfigFile fall back to the configured defaults.
type InitializeParams struct {
	TopologyPath string `json:"topology"`
	RMS          string `json:"rms,omitempty"`
	ConfigFile   string `json:"configFile,omitempty"`
}

// Initialize provisions agents for a topology and binds its devices. Any
// running session is shut down first. Each stage runs only if all previous
// stages succeeded, and the fleet is bound only when all of them did.
func (s *Service) Initialize(ctx context.Context, p InitializeParams, opts ...CallOption) *Envelope {
	return s.exec(ctx, CommandInitialize, opts, func(ctx context.Context, c *call) error {
		s.unbind()

		rmsKind := p.RMS
		if rmsKind == "" {
			rmsKind = c.ctrl.RMS
		}
		configFile := p.ConfigFile
		if configFile == "" {
			configFile = c.ctrl.RMSConfigFile
		}
		// The localhost plugin takes no configuration.
		if rmsKind == rms.LocalhostRMS {
			configFile = ""
		}

		var (
			topo *topology.Descriptor
			f    *fleet.Fleet
		)
		err := s.pipeline(ctx, c,
			step{"load_topology", func(ctx context.Context) error {
				var err error
				topo, err = topology.Load(p.TopologyPath, c.ctrl.GroupCapacity)
				if err != nil {
					return err
				}
				c.logger.Info().
					Str("topology", topo.Path()).
					Str("shape", topo.Shape().String()).
					Int("required", topo.TotalRequired()).
					Msg("Topology loaded")
				return nil
			}},
			step{"shutdown_session", func(ctx context.Context) error {
				return s.shutdownSession(ctx, c)
			}},
			step{"create_session", func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, c.timeout)
				defer cancel()
				id, err := s.session.Create(ctx)
				if err != nil {
					return err
				}
				s.recordSession(c, id, topo.Path(), true)
				return nil
			}},
			step{"submit", func(ctx context.Context) error {
				shape := topo.Shape()
				return s.requester.Submit(ctx, rms.SubmitRequest{
					RMS:        rmsKind,
					Instances:  shape.Groups,
					Slots:      shape.Slots,
					ConfigFile: configFile,
				}, c.timeout)
			}},
			step{"wait_agents", func(ctx context.Context) error {
				err := s.waiter.WaitForActiveCount(ctx, topo.TotalRequired(), session.WaitOptions{
					Timeout:      c.timeout,
					PollInterval: c.ctrl.PollInterval(),
					MaxPolls:     c.ctrl.AgentPollMaxAttempts,
				})
				if err == nil {
					s.tel.Metrics.SetActiveAgents(topo.TotalRequired())
				}
				return err
			}},
			step{"activate", func(ctx context.Context) error {
				_, err := s.requester.Activate(ctx, rms.ActivateRequest{
					TopologyPath:      topo.Path(),
					DisableValidation: true,
				}, c.timeout)
				return err
			}},
			step{"bind", func(ctx context.Context) error {
				var err error
				f, err = fleet.Bind(ctx, s.deps.Devices, s.session.ID(), topo.Path(), c.logger)
				return err
			}},
		)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.fleet = f
		s.topology = topo.Path()
		s.last = CommandInitialize
		s.mu.Unlock()
		s.tel.Metrics.SetFleetState(string(f.LastState()))
		return nil
	})
}

// ConfigureRun takes the devices from Idle to Ready.
func (s *Service) ConfigureRun(ctx context.Context, opts ...CallOption) *Envelope {
	return s.transition(ctx, CommandConfigureRun, fleet.ConfigureSequence, opts)
}

// Start runs the devices.
func (s *Service) Start(ctx context.Context, opts ...CallOption) *Envelope {
	return s.transition(ctx, CommandStart, fleet.StartSequence, opts)
}

// Stop stops running devices.
func (s *Service) Stop(ctx context.Context, opts ...CallOption) *Envelope {
	return s.transition(ctx, CommandStop, fleet.StopSequence, opts)
}

// Terminate resets the devices and ends them.
func (s *Service) Terminate(ctx context.Context, opts ...CallOption) *Envelope {
	return s.transition(ctx, CommandTerminate, fleet.TerminateSequence, opts)
}

// Shutdown tears the session down. It succeeds when there is none.
func (s *Service) Shutdown(ctx context.Context, opts ...CallOption) *Envelope {
	return s.exec(ctx, CommandShutdown, opts, func(ctx context.Context, c *call) error {
		err := s.stage(ctx, c, "shutdown_session", func(ctx context.Context) error {
			return s.shutdownSession(ctx, c)
		})
		if err != nil {
			return err
		}
		s.unbind()
		s.setLast(CommandShutdown)
		return nil
	})
}

// transition applies seq to the bound fleet, one stage per transition.
// Each transition waits up to the full timeout.
func (s *Service) transition(ctx context.Context, cmd Command, seq fleet.Sequence, opts []CallOption) *Envelope {
	return s.exec(ctx, cmd, opts, func(ctx context.Context, c *call) error {
		f := s.boundFleet()
		if f == nil {
			return errUnbound(cmd)
		}

		_, err := f.Apply(ctx, seq, c.timeout, func(ctx context.Context, t fleet.Transition, run func(context.Context) error) error {
			return s.stage(ctx, c, string(t), func(ctx context.Context) error {
				if err := run(ctx); err != nil {
					return err
				}
				state := f.LastState()
				s.tel.Metrics.SetFleetState(string(state))
				_ = s.tel.Events.PublishFleetState(c.id, f.SessionID().String(), string(t), string(state))
				return nil
			})
		})
		if err != nil {
			return err
		}
		s.setLast(cmd)
		return nil
	})
}

// shutdownSession tears down the running session, if any, within the
// command's timeout.
func (s *Service) shutdownSession(ctx context.Context, c *call) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id := s.session.ID()
	if err := s.session.Shutdown(ctx); err != nil {
		return err
	}
	if !id.IsNil() {
		s.recordSession(c, id, "", false)
	}
	return nil
}

func (s *Service) unbind() {
	s.mu.Lock()
	s.fleet = nil
	s.mu.Unlock()
	s.tel.Metrics.SetFleetState("")
}

func (s *Service) boundFleet() *fleet.Fleet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fleet
}

func (s *Service) setLast(cmd Command) {
	s.mu.Lock()
	s.last = cmd
	s.mu.Unlock()
}

func (s *Service) sessionIDString() string {
	id := s.session.ID()
	if id.IsNil() {
		return ""
	}
	return id.String()
}

func (s *Service) topologyPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topology
}

// Snapshot is the observable state of the control plane.
type Snapshot struct {
	SessionID     string `json:"sessionId,omitempty"`
	SessionStatus string `json:"sessionStatus"`
	FleetBound    bool   `json:"fleetBound"`
	FleetState    string `json:"fleetState,omitempty"`
	Topology      string `json:"topology,omitempty"`
	LastCommand   string `json:"lastCommand,omitempty"`
	Busy          bool   `json:"busy"`
}

// Status returns a snapshot without waiting for a running command.
func (s *Service) Status() Snapshot {
	snap := Snapshot{
		SessionID:     s.sessionIDString(),
		SessionStatus: s.session.Status().String(),
		Busy:          len(s.slot) > 0,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	snap.Topology = s.topology
	snap.LastCommand = string(s.last)
	if s.fleet != nil {
		snap.FleetBound = true
		snap.FleetState = string(s.fleet.LastState())
	}
	return snap
}

// Compile-time check that the session satisfies the waiter.
var _ session.AgentCounter = (*session.Session)(nil)

