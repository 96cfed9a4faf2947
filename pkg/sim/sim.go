// Package sim is an in-process backend standing in for the resource manager
// and the device runtime. It implements session.Manager, rms.Client and
// fleet.Runtime without launching anything: agents are records that become
// active after a delay, and devices are state machines driven by the same
// transition table the control service expects.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/fleet"
	"github.com/fleetctl/odc/pkg/rms"
	"github.com/fleetctl/odc/pkg/session"
	"github.com/fleetctl/odc/pkg/topology"
)

// Options tunes the simulation.
type Options struct {
	// AgentStartDelay is how long a submitted agent takes to become active.
	AgentStartDelay time.Duration

	// TransitionDelay is how long devices take to acknowledge a transition.
	TransitionDelay time.Duration

	Logger zerolog.Logger
}

type agent struct {
	id       string
	slots    int
	used     int
	activeAt time.Time
}

func (a *agent) active(now time.Time) bool {
	return !now.Before(a.activeAt)
}

type device struct {
	taskID string
	agent  string
	state  fleet.State
}

type episode struct {
	id       session.ID
	agents   []*agent
	topology string
	devices  []*device
}

// Cluster is a simulated cluster. It is safe for concurrent use.
type Cluster struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[session.ID]*episode
	failOn   map[fleet.Transition]string
}

// New creates an empty cluster.
func New(opts Options) *Cluster {
	return &Cluster{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "sim").Logger(),
		sessions: make(map[session.ID]*episode),
		failOn:   make(map[fleet.Transition]string),
	}
}

// FailTransition makes the named device reject t until cleared with an
// empty taskID.
func (c *Cluster) FailTransition(t fleet.Transition, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if taskID == "" {
		delete(c.failOn, t)
		return
	}
	c.failOn[t] = taskID
}

func (c *Cluster) episode(id session.ID) (*episode, error) {
	ep, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", id)
	}
	return ep, nil
}

// CreateSession implements session.Manager.
func (c *Cluster) CreateSession(ctx context.Context) (session.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := session.NewID()
	c.sessions[id] = &episode{id: id}
	c.logger.Info().Str("session_id", id.String()).Msg("Session created")
	return id, nil
}

// ShutdownSession implements session.Manager. Every agent and device of the
// session is released.
func (c *Cluster) ShutdownSession(ctx context.Context, id session.ID) (session.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep, err := c.episode(id)
	if err != nil {
		return id, err
	}
	delete(c.sessions, id)
	c.logger.Info().
		Str("session_id", id.String()).
		Int("agents", len(ep.agents)).
		Msg("Session shut down")
	return session.Nil, nil
}

// CountAgents implements session.Manager.
func (c *Cluster) CountAgents(ctx context.Context, id session.ID, state session.AgentState) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep, err := c.episode(id)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	n := 0
	for _, a := range ep.agents {
		if !a.active(now) {
			continue
		}
		switch state {
		case session.AgentActive:
			n++
		case session.AgentIdle:
			if a.used == 0 {
				n++
			}
		case session.AgentExecuting:
			if a.used > 0 {
				n++
			}
		}
	}
	return n, nil
}

// Submit implements rms.Client. Agents are registered at once and become
// active after AgentStartDelay.
func (c *Cluster) Submit(ctx context.Context, id session.ID, req rms.SubmitRequest, h rms.Handlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep, err := c.episode(id)
	if err != nil {
		return err
	}

	var messages []rms.Message
	if err := req.Validate(); err != nil {
		messages = append(messages, rms.Message{Severity: rms.SeverityError, Text: err.Error()})
	} else {
		activeAt := time.Now().Add(c.opts.AgentStartDelay)
		for i := 0; i < req.Instances; i++ {
			ep.agents = append(ep.agents, &agent{
				id:       uuid.New().String(),
				slots:    req.Slots,
				activeAt: activeAt,
			})
		}
		messages = append(messages, rms.Message{
			Severity: rms.SeverityInfo,
			Text:     fmt.Sprintf("%d agents with %d slots submitted via %s", req.Instances, req.Slots, req.RMS),
		})
	}

	go func() {
		for _, m := range messages {
			if h.OnMessage != nil {
				h.OnMessage(m)
			}
		}
		h.OnDone()
	}()
	return nil
}

// Activate implements rms.Client. Each task instance of the topology is
// placed on a free slot of an active agent; instances that find none are
// reported as errors.
func (c *Cluster) Activate(ctx context.Context, id session.ID, req rms.ActivateRequest, h rms.Handlers) error {
	desc, err := topology.Load(req.TopologyPath, topology.DefaultGroupCapacity)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ep, err := c.episode(id)
	if err != nil {
		return err
	}

	// Reactivation replaces the previous devices.
	for _, a := range ep.agents {
		a.used = 0
	}
	ep.devices = nil
	ep.topology = req.TopologyPath

	now := time.Now()
	free := make([]*agent, 0, len(ep.agents))
	for _, a := range ep.agents {
		if a.active(now) {
			free = append(free, a)
		}
	}
	sort.SliceStable(free, func(i, j int) bool { return free[i].id < free[j].id })

	progress := rms.Progress{Total: desc.Instances()}
	var messages []rms.Message
	var updates []rms.Progress
	for _, task := range desc.Tasks() {
		for i := 0; i < task.Instances; i++ {
			taskID := fmt.Sprintf("%s-%d", task.Name, i)
			a := pickAgent(free)
			if a == nil {
				progress.Errors++
				messages = append(messages, rms.Message{
					Severity: rms.SeverityError,
					Text:     fmt.Sprintf("no free slot for task %s", taskID),
				})
			} else {
				a.used++
				ep.devices = append(ep.devices, &device{taskID: taskID, agent: a.id, state: fleet.StateIdle})
				progress.Completed++
			}
			updates = append(updates, progress)
		}
	}

	c.logger.Info().
		Str("session_id", id.String()).
		Str("topology", req.TopologyPath).
		Int("activated", progress.Completed).
		Int("errors", progress.Errors).
		Msg("Topology activated")

	go func() {
		for _, p := range updates {
			if h.OnProgress != nil {
				h.OnProgress(p)
			}
		}
		for _, m := range messages {
			if h.OnMessage != nil {
				h.OnMessage(m)
			}
		}
		h.OnDone()
	}()
	return nil
}

func pickAgent(agents []*agent) *agent {
	for _, a := range agents {
		if a.used < a.slots {
			return a
		}
	}
	return nil
}

// Attach implements fleet.Runtime.
func (c *Cluster) Attach(ctx context.Context, id session.ID, topologyPath string) (fleet.Topology, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep, err := c.episode(id)
	if err != nil {
		return nil, err
	}
	if ep.topology != topologyPath {
		return nil, fmt.Errorf("topology %s is not active in session %s", topologyPath, id)
	}
	if len(ep.devices) == 0 {
		return nil, fmt.Errorf("no devices running in session %s", id)
	}
	return &simTopology{cluster: c, id: id}, nil
}

// simTopology drives the devices of one session.
type simTopology struct {
	cluster *Cluster
	id      session.ID
}

// ChangeState implements fleet.Topology. Devices move after TransitionDelay;
// a device that cannot take t fails the whole transition and keeps its
// state, while the others move.
func (t *simTopology) ChangeState(ctx context.Context, tr fleet.Transition, timeout time.Duration, cb func(fleet.Result)) error {
	if !tr.Valid() {
		return fmt.Errorf("unknown transition %q", tr)
	}

	go func() {
		if d := t.cluster.opts.TransitionDelay; d > 0 {
			time.Sleep(d)
		}
		cb(t.cluster.apply(t.id, tr))
	}()
	return nil
}

func (c *Cluster) apply(id session.ID, tr fleet.Transition) fleet.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep, err := c.episode(id)
	if err != nil {
		return fleet.Result{Err: err}
	}

	var failed []string
	statuses := make([]fleet.DeviceStatus, 0, len(ep.devices))
	for _, d := range ep.devices {
		if c.failOn[tr] == d.taskID {
			failed = append(failed, fmt.Sprintf("%s: injected failure", d.taskID))
		} else if next, err := fleet.Next(d.state, tr); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", d.taskID, err))
		} else {
			d.state = next
		}
		statuses = append(statuses, fleet.DeviceStatus{TaskID: d.taskID, State: d.state})
	}

	if len(failed) > 0 {
		c.logger.Warn().
			Str("transition", string(tr)).
			Strs("failed", failed).
			Msg("Transition rejected")
		return fleet.Result{
			Err:     fmt.Errorf("%d of %d devices rejected %s", len(failed), len(ep.devices), tr),
			Devices: statuses,
		}
	}
	return fleet.Result{Devices: statuses}
}

var (
	_ session.Manager = (*Cluster)(nil)
	_ rms.Client      = (*Cluster)(nil)
	_ fleet.Runtime   = (*Cluster)(nil)
)
