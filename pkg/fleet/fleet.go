// Package fleet drives the devices of an activated topology through their
// lifecycle, one fleet-wide transition at a time.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/bridge"
	"github.com/fleetctl/odc/pkg/fault"
	"github.com/fleetctl/odc/pkg/session"
)

// Result is what the device runtime reports once a transition finished on
// every device, or failed.
type Result struct {
	Err     error
	Devices []DeviceStatus
}

// Topology is the device runtime's handle on an activated topology.
type Topology interface {
	// ChangeState issues t to every device and calls cb once when all devices
	// acknowledged it, it failed, or the runtime's own timeout passed. It
	// returns without waiting.
	ChangeState(ctx context.Context, t Transition, timeout time.Duration, cb func(Result)) error
}

// Runtime attaches to the devices of a topology activated in a session.
type Runtime interface {
	Attach(ctx context.Context, id session.ID, topologyPath string) (Topology, error)
}

// Fleet is the bound handle over one session's activated topology.
type Fleet struct {
	topo         Topology
	sessionID    session.ID
	topologyPath string
	logger       zerolog.Logger

	mu   sync.RWMutex
	last State
}

// Bind attaches to the topology activated at topologyPath in session id.
func Bind(ctx context.Context, rt Runtime, id session.ID, topologyPath string, logger zerolog.Logger) (*Fleet, error) {
	if id.IsNil() {
		return nil, fault.Session("cannot bind devices without a session", nil).WithOp("bind")
	}

	topo, err := rt.Attach(ctx, id, topologyPath)
	if err != nil {
		return nil, fault.StateTransition("failed to attach to device topology", err).
			WithOp("bind").
			WithDetail("topology", topologyPath)
	}

	return &Fleet{
		topo:         topo,
		sessionID:    id,
		topologyPath: topologyPath,
		logger: logger.With().
			Str("component", "fleet").
			Str("session_id", id.String()).
			Logger(),
		last: StateIdle,
	}, nil
}

// SessionID returns the session the fleet is bound to.
func (f *Fleet) SessionID() session.ID { return f.sessionID }

// TopologyPath returns the topology the fleet is bound to.
func (f *Fleet) TopologyPath() string { return f.topologyPath }

// LastState returns the last aggregated state observed.
func (f *Fleet) LastState() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last
}

// ChangeState applies t to every device and waits up to timeout for the
// outcome. A runtime failure is a state transition fault; devices ending in
// different states is an aggregation fault.
func (f *Fleet) ChangeState(ctx context.Context, t Transition, timeout time.Duration) (State, error) {
	if !t.Valid() {
		return StateUndefined, fault.StateTransition(fmt.Sprintf("unknown transition %q", t), nil).WithOp("change_state")
	}

	op := "change state " + string(t)
	res, err := bridge.Await(ctx, op, timeout, func(done func(Result)) error {
		return f.topo.ChangeState(ctx, t, timeout, done)
	})
	if err != nil {
		if fault.IsTimeout(err) {
			f.logger.Error().Err(err).Str("transition", string(t)).Msg("Timed out waiting for change state")
			return StateUndefined, err
		}
		return StateUndefined, fault.StateTransition("failed to issue transition", err).
			WithOp("change_state").
			WithDetail("transition", string(t))
	}

	if res.Err != nil {
		f.logger.Error().Err(res.Err).Str("transition", string(t)).Msg("Change state failed")
		return StateUndefined, fault.StateTransition(fmt.Sprintf("transition %s failed", t), res.Err).
			WithOp("change_state").
			WithDetail("transition", string(t))
	}

	state, err := Aggregate(res.Devices)
	if err != nil {
		f.logger.Error().Err(err).Str("transition", string(t)).Msg("Change state failed")
		return StateUndefined, err
	}

	if state != t.Expected() {
		f.logger.Warn().
			Str("transition", string(t)).
			Str("state", string(state)).
			Str("expected", string(t.Expected())).
			Msg("Devices settled in an unexpected state")
	}

	f.mu.Lock()
	f.last = state
	f.mu.Unlock()

	f.logger.Info().
		Str("transition", string(t)).
		Str("state", string(state)).
		Int("devices", len(res.Devices)).
		Msg("Change state done successfully")
	return state, nil
}

// Hook wraps one transition of Apply. It must call run at most once and
// return its error; returning an error without calling run stops the
// sequence before t is issued.
type Hook func(ctx context.Context, t Transition, run func(ctx context.Context) error) error

// Apply runs seq in order and stops at the first failing transition. Each
// transition gets its own timeout. It returns the state the devices settled
// in after the last successful transition.
func (f *Fleet) Apply(ctx context.Context, seq Sequence, timeout time.Duration, hook Hook) (State, error) {
	state := f.LastState()
	for _, t := range seq {
		run := func(ctx context.Context) error {
			next, err := f.ChangeState(ctx, t, timeout)
			if err != nil {
				return err
			}
			state = next
			return nil
		}

		var err error
		if hook != nil {
			err = hook(ctx, t, run)
		} else {
			err = run(ctx)
		}
		if err != nil {
			return state, err
		}
	}
	return state, nil
}
