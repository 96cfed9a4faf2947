// Package session tracks the provisioning episode the control plane holds
// with the resource manager, and waits for the agents submitted into it.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/fault"
)

// Status is the lifecycle position of a session.
type Status int

const (
	// StatusNotCreated is the state before the first Create.
	StatusNotCreated Status = iota

	// StatusCreated means the resource manager holds a live episode.
	StatusCreated

	// StatusDestroyed means the episode was torn down.
	StatusDestroyed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusNotCreated:
		return "not_created"
	case StatusCreated:
		return "created"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// AgentState is the readiness state of a submitted agent.
type AgentState string

const (
	AgentIdle      AgentState = "idle"
	AgentExecuting AgentState = "executing"
	// AgentActive counts agents that are either idle or executing.
	AgentActive AgentState = "active"
)

// Manager is the session side of the cluster resource manager.
type Manager interface {
	// CreateSession starts a new provisioning episode.
	CreateSession(ctx context.Context) (ID, error)

	// ShutdownSession tears the episode down and returns the identifier the
	// manager still associates with it: Nil once teardown took effect.
	ShutdownSession(ctx context.Context, id ID) (ID, error)

	// CountAgents returns how many agents of the episode are in state.
	CountAgents(ctx context.Context, id ID, state AgentState) (int, error)
}

// Session is the handle for one provisioning episode. A Session can be
// created again after it was destroyed. The lock is never held across a call
// to the manager, so readers see the last committed state while a create or
// teardown is in flight.
type Session struct {
	manager Manager
	logger  zerolog.Logger

	mu      sync.RWMutex
	id      ID
	status  Status
	pending string
}

// New returns a session handle in the NotCreated state.
func New(manager Manager, logger zerolog.Logger) *Session {
	return &Session{
		manager: manager,
		logger:  logger.With().Str("component", "session").Logger(),
	}
}

// begin marks op as in flight. It fails when another create or shutdown has
// not finished yet.
func (s *Session) begin(op string) error {
	if s.pending != "" {
		return fault.Session("session "+s.pending+" in progress", nil).WithOp(op)
	}
	s.pending = op
	return nil
}

func (s *Session) finish() {
	s.mu.Lock()
	s.pending = ""
	s.mu.Unlock()
}

// Create asks the resource manager for a new episode.
func (s *Session) Create(ctx context.Context) (ID, error) {
	s.mu.Lock()
	if s.status == StatusCreated {
		id := s.id
		s.mu.Unlock()
		return Nil, fault.Session("session already running", nil).
			WithOp("create").
			WithDetail("session_id", id.String())
	}
	if err := s.begin("create"); err != nil {
		s.mu.Unlock()
		return Nil, err
	}
	s.mu.Unlock()
	defer s.finish()

	id, err := s.manager.CreateSession(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Nil, fault.Timeout("timed out creating session", err).WithOp("create")
		}
		return Nil, fault.Session("failed to create session", err).WithOp("create")
	}
	if id.IsNil() {
		return Nil, fault.Session("resource manager returned a nil session id", nil).WithOp("create")
	}

	s.mu.Lock()
	s.id = id
	s.status = StatusCreated
	s.mu.Unlock()

	s.logger.Info().Str("session_id", id.String()).Msg("Session created")
	return id, nil
}

// Shutdown tears the episode down. It succeeds without doing anything when
// no episode is running.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusCreated {
		s.mu.Unlock()
		return nil
	}
	if err := s.begin("shutdown"); err != nil {
		s.mu.Unlock()
		return err
	}
	id := s.id
	s.mu.Unlock()
	defer s.finish()

	remaining, err := s.manager.ShutdownSession(ctx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fault.Timeout("timed out shutting down session", err).
				WithOp("shutdown").
				WithDetail("session_id", id.String())
		}
		return fault.Session("shutdown failed", err).
			WithOp("shutdown").
			WithDetail("session_id", id.String())
	}
	if !remaining.IsNil() {
		return fault.Session("failed to shut down session", nil).
			WithOp("shutdown").
			WithDetail("session_id", remaining.String())
	}

	s.mu.Lock()
	s.id = Nil
	s.status = StatusDestroyed
	s.mu.Unlock()

	s.logger.Info().Str("session_id", id.String()).Msg("Session shut down")
	return nil
}

// IsRunning reports whether an episode is live.
func (s *Session) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == StatusCreated
}

// ID returns the current identifier, Nil unless running.
func (s *Session) ID() ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Status returns the lifecycle position.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Require returns the identifier of the running episode, or a session fault
// when there is none.
func (s *Session) Require() (ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusCreated {
		return Nil, fault.Session("no active session", nil).
			WithDetail("status", s.status.String())
	}
	return s.id, nil
}

// CountAgents asks the resource manager how many agents of the running
// episode are in state.
func (s *Session) CountAgents(ctx context.Context, state AgentState) (int, error) {
	id, err := s.Require()
	if err != nil {
		return 0, err
	}
	return s.manager.CountAgents(ctx, id, state)
}
