package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// CommandStatus is the outcome of a control command.
type CommandStatus string

const (
	CommandStatusOK    CommandStatus = "ok"
	CommandStatusError CommandStatus = "error"
)

// Command is the history record of one control command.
type Command struct {
	ID         string        `json:"id"`
	Command    string        `json:"command"`
	Status     CommandStatus `json:"status"`
	Message    string        `json:"msg,omitempty"`
	ErrorCode  int           `json:"errorCode,omitempty"`
	ErrorMsg   string        `json:"errorMsg,omitempty"`
	ErrorKind  string        `json:"errorKind,omitempty"`
	ExecTimeMs int64         `json:"execTimeMs"`
	SessionID  string        `json:"sessionId,omitempty"`
	Topology   string        `json:"topology,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
}

// Session is the history record of one provisioning episode.
type Session struct {
	ID          string     `json:"id"`
	Topology    string     `json:"topology,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	DestroyedAt *time.Time `json:"destroyedAt,omitempty"`
}

// Active reports whether the episode was never torn down.
func (s *Session) Active() bool {
	return s.DestroyedAt == nil
}

// CommandFilter narrows ListCommands. Zero fields match everything.
type CommandFilter struct {
	Command string
	Status  CommandStatus
	Limit   int
	Offset  int
}

// Store defines the interface for the history layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Command operations
	RecordCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, id string) (*Command, error)
	ListCommands(ctx context.Context, filter CommandFilter) ([]*Command, error)
	PruneCommands(ctx context.Context, keep int) (int64, error)

	// Session operations
	RecordSessionCreated(ctx context.Context, id, topology string, at time.Time) error
	RecordSessionDestroyed(ctx context.Context, id string, at time.Time) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*Session, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
