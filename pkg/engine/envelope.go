package engine

import (
	"fmt"
	"time"

	"github.com/fleetctl/odc/pkg/fault"
)

// Command names a public control command.
type Command string

const (
	CommandInitialize   Command = "Initialize"
	CommandConfigureRun Command = "ConfigureRun"
	CommandStart        Command = "Start"
	CommandStop         Command = "Stop"
	CommandTerminate    Command = "Terminate"
	CommandShutdown     Command = "Shutdown"
)

// Commands lists every command in lifecycle order.
var Commands = []Command{
	CommandInitialize,
	CommandConfigureRun,
	CommandStart,
	CommandStop,
	CommandTerminate,
	CommandShutdown,
}

// Status is the outcome of a command.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ErrorInfo is the error part of an envelope.
type ErrorInfo struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Envelope is the single result every command returns. On success Msg is
// set and Error is nil; on failure Msg is empty and Error is set.
type Envelope struct {
	Status     Status     `json:"status"`
	Msg        string     `json:"msg"`
	ExecTimeMs int64      `json:"execTimeMs"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// OK reports whether the command succeeded.
func (e *Envelope) OK() bool {
	return e != nil && e.Status == StatusOK
}

func okEnvelope(cmd Command, elapsed time.Duration) *Envelope {
	return &Envelope{
		Status:     StatusOK,
		Msg:        fmt.Sprintf("%s done", cmd),
		ExecTimeMs: elapsed.Milliseconds(),
	}
}

func errorEnvelope(cmd Command, elapsed time.Duration, err error, detailed bool) *Envelope {
	code := fault.GenericCode
	if detailed {
		code = fault.Code(fault.KindOf(err))
	}
	return &Envelope{
		Status:     StatusError,
		ExecTimeMs: elapsed.Milliseconds(),
		Error: &ErrorInfo{
			Code: code,
			Msg:  fmt.Sprintf("%s failed: %s", cmd, err),
		},
	}
}
