package fleet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fleetctl/odc/pkg/fault"
)

// State is the lifecycle state of one device.
type State string

const (
	StateUndefined          State = "Undefined"
	StateOk                 State = "Ok"
	StateError              State = "Error"
	StateIdle               State = "Idle"
	StateInitializingDevice State = "InitializingDevice"
	StateInitialized        State = "Initialized"
	StateBinding            State = "Binding"
	StateBound              State = "Bound"
	StateConnecting         State = "Connecting"
	StateDeviceReady        State = "DeviceReady"
	StateInitializingTask   State = "InitializingTask"
	StateReady              State = "Ready"
	StateRunning            State = "Running"
	StateResettingTask      State = "ResettingTask"
	StateResettingDevice    State = "ResettingDevice"
	StateExiting            State = "Exiting"
)

// Transition is a lifecycle step applied to every device of a topology.
type Transition string

const (
	TransitionInitDevice   Transition = "InitDevice"
	TransitionCompleteInit Transition = "CompleteInit"
	TransitionBind         Transition = "Bind"
	TransitionConnect      Transition = "Connect"
	TransitionInitTask     Transition = "InitTask"
	TransitionRun          Transition = "Run"
	TransitionStop         Transition = "Stop"
	TransitionResetTask    Transition = "ResetTask"
	TransitionResetDevice  Transition = "ResetDevice"
	TransitionEnd          Transition = "End"
)

type edge struct {
	from, to State
}

// edges maps each transition to the state it starts from and the state
// devices settle in once it completes.
var edges = map[Transition]edge{
	TransitionInitDevice:   {StateIdle, StateInitializingDevice},
	TransitionCompleteInit: {StateInitializingDevice, StateInitialized},
	TransitionBind:         {StateInitialized, StateBound},
	TransitionConnect:      {StateBound, StateDeviceReady},
	TransitionInitTask:     {StateDeviceReady, StateReady},
	TransitionRun:          {StateReady, StateRunning},
	TransitionStop:         {StateRunning, StateReady},
	TransitionResetTask:    {StateReady, StateDeviceReady},
	TransitionResetDevice:  {StateDeviceReady, StateIdle},
	TransitionEnd:          {StateIdle, StateExiting},
}

// From returns the state a device must be in to accept the transition.
func (t Transition) From() State {
	return edges[t].from
}

// Expected returns the state devices settle in after the transition.
func (t Transition) Expected() State {
	return edges[t].to
}

// Valid reports whether t is a known transition.
func (t Transition) Valid() bool {
	_, ok := edges[t]
	return ok
}

// Next returns the state a device in from reaches by applying t.
func Next(from State, t Transition) (State, error) {
	e, ok := edges[t]
	if !ok {
		return from, fmt.Errorf("unknown transition %q", t)
	}
	if e.from != from {
		return from, fmt.Errorf("transition %s not allowed from state %s", t, from)
	}
	return e.to, nil
}

// ParseTransition resolves a transition name, ignoring case.
func ParseTransition(s string) (Transition, error) {
	for t := range edges {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown transition %q", s)
}

// Sequence is an ordered list of transitions applied with short-circuit.
type Sequence []Transition

// The sequences behind the composite commands.
var (
	ConfigureSequence = Sequence{
		TransitionInitDevice,
		TransitionCompleteInit,
		TransitionBind,
		TransitionConnect,
		TransitionInitTask,
	}
	StartSequence     = Sequence{TransitionRun}
	StopSequence      = Sequence{TransitionStop}
	TerminateSequence = Sequence{
		TransitionResetTask,
		TransitionResetDevice,
		TransitionEnd,
	}
)

// DeviceStatus is the state one device reported after a transition.
type DeviceStatus struct {
	TaskID string `json:"task_id"`
	State  State  `json:"state"`
}

// Aggregate reduces per-device states to the single state they share. An
// empty or mixed set is an aggregation fault.
func Aggregate(devices []DeviceStatus) (State, error) {
	if len(devices) == 0 {
		return StateUndefined, fault.Aggregation("no device states reported", nil).WithOp("aggregate")
	}

	counts := make(map[State]int)
	for _, d := range devices {
		counts[d.State]++
	}
	if len(counts) == 1 {
		return devices[0].State, nil
	}

	parts := make([]string, 0, len(counts))
	for s, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", s, n))
	}
	sort.Strings(parts)
	return StateUndefined, fault.Aggregation(
		fmt.Sprintf("devices are in inconsistent states (%s)", strings.Join(parts, ", ")), nil).
		WithOp("aggregate").
		WithDetail("states", parts)
}
