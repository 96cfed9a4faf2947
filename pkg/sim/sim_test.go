package sim

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/config"
	"github.com/fleetctl/odc/pkg/engine"
	"github.com/fleetctl/odc/pkg/fleet"
	"github.com/fleetctl/odc/pkg/rms"
	"github.com/fleetctl/odc/pkg/session"
)

const topologyYAML = `
name: sim
tasks:
  - name: sampler
    instances: 2
  - name: processor
    instances: 4
`

func writeTopology(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.yaml")
	if err := os.WriteFile(path, []byte(topologyYAML), 0o644); err != nil {
		t.Fatalf("failed to write topology: %v", err)
	}
	return path
}

// recorder collects the handler events of one request.
type recorder struct {
	mu       sync.Mutex
	messages []rms.Message
	progress []rms.Progress
	done     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) handlers() rms.Handlers {
	return rms.Handlers{
		OnMessage: func(m rms.Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnProgress: func(p rms.Progress) {
			r.mu.Lock()
			r.progress = append(r.progress, p)
			r.mu.Unlock()
		},
		OnDone: func() { close(r.done) },
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
	}
}

func (r *recorder) errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.messages {
		if m.Severity == rms.SeverityError {
			out = append(out, m.Text)
		}
	}
	return out
}

func submit(t *testing.T, c *Cluster, id session.ID, req rms.SubmitRequest) *recorder {
	t.Helper()
	r := newRecorder()
	if err := c.Submit(context.Background(), id, req, r.handlers()); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	r.wait(t)
	return r
}

func activate(t *testing.T, c *Cluster, id session.ID, path string) *recorder {
	t.Helper()
	r := newRecorder()
	if err := c.Activate(context.Background(), id, rms.ActivateRequest{TopologyPath: path}, r.handlers()); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	r.wait(t)
	return r
}

func changeState(t *testing.T, topo fleet.Topology, tr fleet.Transition) fleet.Result {
	t.Helper()
	results := make(chan fleet.Result, 1)
	if err := topo.ChangeState(context.Background(), tr, time.Second, func(r fleet.Result) { results <- r }); err != nil {
		t.Fatalf("ChangeState() error: %v", err)
	}
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("transition never completed")
		return fleet.Result{}
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	c := New(Options{Logger: zerolog.Nop()})

	id, err := c.CreateSession(ctx)
	if err != nil || id.IsNil() {
		t.Fatalf("CreateSession() = %s, %v", id, err)
	}

	remaining, err := c.ShutdownSession(ctx, id)
	if err != nil || !remaining.IsNil() {
		t.Fatalf("ShutdownSession() = %s, %v", remaining, err)
	}

	if _, err := c.ShutdownSession(ctx, id); err == nil {
		t.Error("Expected error for unknown session")
	}
	if _, err := c.CountAgents(ctx, id, session.AgentActive); err == nil {
		t.Error("Expected error counting agents of unknown session")
	}
}

func TestAgentsBecomeActive(t *testing.T) {
	ctx := context.Background()
	c := New(Options{AgentStartDelay: 100 * time.Millisecond, Logger: zerolog.Nop()})
	id, _ := c.CreateSession(ctx)

	submit(t, c, id, rms.SubmitRequest{RMS: rms.LocalhostRMS, Instances: 2, Slots: 3})

	if n, _ := c.CountAgents(ctx, id, session.AgentActive); n != 0 {
		t.Errorf("active before delay = %d, want 0", n)
	}
	time.Sleep(150 * time.Millisecond)
	if n, _ := c.CountAgents(ctx, id, session.AgentActive); n != 2 {
		t.Errorf("active after delay = %d, want 2", n)
	}
	if n, _ := c.CountAgents(ctx, id, session.AgentIdle); n != 2 {
		t.Errorf("idle = %d, want 2", n)
	}
}

func TestSubmitInvalidRequest(t *testing.T) {
	ctx := context.Background()
	c := New(Options{Logger: zerolog.Nop()})
	id, _ := c.CreateSession(ctx)

	r := submit(t, c, id, rms.SubmitRequest{RMS: "slurm", Instances: 1, Slots: 1})
	if errs := r.errors(); len(errs) != 1 || !strings.Contains(errs[0], "configuration file") {
		t.Errorf("errors = %v", errs)
	}
	if n, _ := c.CountAgents(ctx, id, session.AgentActive); n != 0 {
		t.Errorf("agents registered for invalid request: %d", n)
	}

	if err := c.Submit(ctx, session.NewID(), rms.SubmitRequest{}, newRecorder().handlers()); err == nil {
		t.Error("Expected error for unknown session")
	}
}

func TestActivate(t *testing.T) {
	ctx := context.Background()
	c := New(Options{Logger: zerolog.Nop()})
	id, _ := c.CreateSession(ctx)
	path := writeTopology(t)

	submit(t, c, id, rms.SubmitRequest{RMS: rms.LocalhostRMS, Instances: 2, Slots: 3})
	r := activate(t, c, id, path)

	if errs := r.errors(); len(errs) != 0 {
		t.Errorf("errors = %v", errs)
	}
	last := r.progress[len(r.progress)-1]
	if last.Completed != 6 || last.Errors != 0 || last.Total != 6 || !last.Finished() {
		t.Errorf("final progress = %+v", last)
	}
	if n, _ := c.CountAgents(ctx, id, session.AgentExecuting); n != 2 {
		t.Errorf("executing agents = %d, want 2", n)
	}
}

func TestActivateNotEnoughSlots(t *testing.T) {
	ctx := context.Background()
	c := New(Options{Logger: zerolog.Nop()})
	id, _ := c.CreateSession(ctx)

	submit(t, c, id, rms.SubmitRequest{RMS: rms.LocalhostRMS, Instances: 1, Slots: 4})
	r := activate(t, c, id, writeTopology(t))

	last := r.progress[len(r.progress)-1]
	if last.Completed != 4 || last.Errors != 2 {
		t.Errorf("final progress = %+v", last)
	}
	if len(r.errors()) != 2 {
		t.Errorf("errors = %v", r.errors())
	}

	if err := c.Activate(ctx, id, rms.ActivateRequest{TopologyPath: "/nonexistent.yaml"}, newRecorder().handlers()); err == nil {
		t.Error("Expected error for unreadable topology")
	}
}

func TestDeviceTransitions(t *testing.T) {
	ctx := context.Background()
	c := New(Options{Logger: zerolog.Nop()})
	id, _ := c.CreateSession(ctx)
	path := writeTopology(t)

	if _, err := c.Attach(ctx, id, path); err == nil {
		t.Error("Expected error attaching before activation")
	}

	submit(t, c, id, rms.SubmitRequest{RMS: rms.LocalhostRMS, Instances: 2, Slots: 3})
	activate(t, c, id, path)

	topo, err := c.Attach(ctx, id, path)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	res := changeState(t, topo, fleet.TransitionInitDevice)
	if res.Err != nil {
		t.Fatalf("InitDevice failed: %v", res.Err)
	}
	if state, err := fleet.Aggregate(res.Devices); err != nil || state != fleet.StateInitializingDevice {
		t.Errorf("Aggregate() = %s, %v", state, err)
	}

	// Run is not allowed from InitializingDevice.
	res = changeState(t, topo, fleet.TransitionRun)
	if res.Err == nil {
		t.Error("Expected illegal transition to fail")
	}

	c.FailTransition(fleet.TransitionCompleteInit, "processor-1")
	res = changeState(t, topo, fleet.TransitionCompleteInit)
	if res.Err == nil {
		t.Fatal("Expected injected failure")
	}
	if _, err := fleet.Aggregate(res.Devices); err == nil {
		t.Error("Expected devices in mixed states after partial failure")
	}

	if err := topo.ChangeState(ctx, fleet.Transition("Jump"), time.Second, func(fleet.Result) {}); err == nil {
		t.Error("Expected error for unknown transition")
	}
}

func TestEngineLifecycle(t *testing.T) {
	c := New(Options{
		AgentStartDelay: 20 * time.Millisecond,
		TransitionDelay: time.Millisecond,
		Logger:          zerolog.Nop(),
	})

	ctrl := config.Default().Control
	ctrl.GroupCapacity = 3
	ctrl.AgentPollIntervalMs = 5

	svc, err := engine.New(engine.Deps{Sessions: c, RMS: c, Devices: c}, engine.WithConfig(ctrl))
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}

	ctx := context.Background()
	envs := []*engine.Envelope{
		svc.Initialize(ctx, engine.InitializeParams{TopologyPath: writeTopology(t)}),
		svc.ConfigureRun(ctx),
		svc.Start(ctx),
		svc.Stop(ctx),
		svc.Terminate(ctx),
		svc.Shutdown(ctx),
	}
	for i, env := range envs {
		if !env.OK() {
			t.Fatalf("%s failed: %+v", engine.Commands[i], env.Error)
		}
	}

	// After Start the devices ran; after Terminate they exited.
	if snap := svc.Status(); snap.FleetBound || snap.SessionStatus != "destroyed" {
		t.Errorf("Status() = %+v", snap)
	}
}

func TestEngineTransitionFailure(t *testing.T) {
	c := New(Options{Logger: zerolog.Nop()})
	ctrl := config.Default().Control
	ctrl.GroupCapacity = 3
	ctrl.AgentPollIntervalMs = 5

	svc, err := engine.New(engine.Deps{Sessions: c, RMS: c, Devices: c}, engine.WithConfig(ctrl))
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}

	ctx := context.Background()
	if env := svc.Initialize(ctx, engine.InitializeParams{TopologyPath: writeTopology(t)}); !env.OK() {
		t.Fatalf("Initialize failed: %+v", env.Error)
	}

	c.FailTransition(fleet.TransitionBind, "sampler-0")
	env := svc.ConfigureRun(ctx)
	if env.OK() {
		t.Fatal("ConfigureRun should fail")
	}
	if !strings.Contains(env.Error.Msg, "rejected Bind") {
		t.Errorf("error msg = %q", env.Error.Msg)
	}
	if env.Error.Code != 123 {
		t.Errorf("code = %d, want 123", env.Error.Code)
	}
}
