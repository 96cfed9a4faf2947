package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/config"
	"github.com/fleetctl/odc/pkg/engine"
	"github.com/fleetctl/odc/pkg/sim"
	"github.com/fleetctl/odc/pkg/stores"
	"github.com/fleetctl/odc/pkg/telemetry"
)

const topologyYAML = `
name: api
tasks:
  - name: sampler
    instances: 3
`

func writeTopology(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api.yaml")
	if err := os.WriteFile(path, []byte(topologyYAML), 0o644); err != nil {
		t.Fatalf("failed to write topology: %v", err)
	}
	return path
}

type fixture struct {
	client *Client
	store  *stores.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, sim.Options{})
}

func newFixtureWith(t *testing.T, opts sim.Options) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := stores.Open(ctx, stores.Config{Path: stores.MemoryPath})
	if err != nil {
		t.Fatalf("stores.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}

	opts.Logger = zerolog.Nop()
	cluster := sim.New(opts)
	ctrl := config.Default().Control
	ctrl.GroupCapacity = 3
	ctrl.AgentPollIntervalMs = 5

	svc, err := engine.New(
		engine.Deps{Sessions: cluster, RMS: cluster, Devices: cluster},
		engine.WithConfig(ctrl),
		engine.WithMetrics(metrics),
		engine.WithHistory(store, 0),
	)
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}

	srv := NewServer(svc, Config{Metrics: metrics.Handler(), History: store}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{client: NewClient(ts.URL, ts.Client()), store: store}
}

func TestLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env, err := f.client.Initialize(ctx, InitializeRequest{
		InitializeParams: engine.InitializeParams{TopologyPath: writeTopology(t)},
		TimeoutSeconds:   5,
	})
	if err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if !env.OK() || env.Msg != "Initialize done" {
		t.Fatalf("Initialize envelope = %+v", env)
	}

	snap, err := f.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if !snap.FleetBound || snap.SessionID == "" {
		t.Errorf("Status() = %+v", snap)
	}

	for _, route := range []string{"configure", "start", "stop", "terminate", "shutdown"} {
		env, err := f.client.Command(ctx, route, 0)
		if err != nil {
			t.Fatalf("%s error: %v", route, err)
		}
		if !env.OK() {
			t.Fatalf("%s envelope = %+v", route, env.Error)
		}
	}

	cmds, err := f.client.History(ctx, stores.CommandFilter{})
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(cmds) != 6 {
		t.Fatalf("History() returned %d commands, want 6", len(cmds))
	}
	if cmds[0].Command != string(engine.CommandShutdown) || cmds[5].Command != string(engine.CommandInitialize) {
		t.Errorf("History() order = %s ... %s", cmds[0].Command, cmds[5].Command)
	}

	started, err := f.client.History(ctx, stores.CommandFilter{Command: "Start", Limit: 1})
	if err != nil || len(started) != 1 || started[0].Command != "Start" {
		t.Errorf("History(Start) = %v, %v", started, err)
	}
}

func TestCommandWithoutFleet(t *testing.T) {
	f := newFixture(t)

	env, err := f.client.Command(context.Background(), "start", 0)
	if err != nil {
		t.Fatalf("Command() error: %v", err)
	}
	if env.OK() || env.Error == nil || env.Error.Code != 123 {
		t.Fatalf("envelope = %+v", env)
	}
	if !strings.HasPrefix(env.Error.Msg, "Start failed: ") {
		t.Errorf("error msg = %q", env.Error.Msg)
	}

	errs, err := f.client.History(context.Background(), stores.CommandFilter{Status: stores.CommandStatusError})
	if err != nil || len(errs) != 1 {
		t.Errorf("History(error) = %v, %v", errs, err)
	}
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env, err := f.client.Initialize(ctx, InitializeRequest{})
	if err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if env.OK() || env.Error.Code != http.StatusBadRequest || !strings.Contains(env.Error.Msg, "topology is required") {
		t.Errorf("envelope = %+v", env.Error)
	}

	if _, err := f.client.Command(ctx, "launch", 0); err == nil {
		t.Error("Expected error for unknown route")
	}

	resp, err := http.Post(f.client.baseURL+"/v1/start", "application/json", strings.NewReader(`{"bogus":1}`))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(f.client.baseURL + "/v1/history?limit=-1")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(f.client.baseURL + "/v1/start")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.client.Healthy(ctx); err != nil {
		t.Fatalf("Healthy() error: %v", err)
	}

	if _, err := f.client.Command(ctx, "stop", 0); err != nil {
		t.Fatalf("Command() error: %v", err)
	}

	resp, err := http.Get(f.client.baseURL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !strings.Contains(string(body), `odc_commands_total{command="Stop",status="error"} 1`) {
		t.Errorf("metrics missing Stop failure:\n%s", body)
	}
}

func TestHistoryDisabled(t *testing.T) {
	srv := NewServer(&stubController{}, Config{}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if _, err := NewClient(ts.URL, nil).History(context.Background(), stores.CommandFilter{}); err == nil {
		t.Error("Expected error when history is disabled")
	}
}

// stubController records how many call options each command receives.
type stubController struct {
	mu       sync.Mutex
	timeouts []int
}

func (s *stubController) envelope(cmd engine.Command, opts []engine.CallOption) *engine.Envelope {
	s.mu.Lock()
	s.timeouts = append(s.timeouts, len(opts))
	s.mu.Unlock()
	return &engine.Envelope{Status: engine.StatusOK, Msg: string(cmd) + " done"}
}

func (s *stubController) Initialize(ctx context.Context, p engine.InitializeParams, opts ...engine.CallOption) *engine.Envelope {
	return s.envelope(engine.CommandInitialize, opts)
}

func (s *stubController) ConfigureRun(ctx context.Context, opts ...engine.CallOption) *engine.Envelope {
	return s.envelope(engine.CommandConfigureRun, opts)
}

func (s *stubController) Start(ctx context.Context, opts ...engine.CallOption) *engine.Envelope {
	return s.envelope(engine.CommandStart, opts)
}

func (s *stubController) Stop(ctx context.Context, opts ...engine.CallOption) *engine.Envelope {
	return s.envelope(engine.CommandStop, opts)
}

func (s *stubController) Terminate(ctx context.Context, opts ...engine.CallOption) *engine.Envelope {
	return s.envelope(engine.CommandTerminate, opts)
}

func (s *stubController) Shutdown(ctx context.Context, opts ...engine.CallOption) *engine.Envelope {
	return s.envelope(engine.CommandShutdown, opts)
}

func (s *stubController) Status() engine.Snapshot {
	return engine.Snapshot{SessionStatus: "not_created"}
}

func TestRoutesAndTimeouts(t *testing.T) {
	stub := &stubController{}
	ts := httptest.NewServer(NewServer(stub, Config{}, zerolog.Nop()).Handler())
	defer ts.Close()
	client := NewClient(ts.URL, nil)
	ctx := context.Background()

	for route, cmd := range Routes {
		if cmd == engine.CommandInitialize {
			continue
		}
		env, err := client.Command(ctx, route, 2*time.Second)
		if err != nil {
			t.Fatalf("%s error: %v", route, err)
		}
		if env.Msg != string(cmd)+" done" {
			t.Errorf("%s routed to %q", route, env.Msg)
		}
	}
	if _, err := client.Command(ctx, "start", 0); err != nil {
		t.Fatalf("start error: %v", err)
	}

	if _, err := client.Command(ctx, "stop", 500*time.Millisecond); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.timeouts) != 7 {
		t.Fatalf("calls = %d, want 7", len(stub.timeouts))
	}
	// Every call carries the queue context; a timeout adds one option.
	for i, n := range stub.timeouts[:5] {
		if n != 2 {
			t.Errorf("call %d got %d options, want 2", i, n)
		}
	}
	if stub.timeouts[5] != 1 {
		t.Errorf("call without timeout got %d options, want 1", stub.timeouts[5])
	}
	if stub.timeouts[6] != 2 {
		t.Errorf("sub-second timeout was dropped: got %d options, want 2", stub.timeouts[6])
	}
}

func TestTimeoutSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Millisecond, 1},
		{500 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Minute, 60},
	}
	for _, tt := range tests {
		if got := TimeoutSeconds(tt.in); got != tt.want {
			t.Errorf("TimeoutSeconds(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCommandOutlivesClient(t *testing.T) {
	f := newFixtureWith(t, sim.Options{AgentStartDelay: 300 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := f.client.Initialize(ctx, InitializeRequest{
		InitializeParams: engine.InitializeParams{TopologyPath: writeTopology(t)},
		TimeoutSeconds:   10,
	})
	if err == nil {
		t.Fatal("Expected the client to give up before agents became active")
	}

	var snap *engine.Snapshot
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err = f.client.Status(context.Background())
		if err != nil {
			t.Fatalf("Status() error: %v", err)
		}
		if !snap.Busy {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if snap.Busy || !snap.FleetBound || snap.SessionStatus != "created" {
		t.Fatalf("Status() after disconnect = %+v, want a bound fleet", snap)
	}

	cmds, err := f.client.History(context.Background(), stores.CommandFilter{Command: string(engine.CommandInitialize)})
	if err != nil || len(cmds) != 1 {
		t.Fatalf("History(Initialize) = %v, %v", cmds, err)
	}
	if cmds[0].Status != stores.CommandStatusOK {
		t.Errorf("Initialize recorded as %s: %s", cmds[0].Status, cmds[0].ErrorMsg)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	srv := NewServer(&stubController{}, Config{ShutdownTimeout: time.Second}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, listener) }()

	client := NewClient(listener.Addr().String(), nil)
	var healthErr error
	for i := 0; i < 50; i++ {
		if healthErr = client.Healthy(context.Background()); healthErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if healthErr != nil {
		t.Fatalf("server never became healthy: %v", healthErr)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("ServeListener() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeListener() did not return")
	}
}
