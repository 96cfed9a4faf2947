package rms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/fault"
	"github.com/fleetctl/odc/pkg/session"
)

type stubManager struct{}

func (stubManager) CreateSession(ctx context.Context) (session.ID, error) {
	return session.NewID(), nil
}

func (stubManager) ShutdownSession(ctx context.Context, id session.ID) (session.ID, error) {
	return session.Nil, nil
}

func (stubManager) CountAgents(ctx context.Context, id session.ID, state session.AgentState) (int, error) {
	return 0, nil
}

// Mock resource manager client for testing
type mockClient struct {
	mu          sync.Mutex
	messages    []Message
	progress    []Progress
	neverDone   bool
	doneDelay   time.Duration
	issueErr    error
	submitted   []SubmitRequest
	activated   []ActivateRequest
	sessionSeen session.ID
}

func (m *mockClient) run(h Handlers) {
	for _, msg := range m.messages {
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	}
	for _, p := range m.progress {
		if h.OnProgress != nil {
			h.OnProgress(p)
		}
	}
	if m.neverDone {
		return
	}
	if m.doneDelay > 0 {
		time.Sleep(m.doneDelay)
	}
	h.OnDone()
	h.OnDone()
}

func (m *mockClient) Submit(ctx context.Context, id session.ID, req SubmitRequest, h Handlers) error {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.sessionSeen = id
	m.mu.Unlock()
	if m.issueErr != nil {
		return m.issueErr
	}
	go m.run(h)
	return nil
}

func (m *mockClient) Activate(ctx context.Context, id session.ID, req ActivateRequest, h Handlers) error {
	m.mu.Lock()
	m.activated = append(m.activated, req)
	m.sessionSeen = id
	m.mu.Unlock()
	if m.issueErr != nil {
		return m.issueErr
	}
	go m.run(h)
	return nil
}

func newActiveSession(t *testing.T) *session.Session {
	t.Helper()
	s := session.New(stubManager{}, zerolog.Nop())
	if _, err := s.Create(context.Background()); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return s
}

var localReq = SubmitRequest{RMS: LocalhostRMS, Instances: 2, Slots: 3}

func TestSubmitRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr bool
	}{
		{"localhost without config", localReq, false},
		{"slurm with config", SubmitRequest{RMS: "slurm", Instances: 1, Slots: 1, ConfigFile: "slurm.cfg"}, false},
		{"slurm without config", SubmitRequest{RMS: "slurm", Instances: 1, Slots: 1}, true},
		{"no plugin", SubmitRequest{Instances: 1, Slots: 1}, true},
		{"zero instances", SubmitRequest{RMS: LocalhostRMS, Slots: 1}, true},
		{"zero slots", SubmitRequest{RMS: LocalhostRMS, Instances: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if localReq.Total() != 6 {
		t.Errorf("Total() = %d, want 6", localReq.Total())
	}
}

func TestSubmitSuccess(t *testing.T) {
	sess := newActiveSession(t)
	client := &mockClient{messages: []Message{{SeverityInfo, "submitting 2 agents"}}}
	r := NewRequester(client, sess, zerolog.Nop())

	if err := r.Submit(context.Background(), localReq, time.Second); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if client.sessionSeen != sess.ID() {
		t.Error("request was not sent into the active session")
	}
	if len(client.submitted) != 1 || client.submitted[0] != localReq {
		t.Errorf("submitted = %+v", client.submitted)
	}
}

func TestSubmitErrorMessageFailsButWaits(t *testing.T) {
	sess := newActiveSession(t)
	client := &mockClient{
		messages: []Message{
			{SeverityError, "slot allocation failed"},
			{SeverityInfo, "still going"},
		},
		doneDelay: 20 * time.Millisecond,
	}
	r := NewRequester(client, sess, zerolog.Nop())

	start := time.Now()
	err := r.Submit(context.Background(), localReq, time.Second)
	if !fault.IsKind(err, fault.KindSubmission) {
		t.Fatalf("Submit() = %v, want submission fault", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Submit returned before the request was done")
	}
}

func TestSubmitNeverDoneTimesOut(t *testing.T) {
	sess := newActiveSession(t)
	r := NewRequester(&mockClient{neverDone: true}, sess, zerolog.Nop())

	timeout := 80 * time.Millisecond
	start := time.Now()
	err := r.Submit(context.Background(), localReq, timeout)
	elapsed := time.Since(start)

	if !fault.IsTimeout(err) {
		t.Fatalf("Submit() = %v, want timeout", err)
	}
	if elapsed < timeout || elapsed > timeout+500*time.Millisecond {
		t.Errorf("Submit() returned after %s, deadline %s", elapsed, timeout)
	}
}

func TestSubmitIssueError(t *testing.T) {
	sess := newActiveSession(t)
	r := NewRequester(&mockClient{issueErr: errors.New("no connection")}, sess, zerolog.Nop())

	err := r.Submit(context.Background(), localReq, time.Second)
	if !fault.IsKind(err, fault.KindSubmission) {
		t.Fatalf("Submit() = %v, want submission fault", err)
	}
}

func TestSubmitInvalidRequest(t *testing.T) {
	client := &mockClient{}
	r := NewRequester(client, newActiveSession(t), zerolog.Nop())

	err := r.Submit(context.Background(), SubmitRequest{RMS: "ssh", Instances: 1, Slots: 1}, time.Second)
	if !fault.IsKind(err, fault.KindSubmission) {
		t.Fatalf("Submit() = %v, want submission fault", err)
	}
	if len(client.submitted) != 0 {
		t.Error("invalid request reached the client")
	}
}

func TestSubmitWithoutSession(t *testing.T) {
	client := &mockClient{}
	sess := session.New(stubManager{}, zerolog.Nop())
	r := NewRequester(client, sess, zerolog.Nop())

	if err := r.Submit(context.Background(), localReq, time.Second); !fault.IsSession(err) {
		t.Fatalf("Submit() = %v, want session fault", err)
	}
	if len(client.submitted) != 0 {
		t.Error("request sent without a session")
	}
}

type denyAll struct{}

func (denyAll) AdmitSubmission(ctx context.Context, req SubmitRequest) error {
	return fault.Policy("too many workers", nil)
}

func TestSubmitDeniedByAdmitter(t *testing.T) {
	client := &mockClient{}
	r := NewRequester(client, newActiveSession(t), zerolog.Nop(), WithAdmitter(denyAll{}))

	if err := r.Submit(context.Background(), localReq, time.Second); !fault.IsKind(err, fault.KindPolicy) {
		t.Fatalf("Submit() = %v, want policy fault", err)
	}
	if len(client.submitted) != 0 {
		t.Error("denied request reached the client")
	}
}

func TestActivateSuccess(t *testing.T) {
	client := &mockClient{
		progress: []Progress{{Completed: 3, Total: 6}, {Completed: 6, Total: 6}},
	}
	r := NewRequester(client, newActiveSession(t), zerolog.Nop())

	report, err := r.Activate(context.Background(), ActivateRequest{
		TopologyPath:      "topo.yaml",
		DisableValidation: true,
		UpdateType:        "update",
	}, time.Second)
	if err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	if report.Progress != (Progress{Completed: 6, Total: 6}) {
		t.Errorf("Progress = %+v", report.Progress)
	}
	if client.activated[0].UpdateType != UpdateActivate {
		t.Errorf("UpdateType = %q, want activate", client.activated[0].UpdateType)
	}
	if !client.activated[0].DisableValidation {
		t.Error("DisableValidation was not forwarded")
	}
}

func TestActivateErrorMessage(t *testing.T) {
	client := &mockClient{
		messages: []Message{{SeverityError, "task sampler failed to start"}},
		progress: []Progress{{Completed: 5, Errors: 1, Total: 6}},
	}
	r := NewRequester(client, newActiveSession(t), zerolog.Nop())

	report, err := r.Activate(context.Background(), ActivateRequest{TopologyPath: "topo.yaml"}, time.Second)
	if !fault.IsKind(err, fault.KindActivation) {
		t.Fatalf("Activate() = %v, want activation fault", err)
	}
	if report == nil || report.Progress.Errors != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestActivateTimeout(t *testing.T) {
	r := NewRequester(&mockClient{neverDone: true}, newActiveSession(t), zerolog.Nop())

	_, err := r.Activate(context.Background(), ActivateRequest{TopologyPath: "topo.yaml"}, 30*time.Millisecond)
	if !fault.IsTimeout(err) {
		t.Fatalf("Activate() = %v, want timeout", err)
	}
}

func TestActivateRequiresPath(t *testing.T) {
	r := NewRequester(&mockClient{}, newActiveSession(t), zerolog.Nop())
	if _, err := r.Activate(context.Background(), ActivateRequest{}, time.Second); !fault.IsKind(err, fault.KindActivation) {
		t.Fatalf("Activate() = %v, want activation fault", err)
	}
}
