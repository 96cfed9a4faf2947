package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/fault"
)

// Mock manager for testing
type mockManager struct {
	mu            sync.Mutex
	createErr     error
	shutdownErr   error
	keepID        bool
	counts        []int
	countErr      error
	createCalls   int
	shutdownCalls int
	countCalls    int

	// block, when set, holds create and shutdown calls until it is closed
	// or the call's context ends. entered is signalled on each blocked call.
	block   chan struct{}
	entered chan struct{}
}

func (m *mockManager) wait(ctx context.Context) error {
	m.mu.Lock()
	block, entered := m.block, m.entered
	m.mu.Unlock()
	if block == nil {
		return nil
	}
	if entered != nil {
		entered <- struct{}{}
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockManager) CreateSession(ctx context.Context) (ID, error) {
	if err := m.wait(ctx); err != nil {
		return Nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return Nil, m.createErr
	}
	return NewID(), nil
}

func (m *mockManager) ShutdownSession(ctx context.Context, id ID) (ID, error) {
	if err := m.wait(ctx); err != nil {
		return id, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownCalls++
	if m.shutdownErr != nil {
		return id, m.shutdownErr
	}
	if m.keepID {
		return id, nil
	}
	return Nil, nil
}

func (m *mockManager) CountAgents(ctx context.Context, id ID, state AgentState) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countCalls++
	if m.countErr != nil {
		return 0, m.countErr
	}
	if len(m.counts) == 0 {
		return 0, nil
	}
	n := m.counts[0]
	if len(m.counts) > 1 {
		m.counts = m.counts[1:]
	}
	return n, nil
}

func TestIDNilAndEquality(t *testing.T) {
	var zero ID
	if !zero.IsNil() || zero != Nil {
		t.Fatal("zero ID should be Nil")
	}

	a := NewID()
	if a.IsNil() {
		t.Fatal("NewID() returned Nil")
	}

	parsed, err := ParseID(a.String())
	if err != nil {
		t.Fatalf("ParseID() error: %v", err)
	}
	if parsed != a {
		t.Errorf("ParseID(String()) = %v, want %v", parsed, a)
	}
	if NewID() == a {
		t.Error("two fresh IDs compared equal")
	}

	if _, err := ParseID("not-a-session"); err == nil {
		t.Error("expected ParseID error")
	}
}

func TestSessionLifecycle(t *testing.T) {
	mgr := &mockManager{}
	s := New(mgr, zerolog.Nop())
	ctx := context.Background()

	if s.Status() != StatusNotCreated || s.IsRunning() {
		t.Fatal("new session should be NotCreated")
	}
	if _, err := s.Require(); !fault.IsSession(err) {
		t.Fatalf("Require() on NotCreated = %v, want session fault", err)
	}

	id, err := s.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if !s.IsRunning() || s.ID() != id {
		t.Fatal("session should be running with the created id")
	}

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if s.Status() != StatusDestroyed || !s.ID().IsNil() {
		t.Errorf("after Shutdown: status=%s id=%v", s.Status(), s.ID())
	}

	// A destroyed session can host a new episode.
	if _, err := s.Create(ctx); err != nil {
		t.Fatalf("Create() after Destroyed error: %v", err)
	}
}

func TestSessionShutdownIdempotent(t *testing.T) {
	mgr := &mockManager{}
	s := New(mgr, zerolog.Nop())
	ctx := context.Background()

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() on NotCreated: %v", err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown(): %v", err)
	}
	if mgr.shutdownCalls != 0 {
		t.Errorf("manager called %d times for a session that never existed", mgr.shutdownCalls)
	}

	if _, err := s.Create(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() on Destroyed: %v", err)
	}
	if mgr.shutdownCalls != 1 {
		t.Errorf("shutdownCalls = %d, want 1", mgr.shutdownCalls)
	}
}

func TestSessionCreateFailure(t *testing.T) {
	mgr := &mockManager{createErr: errors.New("commander unreachable")}
	s := New(mgr, zerolog.Nop())

	_, err := s.Create(context.Background())
	if !fault.IsSession(err) {
		t.Fatalf("Create() = %v, want session fault", err)
	}
	if s.IsRunning() {
		t.Error("failed Create should leave the session stopped")
	}
}

func TestSessionCreateTwice(t *testing.T) {
	s := New(&mockManager{}, zerolog.Nop())
	if _, err := s.Create(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(context.Background()); !fault.IsSession(err) {
		t.Fatalf("second Create() = %v, want session fault", err)
	}
}

func TestSessionShutdownNotEffective(t *testing.T) {
	mgr := &mockManager{keepID: true}
	s := New(mgr, zerolog.Nop())
	ctx := context.Background()

	id, err := s.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Shutdown(ctx); !fault.IsSession(err) {
		t.Fatalf("Shutdown() = %v, want session fault", err)
	}
	if !s.IsRunning() || s.ID() != id {
		t.Error("session should still be running after an ineffective shutdown")
	}
}

func TestSessionShutdownError(t *testing.T) {
	mgr := &mockManager{shutdownErr: errors.New("timeout")}
	s := New(mgr, zerolog.Nop())
	if _, err := s.Create(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(context.Background()); !fault.IsSession(err) {
		t.Fatalf("Shutdown() = %v, want session fault", err)
	}
}

// within fails the test when fn does not return within a second.
func within(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("%s blocked", what)
	}
}

func TestSessionReadableDuringCreate(t *testing.T) {
	mgr := &mockManager{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := New(mgr, zerolog.Nop())

	created := make(chan error, 1)
	go func() {
		_, err := s.Create(context.Background())
		created <- err
	}()
	<-mgr.entered

	within(t, "Status() during Create", func() {
		if st := s.Status(); st != StatusNotCreated {
			t.Errorf("Status() = %s, want not_created while create is in flight", st)
		}
		if !s.ID().IsNil() || s.IsRunning() {
			t.Error("session should not expose an id before Create returns")
		}
	})

	if _, err := s.Create(context.Background()); !fault.IsSession(err) {
		t.Errorf("concurrent Create() = %v, want session fault", err)
	}

	close(mgr.block)
	if err := <-created; err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if !s.IsRunning() {
		t.Error("session should be running once Create returns")
	}
}

func TestSessionReadableDuringShutdown(t *testing.T) {
	mgr := &mockManager{}
	s := New(mgr, zerolog.Nop())
	id, err := s.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	mgr.mu.Lock()
	mgr.block = make(chan struct{})
	mgr.entered = make(chan struct{}, 1)
	mgr.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background()) }()
	<-mgr.entered

	within(t, "ID() during Shutdown", func() {
		if s.ID() != id || s.Status() != StatusCreated {
			t.Errorf("ID()=%v Status()=%s, want the running session until teardown commits", s.ID(), s.Status())
		}
	})

	close(mgr.block)
	if err := <-done; err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if s.Status() != StatusDestroyed {
		t.Errorf("Status() = %s, want destroyed", s.Status())
	}
}

func TestSessionCreateDeadline(t *testing.T) {
	mgr := &mockManager{block: make(chan struct{})}
	s := New(mgr, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Create(ctx); !fault.IsTimeout(err) {
		t.Fatalf("Create() = %v, want timeout fault", err)
	}
	if s.IsRunning() {
		t.Fatal("timed out Create should leave the session stopped")
	}

	mgr.mu.Lock()
	mgr.block = nil
	mgr.mu.Unlock()
	if _, err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create() after a timed out attempt: %v", err)
	}
}

func TestSessionShutdownDeadline(t *testing.T) {
	mgr := &mockManager{}
	s := New(mgr, zerolog.Nop())
	if _, err := s.Create(context.Background()); err != nil {
		t.Fatal(err)
	}

	mgr.mu.Lock()
	mgr.block = make(chan struct{})
	mgr.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !fault.IsTimeout(err) {
		t.Fatalf("Shutdown() = %v, want timeout fault", err)
	}
	if !s.IsRunning() {
		t.Error("session should still be running after a timed out shutdown")
	}
}

func TestWaiterReachesTarget(t *testing.T) {
	mgr := &mockManager{counts: []int{0, 2, 4, 6}}
	s := New(mgr, zerolog.Nop())
	if _, err := s.Create(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := NewWaiter(s, zerolog.Nop())
	err := w.WaitForActiveCount(context.Background(), 6, WaitOptions{
		Timeout:      time.Second,
		PollInterval: time.Millisecond,
		MaxPolls:     100,
	})
	if err != nil {
		t.Fatalf("WaitForActiveCount() error: %v", err)
	}
	if mgr.countCalls != 4 {
		t.Errorf("countCalls = %d, want 4", mgr.countCalls)
	}
}

func TestWaiterMaxPolls(t *testing.T) {
	mgr := &mockManager{counts: []int{1}}
	s := New(mgr, zerolog.Nop())
	if _, err := s.Create(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := NewWaiter(s, zerolog.Nop())
	err := w.WaitForActiveCount(context.Background(), 6, WaitOptions{
		Timeout:      time.Minute,
		PollInterval: time.Millisecond,
		MaxPolls:     5,
	})
	if !fault.IsTimeout(err) {
		t.Fatalf("WaitForActiveCount() = %v, want timeout", err)
	}
	if mgr.countCalls != 5 {
		t.Errorf("countCalls = %d, want exactly MaxPolls", mgr.countCalls)
	}
}

func TestWaiterDeadline(t *testing.T) {
	mgr := &mockManager{counts: []int{0}}
	s := New(mgr, zerolog.Nop())
	if _, err := s.Create(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := NewWaiter(s, zerolog.Nop())
	start := time.Now()
	err := w.WaitForActiveCount(context.Background(), 1, WaitOptions{
		Timeout:      50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		MaxPolls:     1000,
	})
	if !fault.IsTimeout(err) {
		t.Fatalf("WaitForActiveCount() = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait took %s, deadline was 50ms", elapsed)
	}
}

func TestWaiterCancelledReportsElapsed(t *testing.T) {
	mgr := &mockManager{counts: []int{0}}
	s := New(mgr, zerolog.Nop())
	if _, err := s.Create(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	w := NewWaiter(s, zerolog.Nop())
	err := w.WaitForActiveCount(ctx, 3, WaitOptions{
		Timeout:      time.Minute,
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     100000,
	})
	if !fault.IsTimeout(err) {
		t.Fatalf("WaitForActiveCount() = %v, want timeout", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "wait cancelled after") {
		t.Errorf("error %q does not say the wait was cancelled", msg)
	}
	if strings.Contains(msg, "1m0s") {
		t.Errorf("error %q reports the configured timeout instead of the elapsed time", msg)
	}
}

func TestWaiterDeadlineReportsElapsed(t *testing.T) {
	mgr := &mockManager{counts: []int{0}}
	s := New(mgr, zerolog.Nop())
	if _, err := s.Create(context.Background()); err != nil {
		t.Fatal(err)
	}

	parent, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	w := NewWaiter(s, zerolog.Nop())
	err := w.WaitForActiveCount(parent, 3, WaitOptions{
		Timeout:      time.Minute,
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     100000,
	})
	if !fault.IsTimeout(err) {
		t.Fatalf("WaitForActiveCount() = %v, want timeout", err)
	}
	if msg := err.Error(); strings.Contains(msg, "1m0s") || strings.Contains(msg, "cancelled") {
		t.Errorf("error %q should report the elapsed time of a deadline", msg)
	}
}

func TestWaiterQueryErrorsKeepPolling(t *testing.T) {
	mgr := &mockManager{countErr: errors.New("transient")}
	s := New(mgr, zerolog.Nop())
	if _, err := s.Create(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := NewWaiter(s, zerolog.Nop())
	err := w.WaitForActiveCount(context.Background(), 1, WaitOptions{
		Timeout:      time.Second,
		PollInterval: time.Millisecond,
		MaxPolls:     3,
	})
	if !fault.IsTimeout(err) {
		t.Fatalf("WaitForActiveCount() = %v, want timeout", err)
	}
	if mgr.countCalls != 3 {
		t.Errorf("countCalls = %d, want 3", mgr.countCalls)
	}
}

func TestWaiterWithoutSession(t *testing.T) {
	s := New(&mockManager{}, zerolog.Nop())
	w := NewWaiter(s, zerolog.Nop())

	err := w.WaitForActiveCount(context.Background(), 1, WaitOptions{PollInterval: time.Millisecond})
	if !fault.IsSession(err) {
		t.Fatalf("WaitForActiveCount() = %v, want session fault", err)
	}
}

func TestWaiterZeroTarget(t *testing.T) {
	w := NewWaiter(New(&mockManager{}, zerolog.Nop()), zerolog.Nop())
	if err := w.WaitForActiveCount(context.Background(), 0, WaitOptions{}); err != nil {
		t.Fatalf("zero target should succeed, got %v", err)
	}
}
