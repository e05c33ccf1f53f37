package supervisor

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tripwire/sysbridge/internal/arch"
	"github.com/tripwire/sysbridge/internal/backend"
	"github.com/tripwire/sysbridge/internal/controlplane"
	"github.com/tripwire/sysbridge/internal/filter"
	"github.com/tripwire/sysbridge/internal/syscallrec"
	"github.com/tripwire/sysbridge/internal/tracer"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(t *testing.T, fb *backend.FakeBackend) (*Supervisor, *backend.FakeLauncher) {
	t.Helper()
	launcher := &backend.FakeLauncher{NextBackend: fb, NextPID: 4242}
	engine := &tracer.Engine{
		Desc:    arch.X8664,
		Filters: filter.Table{Default: syscallrec.Continue},
		Logger:  silentLogger(),
	}
	return New(arch.X8664, launcher, engine, silentLogger()), launcher
}

func TestSupervisorSpawnThenStartTracingRunsToExit(t *testing.T) {
	fb := backend.NewFakeBackend(1, nil)
	fb.PushStop(backend.WaitStatus{Reason: backend.StopExited, ExitCode: 0}, arch.RegisterFile{})

	sup, launcher := newTestSupervisor(t, fb)

	resp, err := sup.Spawn(controlplane.SpawnRequest{Program: "/bin/true"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if resp.PID != 4242 {
		t.Fatalf("PID = %d, want 4242", resp.PID)
	}
	if len(launcher.Requests) != 1 {
		t.Fatalf("expected one launch request, got %d", len(launcher.Requests))
	}

	if err := sup.StartTracing(controlplane.SessionRequest{SessionID: resp.SessionID}); err != nil {
		t.Fatalf("StartTracing: %v", err)
	}

	sess, _ := sup.lookup(resp.SessionID)
	select {
	case <-sess.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker goroutine did not finish after StartTracing")
	}
}

// TestSupervisorKillBeforeStartTracingDoesNotDeadlock exercises the fix
// this package exists to encode: a Kill that arrives before StartTracing
// must still release the worker goroutine instead of leaving it blocked
// forever at the start barrier.
func TestSupervisorKillBeforeStartTracingDoesNotDeadlock(t *testing.T) {
	fb := backend.NewFakeBackend(1, nil)
	sup, _ := newTestSupervisor(t, fb)

	resp, err := sup.Spawn(controlplane.SpawnRequest{Program: "/bin/sleep", Args: []string{"100"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sup.mu.Lock()
		sess := sup.sessions[resp.SessionID]
		sup.mu.Unlock()
		if sess != nil {
			<-sess.done
		}
		close(done)
	}()

	if err := sup.Kill(controlplane.SessionRequest{SessionID: resp.SessionID}); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker goroutine deadlocked waiting for StartTracing after Kill")
	}
	if !fb.Killed() {
		t.Fatal("expected backend to be killed")
	}
}

func TestSupervisorUnknownSessionErrors(t *testing.T) {
	fb := backend.NewFakeBackend(1, nil)
	sup, _ := newTestSupervisor(t, fb)

	if err := sup.StartTracing(controlplane.SessionRequest{SessionID: "nope"}); err == nil {
		t.Fatal("expected error for unknown session")
	}
	if err := sup.StopTracing(controlplane.SessionRequest{SessionID: "nope"}); err == nil {
		t.Fatal("expected error for unknown session")
	}
	if err := sup.Kill(controlplane.SessionRequest{SessionID: "nope"}); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestSupervisorSpawnFailurePropagatesCode(t *testing.T) {
	launcher := &backend.FakeLauncher{Err: io.ErrClosedPipe}
	engine := &tracer.Engine{Desc: arch.X8664, Filters: filter.Table{Default: syscallrec.Continue}, Logger: silentLogger()}
	sup := New(arch.X8664, launcher, engine, silentLogger())

	_, err := sup.Spawn(controlplane.SpawnRequest{Program: "/bin/true"})
	if err == nil {
		t.Fatal("expected error")
	}
	he, ok := err.(*controlplane.HandlerError)
	if !ok || he.Code != controlplane.ErrSpawnFailed {
		t.Fatalf("expected HandlerError(spawn_failed), got %v", err)
	}
}
