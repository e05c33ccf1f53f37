package tracer

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/tripwire/sysbridge/internal/arch"
	"github.com/tripwire/sysbridge/internal/backend"
	"github.com/tripwire/sysbridge/internal/dataplane"
	"github.com/tripwire/sysbridge/internal/filter"
	"github.com/tripwire/sysbridge/internal/syscallrec"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func regsForSyscall(no uint64, args ...uint64) arch.RegisterFile {
	rf := arch.RegisterFile{}.Set("orig_rax", no)
	names := []string{"rdi", "rsi", "rdx", "r10", "r8", "r9"}
	for i, a := range args {
		if i >= len(names) {
			break
		}
		rf = rf.Set(names[i], a)
	}
	return rf
}

func TestEngineRunContinueDecisionExitsCleanly(t *testing.T) {
	be := backend.NewFakeBackend(1, nil)
	be.PushStop(backend.WaitStatus{Reason: backend.StopSyscall}, regsForSyscall(39)) // getpid entry
	be.PushStop(backend.WaitStatus{Reason: backend.StopSyscall}, regsForSyscall(39).Set("rax", 1234))
	be.PushStop(backend.WaitStatus{Reason: backend.StopExited, ExitCode: 0}, arch.RegisterFile{})

	history, err := NewSQLiteHistory(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteHistory: %v", err)
	}
	defer history.Close()

	eng := &Engine{
		Desc:    arch.X8664,
		Filters: filter.Table{Default: syscallrec.Continue},
		History: history,
		Logger:  silentLogger(),
	}

	if err := eng.Run(context.Background(), "session-1", be); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recent, err := history.Recent(context.Background(), "session-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("Continue decision should not be recorded, got %d entries", len(recent))
	}
}

func TestEngineRunLogLocalRecordsHistory(t *testing.T) {
	be := backend.NewFakeBackend(1, map[uint64][]byte{
		0x1000: []byte("/etc/shadow\x00"),
	})
	be.PushStop(backend.WaitStatus{Reason: backend.StopSyscall}, regsForSyscall(2, 0x1000)) // open entry
	be.PushStop(backend.WaitStatus{Reason: backend.StopSyscall}, regsForSyscall(2, 0x1000).Set("rax", 3))
	be.PushStop(backend.WaitStatus{Reason: backend.StopExited}, arch.RegisterFile{})

	history, err := NewSQLiteHistory(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteHistory: %v", err)
	}
	defer history.Close()

	eng := &Engine{
		Desc: arch.X8664,
		Filters: filter.Table{
			Rules:   []filter.Rule{{Name: "log-open", SyscallName: "open", Decision: syscallrec.LogLocal}},
			Default: syscallrec.Continue,
		},
		History: history,
		Logger:  silentLogger(),
	}

	if err := eng.Run(context.Background(), "session-2", be); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recent, err := history.Recent(context.Background(), "session-2", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Name != "open" {
		t.Fatalf("expected one recorded open() call, got %+v", recent)
	}
}

func TestEngineRunKillDecisionStopsImmediately(t *testing.T) {
	be := backend.NewFakeBackend(1, nil)
	be.PushStop(backend.WaitStatus{Reason: backend.StopSyscall}, regsForSyscall(59)) // execve entry

	eng := &Engine{
		Desc: arch.X8664,
		Filters: filter.Table{
			Rules:   []filter.Rule{{Name: "block-exec", SyscallName: "execve", Decision: syscallrec.Kill}},
			Default: syscallrec.Continue,
		},
		Logger: silentLogger(),
	}

	if err := eng.Run(context.Background(), "session-3", be); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !be.Killed() {
		t.Fatal("expected backend to be killed")
	}
}

func TestEngineRunNoExecSuppressesSyscall(t *testing.T) {
	be := backend.NewFakeBackend(1, nil)
	be.PushStop(backend.WaitStatus{Reason: backend.StopSyscall}, regsForSyscall(87, 0x2000)) // unlink entry
	be.PushStop(backend.WaitStatus{Reason: backend.StopSyscall}, regsForSyscall(87, 0x2000).Set("rax", ^uint64(37)+1))
	be.PushStop(backend.WaitStatus{Reason: backend.StopExited}, arch.RegisterFile{})

	eng := &Engine{
		Desc: arch.X8664,
		Filters: filter.Table{
			Rules:   []filter.Rule{{Name: "block-unlink", SyscallName: "unlink", Decision: syscallrec.NoExec}},
			Default: syscallrec.Continue,
		},
		Logger: silentLogger(),
	}

	if err := eng.Run(context.Background(), "session-4", be); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(be.WriteHistory) == 0 {
		t.Fatal("expected at least one register write suppressing the syscall")
	}
	if got := be.WriteHistory[0].Get("orig_rax"); got != ^uint64(0) {
		t.Fatalf("expected first write to rewrite orig_rax to -1, got %#x", got)
	}
}

func TestEngineRunForwardExitSendsToExecutor(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer serverConn.Close()
	server := dataplane.NewPeer(serverConn)

	client := dataplane.NewClient(serverConn.LocalAddr().String(), silentLogger())
	defer client.Close()

	fb := backend.NewFakeBackend(1, nil)
	fb.PushStop(backend.WaitStatus{Reason: backend.StopSyscall}, regsForSyscall(1, 3, 0, 5)) // write entry
	fb.PushStop(backend.WaitStatus{Reason: backend.StopSyscall}, regsForSyscall(1, 3, 0, 5).Set("rax", 5))
	fb.PushStop(backend.WaitStatus{Reason: backend.StopExited}, arch.RegisterFile{})

	eng := &Engine{
		Desc: arch.X8664,
		Filters: filter.Table{
			Rules:   []filter.Rule{{Name: "forward-write", SyscallName: "write", Decision: syscallrec.ForwardExit}},
			Default: syscallrec.Continue,
		},
		Data:   client,
		Logger: silentLogger(),
	}

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), "session-5", fb) }()

	server.SetReadTimeout(2 * time.Second)
	msg, _, err := server.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.SessionID != "session-5" || msg.Syscall.Name != "write" {
		t.Fatalf("unexpected forwarded message: %+v", msg)
	}

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
