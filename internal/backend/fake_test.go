package backend

import (
	"testing"

	"github.com/tripwire/sysbridge/internal/arch"
)

func TestFakeBackendMemoryRoundTrip(t *testing.T) {
	b := NewFakeBackend(100, nil)
	if err := b.WriteMemory(0x1000, []byte("hello\x00")); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	got, err := b.ReadMemory(0x1000, 6)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if string(got) != "hello\x00" {
		t.Fatalf("ReadMemory = %q, want %q", got, "hello\x00")
	}
}

func TestFakeBackendReadUnmapped(t *testing.T) {
	b := NewFakeBackend(100, nil)
	_, err := b.ReadMemory(0x9999, 4)
	if err == nil {
		t.Fatal("expected error reading unmapped memory")
	}
	var be *Error
	if !asError(err, &be) || be.Kind != KindBadAddr {
		t.Fatalf("expected KindBadAddr, got %v", err)
	}
}

func TestFakeBackendScriptedStops(t *testing.T) {
	b := NewFakeBackend(100, nil)
	entryRegs := arch.RegisterFile{}.Set("orig_rax", 1)
	exitRegs := arch.RegisterFile{}.Set("orig_rax", 1).Set("rax", 5)
	b.PushStop(WaitStatus{Reason: StopSyscall}, entryRegs)
	b.PushStop(WaitStatus{Reason: StopSyscall}, exitRegs)
	b.PushStop(WaitStatus{Reason: StopExited, ExitCode: 0}, arch.RegisterFile{})

	ws, err := b.ResumeToNextSyscallStop()
	if err != nil || ws.Reason != StopSyscall {
		t.Fatalf("stop 1 = %+v, %v", ws, err)
	}
	regs, _ := b.ReadRegisters()
	if regs.Get("orig_rax") != 1 {
		t.Fatalf("entry regs not applied: %+v", regs)
	}

	ws, err = b.ResumeToNextSyscallStop()
	if err != nil || ws.Reason != StopSyscall {
		t.Fatalf("stop 2 = %+v, %v", ws, err)
	}
	regs, _ = b.ReadRegisters()
	if regs.Get("rax") != 5 {
		t.Fatalf("exit regs not applied: %+v", regs)
	}

	ws, err = b.ResumeToNextSyscallStop()
	if err != nil || ws.Reason != StopExited {
		t.Fatalf("stop 3 = %+v, %v", ws, err)
	}
}

func TestFakeBackendKill(t *testing.T) {
	b := NewFakeBackend(100, nil)
	if err := b.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if !b.Killed() {
		t.Fatal("expected Killed() true")
	}
	if _, err := b.ResumeToNextSyscallStop(); err == nil {
		t.Fatal("expected error resuming a killed backend")
	}
}

func asError(err error, target **Error) bool {
	be, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = be
	return true
}
