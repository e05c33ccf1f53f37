package backend

import (
	"fmt"

	"github.com/tripwire/sysbridge/internal/arch"
)

// FakeBackend is an in-memory Backend used by decoder, filter, and tracer
// tests. Memory is a flat byte map keyed by address; registers and a
// scripted sequence of stops drive ResumeToNextSyscallStop.
type FakeBackend struct {
	pid      int
	mem      map[uint64]byte
	regs     arch.RegisterFile
	stops    []WaitStatus
	stopIdx  int
	attached bool
	killed   bool

	// RegsAfterStop, if non-nil, is applied to regs after each scripted
	// stop is consumed — simulating the kernel advancing rax/rip between
	// entry and exit.
	RegsAfterStop []arch.RegisterFile

	// WriteHistory records every register file passed to WriteRegisters,
	// in call order, so tests can observe writes the engine makes
	// between two scripted stops (e.g. a syscall-suppressing rewrite)
	// that would otherwise be overwritten by the next scripted stop.
	WriteHistory []arch.RegisterFile
}

// NewFakeBackend returns a FakeBackend for pid with memory pre-seeded from
// seed (address -> bytes starting there).
func NewFakeBackend(pid int, seed map[uint64][]byte) *FakeBackend {
	mem := make(map[uint64]byte)
	for addr, bs := range seed {
		for i, b := range bs {
			mem[addr+uint64(i)] = b
		}
	}
	return &FakeBackend{pid: pid, mem: mem}
}

// PushStop appends a scripted WaitStatus/register pair returned by
// successive ResumeToNextSyscallStop calls.
func (f *FakeBackend) PushStop(ws WaitStatus, regs arch.RegisterFile) {
	f.stops = append(f.stops, ws)
	f.RegsAfterStop = append(f.RegsAfterStop, regs)
}

func (f *FakeBackend) PID() int { return f.pid }

func (f *FakeBackend) Attach() error {
	f.attached = true
	return nil
}

func (f *FakeBackend) Detach() error {
	f.attached = false
	return nil
}

func (f *FakeBackend) ReadRegisters() (arch.RegisterFile, error) {
	return f.regs, nil
}

func (f *FakeBackend) WriteRegisters(regs arch.RegisterFile) error {
	f.regs = regs
	f.WriteHistory = append(f.WriteHistory, regs)
	return nil
}

func (f *FakeBackend) ReadMemory(addr uint64, size uint64) ([]byte, error) {
	out := make([]byte, size)
	for i := uint64(0); i < size; i++ {
		b, ok := f.mem[addr+i]
		if !ok {
			return out[:i], &Error{Kind: KindBadAddr, PID: f.pid, Op: "fake-read", Err: fmt.Errorf("unmapped address %#x", addr+i)}
		}
		out[i] = b
	}
	return out, nil
}

func (f *FakeBackend) WriteMemory(addr uint64, data []byte) error {
	for i, b := range data {
		f.mem[addr+uint64(i)] = b
	}
	return nil
}

func (f *FakeBackend) ResumeToNextSyscallStop() (WaitStatus, error) {
	if f.killed {
		return WaitStatus{}, &Error{Kind: KindGone, PID: f.pid, Op: "fake-resume", Err: fmt.Errorf("killed")}
	}
	if f.stopIdx >= len(f.stops) {
		return WaitStatus{Reason: StopExited, ExitCode: 0}, nil
	}
	ws := f.stops[f.stopIdx]
	f.regs = f.RegsAfterStop[f.stopIdx]
	f.stopIdx++
	return ws, nil
}

func (f *FakeBackend) Kill() error {
	f.killed = true
	return nil
}

// Attached reports whether Attach has been called more recently than
// Detach; tests use it to assert lifecycle ordering.
func (f *FakeBackend) Attached() bool { return f.attached }

// Killed reports whether Kill has been called.
func (f *FakeBackend) Killed() bool { return f.killed }
