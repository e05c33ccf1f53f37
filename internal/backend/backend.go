// Package backend isolates every direct interaction with a traced
// process behind a narrow interface, so the tracer engine and its tests
// never call ptrace or /proc directly. The production implementation
// (PtraceBackend) is Linux/amd64-only and build-tagged accordingly;
// FakeBackend drives the rest of the package's tests on any platform.
package backend

import (
	"fmt"

	"github.com/tripwire/sysbridge/internal/arch"
)

// StopReason describes why ResumeToNextSyscallStop returned.
type StopReason string

const (
	// StopSyscall is a normal entry or exit syscall-stop.
	StopSyscall StopReason = "syscall"
	// StopExited means the tracee ran to completion; WaitStatus carries
	// its exit code.
	StopExited StopReason = "exited"
	// StopSignaled means the tracee was killed by an uncaught signal.
	StopSignaled StopReason = "signaled"
	// StopGroupStop is a group-stop delivered by a signal other than the
	// syscall-stop trap; the caller must re-resume with that signal
	// injected or suppressed.
	StopGroupStop StopReason = "group-stop"
)

// WaitStatus is the architecture-neutral result of waiting for a tracee's
// next stop.
type WaitStatus struct {
	Reason   StopReason
	ExitCode int
	Signal   int
}

// ErrorKind classifies why a Backend call failed, so callers can decide
// whether the tracee is still usable.
type ErrorKind string

const (
	// KindGone means the tracee no longer exists (ESRCH).
	KindGone ErrorKind = "gone"
	// KindPermission means the calling process lacks permission to trace
	// or access the tracee (EPERM).
	KindPermission ErrorKind = "permission"
	// KindBus means a memory operation faulted outside any mapped region.
	KindBus ErrorKind = "bus"
	// KindBadAddr means the tracee pointer did not resolve to readable or
	// writable memory (EFAULT/EIO).
	KindBadAddr ErrorKind = "bad-addr"
	// KindWouldBlock means the operation could not complete without
	// blocking and the caller asked for a non-blocking attempt.
	KindWouldBlock ErrorKind = "would-block"
	// KindOther covers anything not classified above.
	KindOther ErrorKind = "other"
)

// Error wraps a backend failure with its classification and the pid it
// concerns.
type Error struct {
	Kind ErrorKind
	PID  int
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend: %s pid=%d: %v", e.Op, e.PID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Backend is every operation the tracer engine needs to perform against
// one attached tracee. A Backend is bound to a single pid at construction
// and is not safe for concurrent use by more than one goroutine, matching
// the one-worker-per-tracee model.
type Backend interface {
	// Attach begins tracing the pid this Backend was constructed for,
	// blocking until the initial attach-stop is observed.
	Attach() error

	// Detach stops tracing and lets the tracee run free.
	Detach() error

	// ReadRegisters returns the tracee's current register snapshot.
	ReadRegisters() (arch.RegisterFile, error)

	// WriteRegisters applies regs to the tracee.
	WriteRegisters(regs arch.RegisterFile) error

	// ReadMemory copies size bytes starting at addr out of the tracee's
	// address space. A short read returns the bytes obtained before the
	// fault along with a *Error of KindBadAddr.
	ReadMemory(addr uint64, size uint64) ([]byte, error)

	// WriteMemory copies data into the tracee's address space starting at
	// addr. Implementations write in WordSize units, per the descriptor
	// this Backend was constructed with, padding the final partial word
	// with bytes peeked from the tracee so surrounding memory is
	// preserved.
	WriteMemory(addr uint64, data []byte) error

	// ResumeToNextSyscallStop resumes the tracee and blocks until the
	// next syscall-entry-stop, syscall-exit-stop, or termination.
	ResumeToNextSyscallStop() (WaitStatus, error)

	// Kill terminates the tracee immediately (spec §4.9: the Kill
	// decision must not wait for a further stop).
	Kill() error

	// PID returns the tracee's process ID.
	PID() int
}
