//go:build linux && amd64

package backend

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tripwire/sysbridge/internal/arch"
)

// bit7thSet marks a syscall-stop SIGTRAP when PTRACE_O_TRACESYSGOOD is set
// (SIGTRAP|0x80), distinguishing it from every other stop reason.
const bit7thSet = 0x80

// PtraceBackend drives one tracee through ptrace(2) and
// process_vm_readv(2), falling back to PTRACE_PEEKDATA when the former is
// unavailable (older kernels, or a restricted seccomp profile on the
// tracer itself).
type PtraceBackend struct {
	pid      int
	wordSize int
}

// NewPtraceBackend returns a Backend bound to pid, using desc only to
// learn the native word size for WriteMemory.
func NewPtraceBackend(pid int, desc arch.Descriptor) *PtraceBackend {
	return &PtraceBackend{pid: pid, wordSize: desc.WordSize()}
}

func (b *PtraceBackend) PID() int { return b.pid }

func (b *PtraceBackend) Attach() error {
	if err := syscall.PtraceAttach(b.pid); err != nil {
		return classify("attach", b.pid, err)
	}
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(b.pid, &ws, 0, nil); err != nil {
		return classify("attach-wait", b.pid, err)
	}
	if err := syscall.PtraceSetOptions(b.pid, syscall.PTRACE_O_TRACESYSGOOD); err != nil {
		return classify("set-options", b.pid, err)
	}
	return nil
}

func (b *PtraceBackend) Detach() error {
	if err := syscall.PtraceDetach(b.pid); err != nil {
		return classify("detach", b.pid, err)
	}
	return nil
}

func (b *PtraceBackend) ReadRegisters() (arch.RegisterFile, error) {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(b.pid, &regs); err != nil {
		return arch.RegisterFile{}, classify("getregs", b.pid, err)
	}
	return fromPtraceRegs(regs), nil
}

func (b *PtraceBackend) WriteRegisters(rf arch.RegisterFile) error {
	regs := toPtraceRegs(rf)
	if err := syscall.PtraceSetRegs(b.pid, &regs); err != nil {
		return classify("setregs", b.pid, err)
	}
	return nil
}

func (b *PtraceBackend) ReadMemory(addr uint64, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	data := make([]byte, size)
	if n, err := processVMReadv(b.pid, addr, data); err == nil && uint64(n) == size {
		return data, nil
	}
	return b.peekMemory(addr, size)
}

// peekMemory is the word-at-a-time PTRACE_PEEKDATA fallback, grounded in
// the DataDog ptracer's PeekString discipline generalized to arbitrary
// byte counts.
func (b *PtraceBackend) peekMemory(addr uint64, size uint64) ([]byte, error) {
	out := make([]byte, 0, size)
	word := make([]byte, 8)
	for uint64(len(out)) < size {
		n, err := syscall.PtracePeekData(b.pid, uintptr(addr+uint64(len(out))), word)
		if err != nil {
			return out, &Error{Kind: KindBadAddr, PID: b.pid, Op: "peekdata", Err: err}
		}
		if n <= 0 {
			return out, &Error{Kind: KindBadAddr, PID: b.pid, Op: "peekdata", Err: fmt.Errorf("short peek")}
		}
		remain := size - uint64(len(out))
		if uint64(n) > remain {
			n = int(remain)
		}
		out = append(out, word[:n]...)
	}
	return out, nil
}

func (b *PtraceBackend) WriteMemory(addr uint64, data []byte) error {
	word := uint64(b.wordSize)
	if word == 0 {
		word = 8
	}
	for off := uint64(0); off < uint64(len(data)); off += word {
		end := off + word
		chunk := make([]byte, word)
		if end > uint64(len(data)) {
			// Preserve the tail of the destination word that data does
			// not cover.
			existing, err := b.peekMemory(addr+off, word)
			if err != nil {
				return err
			}
			copy(chunk, existing)
			end = uint64(len(data))
		}
		copy(chunk, data[off:end])
		if _, err := syscall.PtracePokeData(b.pid, uintptr(addr+off), chunk); err != nil {
			return &Error{Kind: KindBadAddr, PID: b.pid, Op: "pokedata", Err: err}
		}
	}
	return nil
}

func (b *PtraceBackend) ResumeToNextSyscallStop() (WaitStatus, error) {
	if err := syscall.PtraceSyscall(b.pid, 0); err != nil {
		return WaitStatus{}, classify("ptrace-syscall", b.pid, err)
	}
	var ws syscall.WaitStatus
	wpid, err := syscall.Wait4(b.pid, &ws, 0, nil)
	if err != nil {
		return WaitStatus{}, classify("wait4", b.pid, err)
	}
	_ = wpid

	switch {
	case ws.Exited():
		return WaitStatus{Reason: StopExited, ExitCode: ws.ExitStatus()}, nil
	case ws.Signaled():
		return WaitStatus{Reason: StopSignaled, Signal: int(ws.Signal())}, nil
	case ws.Stopped():
		sig := ws.StopSignal()
		if sig == syscall.SIGTRAP|bit7thSet {
			return WaitStatus{Reason: StopSyscall}, nil
		}
		return WaitStatus{Reason: StopGroupStop, Signal: int(sig)}, nil
	default:
		return WaitStatus{}, &Error{Kind: KindOther, PID: b.pid, Op: "wait4", Err: fmt.Errorf("unrecognized wait status %v", ws)}
	}
}

func (b *PtraceBackend) Kill() error {
	if err := syscall.Kill(b.pid, syscall.SIGKILL); err != nil {
		return classify("kill", b.pid, err)
	}
	return nil
}

func classify(op string, pid int, err error) error {
	kind := KindOther
	switch {
	case err == syscall.ESRCH:
		kind = KindGone
	case err == syscall.EPERM:
		kind = KindPermission
	case err == syscall.EFAULT || err == syscall.EIO:
		kind = KindBadAddr
	case err == syscall.EBUSY:
		kind = KindBus
	}
	return &Error{Kind: kind, PID: pid, Op: op, Err: err}
}

// processVMReadv is the efficient bulk-memory-read primitive (one syscall
// regardless of size), falling back to the caller's PTRACE_PEEKDATA path
// when it errors, e.g. because process_vm_readv is disabled by seccomp or
// the kernel predates it.
func processVMReadv(pid int, addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	localIov := []unix.Iovec{{Base: &data[0], Len: uint64(len(data))}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	return unix.ProcessVMReadv(pid, localIov, remoteIov, 0)
}

func fromPtraceRegs(regs syscall.PtraceRegs) arch.RegisterFile {
	rf := arch.RegisterFile{Generic: make(map[string]uint64, 8)}
	rf.Generic["orig_rax"] = regs.Orig_rax
	rf.Generic["rax"] = regs.Rax
	rf.Generic["rdi"] = regs.Rdi
	rf.Generic["rsi"] = regs.Rsi
	rf.Generic["rdx"] = regs.Rdx
	rf.Generic["r10"] = regs.R10
	rf.Generic["r8"] = regs.R8
	rf.Generic["r9"] = regs.R9
	rf.Generic["rip"] = regs.Rip
	rf.Generic["rsp"] = regs.Rsp
	return rf
}

func toPtraceRegs(rf arch.RegisterFile) syscall.PtraceRegs {
	var regs syscall.PtraceRegs
	regs.Orig_rax = rf.Get("orig_rax")
	regs.Rax = rf.Get("rax")
	regs.Rdi = rf.Get("rdi")
	regs.Rsi = rf.Get("rsi")
	regs.Rdx = rf.Get("rdx")
	regs.R10 = rf.Get("r10")
	regs.R8 = rf.Get("r8")
	regs.R9 = rf.Get("r9")
	regs.Rip = rf.Get("rip")
	regs.Rsp = rf.Get("rsp")
	return regs
}
