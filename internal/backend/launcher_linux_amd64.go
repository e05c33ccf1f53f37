//go:build linux && amd64

package backend

import (
	"fmt"
	"os/exec"
	"syscall"

	"github.com/tripwire/sysbridge/internal/arch"
)

// PtraceLauncher spawns processes with PTRACE_TRACEME set in the child
// before its execve, grounded on the fork-and-TRACEME discipline common to
// strace-alikes: the kernel delivers a SIGTRAP the instant the new image
// takes over, letting the tracer observe the very first syscall.
type PtraceLauncher struct{}

func (PtraceLauncher) Launch(program string, args []string, desc arch.Descriptor) (Backend, int, error) {
	cmd := exec.Command(program, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return nil, 0, fmt.Errorf("backend: start %q: %w", program, err)
	}
	pid := cmd.Process.Pid

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, pid, fmt.Errorf("backend: wait for initial trap pid=%d: %w", pid, err)
	}
	if !ws.Stopped() {
		return nil, pid, fmt.Errorf("backend: pid=%d did not stop at exec (status %v)", pid, ws)
	}

	if err := syscall.PtraceSetOptions(pid, syscall.PTRACE_O_TRACESYSGOOD|syscall.PTRACE_O_EXITKILL); err != nil {
		return nil, pid, fmt.Errorf("backend: set options pid=%d: %w", pid, err)
	}

	return NewPtraceBackend(pid, desc), pid, nil
}
