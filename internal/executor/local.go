//go:build linux

package executor

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tripwire/sysbridge/internal/syscallrec"
)

// localAllowed is the exhaustive set of syscalls LocalRunner will actually
// perform on the host. Everything else returns ENOSYS rather than falling
// through to a default behavior, so adding support for a new syscall is
// always an explicit, reviewed decision.
var localAllowed = map[string]bool{
	"getpid": true,
	"write":  true,
	"read":   true,
}

// localDenied documents syscalls that must never reach LocalRunner even if
// a filter table is misconfigured to forward them: running them against
// the executor's own process rather than synthesizing a result would
// either do nothing useful (the new process lives in the wrong place) or
// actively dangerous (handing the executor's own image to exec).
var localDenied = map[string]bool{
	"execve": true,
	"fork":   true,
	"clone":  true,
	"vfork":  true,
}

// LocalRunner performs a narrow allow-list of syscalls for real, against a
// scratch file standing in for the tracee's file descriptors. It exists to
// demonstrate genuine forwarded execution without granting a remote tracer
// arbitrary local syscall access.
type LocalRunner struct {
	mu      sync.Mutex
	scratch *os.File
}

// NewLocalRunner opens a private scratch file that write/read forwarding
// operates against.
func NewLocalRunner() (*LocalRunner, error) {
	f, err := os.CreateTemp("", "sysbridge-executor-*")
	if err != nil {
		return nil, fmt.Errorf("executor: create scratch file: %w", err)
	}
	return &LocalRunner{scratch: f}, nil
}

// Close releases the scratch file.
func (r *LocalRunner) Close() error {
	return r.scratch.Close()
}

const enosys = 38

func (r *LocalRunner) Run(s syscallrec.Syscall) (retval, errno int64, err error) {
	if localDenied[s.Name] {
		return 0, 0, fmt.Errorf("executor: refusing to execute %s locally", s.Name)
	}
	if !localAllowed[s.Name] {
		return 0, int64(enosys), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch s.Name {
	case "getpid":
		return int64(os.Getpid()), 0, nil
	case "write":
		return r.runWrite(s)
	case "read":
		return r.runRead(s)
	default:
		return 0, int64(enosys), nil
	}
}

func (r *LocalRunner) runWrite(s syscallrec.Syscall) (int64, int64, error) {
	buf := s.Args[1]
	if buf == nil {
		return 0, int64(unix.EFAULT), nil
	}
	n, err := r.scratch.WriteAt(buf.Content, 0)
	if err != nil {
		return 0, int64(unix.EIO), nil
	}
	return int64(n), 0, nil
}

func (r *LocalRunner) runRead(s syscallrec.Syscall) (int64, int64, error) {
	buf := s.Args[1]
	want := uint64(0)
	if buf != nil {
		want = buf.Size
	}
	if want == 0 {
		return 0, 0, nil
	}
	out := make([]byte, want)
	n, err := r.scratch.ReadAt(out, 0)
	if err != nil && n == 0 {
		return 0, int64(unix.EIO), nil
	}
	if buf != nil {
		buf.Content = out[:n]
		buf.Truncated = false
	}
	return int64(n), 0, nil
}
