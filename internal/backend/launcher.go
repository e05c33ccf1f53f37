package backend

import "github.com/tripwire/sysbridge/internal/arch"

// Launcher starts a brand-new process under trace from its very first
// instruction, consuming the initial attach-stop before returning, so the
// caller receives a Backend already positioned at the entry of the
// process's first syscall.
type Launcher interface {
	Launch(program string, args []string, desc arch.Descriptor) (be Backend, pid int, err error)
}

// FakeLauncher returns a pre-built Backend for tests instead of spawning a
// real process.
type FakeLauncher struct {
	// NextBackend and NextPID are returned by the next Launch call.
	NextBackend Backend
	NextPID     int
	// Err, if set, is returned instead.
	Err error

	// Requests records every (program, args) pair passed to Launch.
	Requests [][2]any
}

func (f *FakeLauncher) Launch(program string, args []string, desc arch.Descriptor) (Backend, int, error) {
	f.Requests = append(f.Requests, [2]any{program, args})
	if f.Err != nil {
		return nil, 0, f.Err
	}
	return f.NextBackend, f.NextPID, nil
}
