package executor

import "github.com/tripwire/sysbridge/internal/syscallrec"

// LoopbackRunner answers every forwarded call with a fixed success result
// without touching the host at all. It exists for exercising the tracer's
// forwarding path (config, filters, the data plane itself) without taking
// on the risk of LocalRunner's real execution.
type LoopbackRunner struct {
	// Retval is returned for every call. Defaults to 0.
	Retval int64
}

func (r LoopbackRunner) Run(s syscallrec.Syscall) (retval, errno int64, err error) {
	return r.Retval, 0, nil
}
