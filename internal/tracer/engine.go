package tracer

import (
	"context"
	"log/slog"
	"time"

	"github.com/tripwire/sysbridge/internal/arch"
	"github.com/tripwire/sysbridge/internal/backend"
	"github.com/tripwire/sysbridge/internal/dataplane"
	"github.com/tripwire/sysbridge/internal/decoder"
	"github.com/tripwire/sysbridge/internal/filter"
	"github.com/tripwire/sysbridge/internal/syscallrec"
)

// ForwardTimeout bounds how long the tracer waits for the executor's
// computed result on a ForwardEntry call before giving up and letting the
// suppressed syscall return ENOSYS to the tracee.
const ForwardTimeout = 5 * time.Second

// Engine runs the entry/exit decode-filter-dispatch loop for one tracee
// at a time. It holds no per-tracee state itself; state lives on the
// stack of each Run call, one per worker goroutine.
type Engine struct {
	Desc    arch.Descriptor
	Filters filter.Table
	Data    *dataplane.Client
	History History
	Logger  *slog.Logger
}

// Run drives be through its syscall-stop sequence until the tracee exits,
// is killed, or ctx is cancelled. It implements the Outside -> AtEntry ->
// InKernel -> AtExit -> Outside state machine: ptrace syscall-stops
// alternate between entry and exit, tracked here by the atEntry toggle.
func (e *Engine) Run(ctx context.Context, sessionID string, be backend.Backend) error {
	dec := decoder.New(e.Desc, be)
	atEntry := true
	var pending syscallrec.Syscall

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ws, err := be.ResumeToNextSyscallStop()
		if err != nil {
			return err
		}

		switch ws.Reason {
		case backend.StopExited, backend.StopSignaled:
			return nil
		case backend.StopGroupStop:
			// A non-syscall signal stop; this engine suppresses the
			// signal and keeps the tracee moving toward its next
			// syscall stop rather than re-injecting it, since tracing
			// callers are expected to manage signal delivery out of
			// band via the control plane.
			continue
		case backend.StopSyscall:
			if atEntry {
				pending = syscallrec.Syscall{}
				killed, err := e.handleEntry(ctx, sessionID, be, dec, &pending)
				if err != nil {
					return err
				}
				if killed {
					return nil
				}
			} else {
				e.handleExit(ctx, sessionID, be, dec, &pending)
			}
			atEntry = !atEntry
		}
	}
}

// handleEntry decodes and filters one syscall at its entry stop. It
// returns killed=true when the filter decided Kill, in which case the
// caller must not wait for a further stop: the tracee may already be
// gone.
func (e *Engine) handleEntry(ctx context.Context, sessionID string, be backend.Backend, dec *decoder.Decoder, s *syscallrec.Syscall) (killed bool, err error) {
	regs, err := be.ReadRegisters()
	if err != nil {
		return false, err
	}
	s.Raw = e.Desc.RegisterToRaw(regs)
	dec.DecodeEntry(s)
	decision := e.Filters.Evaluate(s)
	s.Decision = &decision

	switch decision {
	case syscallrec.ForwardEntry, syscallrec.NoExec:
		suppressed := arch.SuppressEntry(regs)
		if err := be.WriteRegisters(suppressed); err != nil {
			return false, err
		}
	case syscallrec.Kill:
		e.recordHistory(ctx, sessionID, s)
		_ = be.Kill()
		return true, nil
	}
	return false, nil
}

func (e *Engine) handleExit(ctx context.Context, sessionID string, be backend.Backend, dec *decoder.Decoder, s *syscallrec.Syscall) {
	regs, err := be.ReadRegisters()
	if err != nil {
		e.Logger.Warn("tracer: read exit registers failed", slog.Any("error", err))
		return
	}
	exitRaw := e.Desc.RegisterToRaw(regs)
	s.Raw.Retval, s.Raw.Errno = exitRaw.Retval, exitRaw.Errno
	dec.DecodeExit(s)

	decision := syscallrec.Continue
	if s.Decision != nil {
		decision = *s.Decision
	}

	switch decision {
	case syscallrec.Continue:
		// No further action: the syscall ran locally and is not
		// recorded.
	case syscallrec.ForwardEntry:
		e.forwardAndApply(ctx, sessionID, be, regs, s)
	case syscallrec.ForwardExit:
		e.sendFireAndForget(ctx, sessionID, s)
		e.recordHistory(ctx, sessionID, s)
	case syscallrec.InspectExit, syscallrec.LogLocal:
		e.recordHistory(ctx, sessionID, s)
	case syscallrec.NoExec:
		e.recordHistory(ctx, sessionID, s)
	}
}

// forwardAndApply blocks for the executor's computed result and writes it
// into the tracee's registers before it resumes past the suppressed
// syscall. A timeout or transport failure leaves the kernel's own ENOSYS
// result in place rather than blocking the tracee indefinitely.
func (e *Engine) forwardAndApply(ctx context.Context, sessionID string, be backend.Backend, regs arch.RegisterFile, s *syscallrec.Syscall) {
	reqCtx, cancel := context.WithTimeout(ctx, ForwardTimeout)
	defer cancel()

	reply, err := e.Data.Exchange(reqCtx, dataplane.Message{SessionID: sessionID, Syscall: *s}, ForwardTimeout)
	if err != nil {
		e.Logger.Warn("tracer: forward exchange failed, tracee keeps local ENOSYS",
			slog.String("session", sessionID), slog.String("syscall", s.Name), slog.Any("error", err))
		e.recordHistory(ctx, sessionID, s)
		return
	}

	for _, arg := range reply.Syscall.Args {
		if arg == nil || len(arg.Content) == 0 {
			continue
		}
		if !arg.Direction.ReadsAtExit() {
			continue
		}
		if err := be.WriteMemory(arg.Address, arg.Content); err != nil {
			e.Logger.Warn("tracer: write forwarded out-buffer failed",
				slog.String("session", sessionID), slog.Uint64("address", arg.Address), slog.Any("error", err))
		}
	}

	applied := e.Desc.RawToRegister(reply.Syscall.Raw, regs)
	if err := be.WriteRegisters(applied); err != nil {
		e.Logger.Warn("tracer: apply forwarded result failed", slog.Any("error", err))
	}
	*s = reply.Syscall
	e.recordHistory(ctx, sessionID, s)
}

func (e *Engine) sendFireAndForget(ctx context.Context, sessionID string, s *syscallrec.Syscall) {
	if e.Data == nil {
		return
	}
	if err := e.Data.Send(ctx, dataplane.Message{SessionID: sessionID, Syscall: *s}); err != nil {
		e.Logger.Warn("tracer: forward_exit send failed", slog.String("session", sessionID), slog.Any("error", err))
	}
}

func (e *Engine) recordHistory(ctx context.Context, sessionID string, s *syscallrec.Syscall) {
	if e.History == nil {
		return
	}
	if err := e.History.Append(ctx, sessionID, *s); err != nil {
		e.Logger.Warn("tracer: history append failed", slog.String("session", sessionID), slog.Any("error", err))
	}
}
