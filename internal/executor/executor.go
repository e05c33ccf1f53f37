// Package executor implements the peer side of a forwarded syscall: a
// Runner decides retval/errno for a call the tracer suppressed, and Server
// drives the data-plane receive loop that feeds calls to it and replies
// with the computed result.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/sysbridge/internal/dataplane"
	"github.com/tripwire/sysbridge/internal/debugsvc"
	"github.com/tripwire/sysbridge/internal/introspect"
	"github.com/tripwire/sysbridge/internal/syscallrec"
	"github.com/tripwire/sysbridge/proto/debugpb"
)

// Runner computes the outcome of one forwarded syscall. It must not block
// indefinitely: the tracer is waiting on the other end with its own
// timeout, and a Runner that never returns just makes that timeout bite
// instead of producing a useful result.
type Runner interface {
	Run(s syscallrec.Syscall) (retval, errno int64, err error)
}

// Server receives forwarded syscalls over a data-plane peer, runs each
// through a Runner, and replies with the outcome. One Server serves every
// session sharing its UDP socket. Runner.Run receives only the Syscall;
// the data-plane Message's SessionID is not passed to it.
type Server struct {
	Peer   *dataplane.Peer
	Runner Runner
	Logger *slog.Logger

	// Debug, when set, receives a ForwardedCall event for every decided
	// call. Nil disables the side channel entirely.
	Debug *debugsvc.Server

	forwarded atomic.Int64
	failed    atomic.Int64

	mu   sync.Mutex
	seen map[string]struct{}
}

// Serve loops receiving data-plane messages and replying with the
// Runner's computed result until ctx is cancelled or the peer's socket is
// closed out from under it.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, addr, err := s.Peer.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Logger.Warn("executor: receive failed", slog.Any("error", err))
			continue
		}
		reply := s.handle(msg)
		if err := s.Peer.SendTo(reply, addr); err != nil {
			s.Logger.Warn("executor: reply send failed",
				slog.String("session", msg.SessionID), slog.Any("error", err))
		}
	}
}

func (s *Server) handle(msg dataplane.Message) dataplane.Message {
	s.recordSession(msg.SessionID)

	call := msg.Syscall
	retval, errno, err := s.Runner.Run(call)
	if err != nil {
		s.Logger.Warn("executor: runner failed, returning EIO",
			slog.String("session", msg.SessionID), slog.String("syscall", call.Name), slog.Any("error", err))
		retval, errno = 0, int64(eio)
		s.failed.Add(1)
	} else {
		s.forwarded.Add(1)
	}
	if errno != 0 {
		call.Raw.Retval = 0
		call.Raw.Errno = uint64(errno)
	} else {
		call.Raw.Retval = uint64(retval)
		call.Raw.Errno = 0
	}
	call.ExitDecoded = true

	if s.Debug != nil {
		s.Debug.Publish(&debugpb.ForwardedCall{
			SessionId:           msg.SessionID,
			SyscallName:         call.Name,
			Retval:              int64(call.Raw.Retval),
			Errno:               int64(call.Raw.Errno),
			DecidedAtUnixMicros: time.Now().UnixMicro(),
		})
	}

	return dataplane.Message{SessionID: msg.SessionID, Syscall: call}
}

func (s *Server) recordSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	s.seen[id] = struct{}{}
}

// Sessions lists every session ID this Server has seen a forwarded call
// for. The executor has no notion of a tracee's pid, so PID is always 0;
// callers on the tracer side get that detail from the supervisor instead.
func (s *Server) Sessions() []introspect.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]introspect.SessionInfo, 0, len(s.seen))
	for id := range s.seen {
		out = append(out, introspect.SessionInfo{SessionID: id})
	}
	return out
}

// Stats reports this Server's call counters.
func (s *Server) Stats() introspect.Stats {
	return introspect.Stats{
		ActiveSessions: len(s.Sessions()),
		CallsForwarded: s.forwarded.Load(),
		CallsFailed:    s.failed.Load(),
	}
}

// eio is EIO (5) on Linux; used as the fallback errno when a Runner itself
// errors rather than producing a syscall-level failure.
const eio = 5
