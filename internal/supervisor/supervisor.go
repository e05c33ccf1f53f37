// Package supervisor owns the lifecycle of every tracee: spawning it,
// holding it at a start barrier until the control plane says to begin
// tracing, and tearing it down on stop or kill. It implements
// controlplane.Handler so a control-plane server can dispatch directly
// into it.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tripwire/sysbridge/internal/arch"
	"github.com/tripwire/sysbridge/internal/backend"
	"github.com/tripwire/sysbridge/internal/controlplane"
	"github.com/tripwire/sysbridge/internal/tracer"
)

// session is one tracked tracee.
type session struct {
	id  string
	pid int
	be  backend.Backend

	// release is closed exactly once, by whichever of StartTracing or
	// Kill happens first, to wake the worker goroutine blocked at the
	// start barrier. Using a channel close (rather than a
	// sync.WaitGroup or sync.Cond) means Kill can release the barrier
	// itself instead of deadlocking behind a StartTracing call that may
	// never come — the failure mode a sync.WaitGroup-based barrier has
	// no way to recover from.
	release     chan struct{}
	releaseOnce sync.Once
	killPending bool

	done chan struct{}
}

func newSession(id string, pid int, be backend.Backend) *session {
	return &session{
		id:      id,
		pid:     pid,
		be:      be,
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *session) releaseBarrier(kill bool) {
	s.releaseOnce.Do(func() {
		if kill {
			s.killPending = true
		}
		close(s.release)
	})
}

// Supervisor tracks every live session and dispatches control-plane
// commands against them.
type Supervisor struct {
	desc     arch.Descriptor
	launcher backend.Launcher
	engine   *tracer.Engine
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New returns a Supervisor that launches tracees via launcher and drives
// each one with engine.
func New(desc arch.Descriptor, launcher backend.Launcher, engine *tracer.Engine, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		desc:     desc,
		launcher: launcher,
		engine:   engine,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

var _ controlplane.Handler = (*Supervisor)(nil)

// Spawn launches a new tracee and immediately starts its worker
// goroutine, which blocks at the start barrier until StartTracing or Kill
// is called for the returned session ID.
func (s *Supervisor) Spawn(req controlplane.SpawnRequest) (controlplane.SpawnResponse, error) {
	be, pid, err := s.launcher.Launch(req.Program, req.Args, s.desc)
	if err != nil {
		return controlplane.SpawnResponse{}, &controlplane.HandlerError{Code: controlplane.ErrSpawnFailed, Err: err}
	}

	id := uuid.New().String()
	sess := newSession(id, pid, be)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	go s.runSession(sess)

	return controlplane.SpawnResponse{SessionID: id, PID: pid}, nil
}

func (s *Supervisor) runSession(sess *session) {
	defer close(sess.done)
	defer s.forget(sess.id)

	<-sess.release
	if sess.killPending {
		_ = sess.be.Kill()
		return
	}

	if err := s.engine.Run(context.Background(), sess.id, sess.be); err != nil {
		s.logger.Warn("supervisor: tracing loop ended with error",
			slog.String("session", sess.id), slog.Int("pid", sess.pid), slog.Any("error", err))
	}
}

// ActiveSessions reports how many tracees are currently tracked, for
// reporting on a /healthz endpoint.
func (s *Supervisor) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Supervisor) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Supervisor) lookup(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, &controlplane.HandlerError{Code: controlplane.ErrUnknownSession, Err: fmt.Errorf("unknown session %q", id)}
	}
	return sess, nil
}

// StartTracing releases the start barrier for req.SessionID, letting its
// worker goroutine begin the decode/filter/dispatch loop.
func (s *Supervisor) StartTracing(req controlplane.SessionRequest) error {
	sess, err := s.lookup(req.SessionID)
	if err != nil {
		return err
	}
	sess.releaseBarrier(false)
	return nil
}

// StopTracing detaches from the session, letting it run free of tracing.
// The worker goroutine observes the tracee's own subsequent exit and
// exits on its own; StopTracing does not block waiting for that.
func (s *Supervisor) StopTracing(req controlplane.SessionRequest) error {
	sess, err := s.lookup(req.SessionID)
	if err != nil {
		return err
	}
	if derr := sess.be.Detach(); derr != nil {
		return &controlplane.HandlerError{Code: controlplane.ErrInternal, Err: derr}
	}
	return nil
}

// Kill terminates the session immediately. If the worker is still
// blocked at the start barrier (StartTracing never arrived), Kill
// releases that barrier itself with killPending set, so the worker exits
// instead of waiting forever for a StartTracing command that will never
// come.
func (s *Supervisor) Kill(req controlplane.SessionRequest) error {
	sess, err := s.lookup(req.SessionID)
	if err != nil {
		return err
	}
	sess.releaseBarrier(true)
	if kerr := sess.be.Kill(); kerr != nil {
		return &controlplane.HandlerError{Code: controlplane.ErrInternal, Err: kerr}
	}
	return nil
}
