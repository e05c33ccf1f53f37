package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tripwire/sysbridge/internal/controlplane"
	"github.com/tripwire/sysbridge/internal/dataplane"
	"github.com/tripwire/sysbridge/internal/debugsvc"
	"github.com/tripwire/sysbridge/internal/introspect"
)

// Registry implements controlplane.ExecutorHandler: each NewProcess
// command spawns a dedicated Server bound to the executor port named in
// the request, so every tracer gets its own UDP socket rather than
// sharing one across sessions.
type Registry struct {
	newRunner func() Runner
	logger    *slog.Logger
	debug     *debugsvc.Server

	mu      sync.Mutex
	workers map[int]*worker
}

type worker struct {
	peer   *dataplane.Peer
	server *Server
	cancel context.CancelFunc
}

// NewRegistry returns a Registry that constructs a fresh Runner (via
// newRunner) for each NewProcess command. debug is optional; pass nil to
// disable the DebugService side channel for every worker.
func NewRegistry(newRunner func() Runner, debug *debugsvc.Server, logger *slog.Logger) *Registry {
	return &Registry{newRunner: newRunner, debug: debug, logger: logger, workers: make(map[int]*worker)}
}

var _ controlplane.ExecutorHandler = (*Registry)(nil)

// NewProcess binds a fresh data-plane peer to req.ExecutorPort and starts
// a Server goroutine to answer calls forwarded on it. Re-requesting the
// same port is idempotent: the existing worker is left running.
func (r *Registry) NewProcess(req controlplane.NewProcessRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[req.ExecutorPort]; exists {
		return nil
	}

	peer, err := dataplane.ListenPeer(fmt.Sprintf(":%d", req.ExecutorPort))
	if err != nil {
		return fmt.Errorf("executor: bind worker port %d: %w", req.ExecutorPort, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{Peer: peer, Runner: r.newRunner(), Logger: r.logger, Debug: r.debug}
	go func() {
		if err := srv.Serve(ctx); err != nil {
			r.logger.Info("executor: worker stopped",
				slog.Int("port", req.ExecutorPort), slog.Any("error", err))
		}
	}()

	r.workers[req.ExecutorPort] = &worker{peer: peer, server: srv, cancel: cancel}
	return nil
}

var _ introspect.Source = (*Registry)(nil)

// Sessions aggregates the live sessions seen across every worker.
func (r *Registry) Sessions() []introspect.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []introspect.SessionInfo
	for _, w := range r.workers {
		out = append(out, w.server.Sessions()...)
	}
	return out
}

// Stats aggregates call counters across every worker.
func (r *Registry) Stats() introspect.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stats introspect.Stats
	for _, w := range r.workers {
		s := w.server.Stats()
		stats.ActiveSessions += s.ActiveSessions
		stats.CallsForwarded += s.CallsForwarded
		stats.CallsFailed += s.CallsFailed
	}
	return stats
}

// Close stops every worker and releases its socket.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port, w := range r.workers {
		w.cancel()
		w.peer.Close()
		delete(r.workers, port)
	}
	return nil
}
