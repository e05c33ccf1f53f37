// Package debugsvc implements the executor's optional DebugService gRPC
// side channel: a streaming RPC an operator can attach to for live
// visibility into forwarded calls, independent of the tracer's own
// history store.
package debugsvc

import (
	"log/slog"
	"sync"

	"github.com/tripwire/sysbridge/proto/debugpb"
)

// Feed is a single subscriber's outgoing channel. Publish uses a
// non-blocking send so a slow or disconnected client never applies
// back-pressure to the call path publishing into it.
type feed struct {
	sessionID string
	ch        chan *debugpb.ForwardedCall
}

// Server implements debugpb.DebugServiceServer. Forwarded-call events are
// pushed into it by the executor via Publish; StreamCalls fans each event
// out to every subscriber whose session filter matches.
type Server struct {
	debugpb.UnimplementedDebugServiceServer

	logger *slog.Logger

	mu   sync.Mutex
	subs map[*feed]struct{}
}

// NewServer returns an empty Server ready to accept subscribers and
// published events.
func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger, subs: make(map[*feed]struct{})}
}

// Publish fans call out to every subscriber whose session filter matches
// (empty filter means "every session"). Call sites are expected to call
// this from the same goroutine that decided the call's outcome; Publish
// itself never blocks on a subscriber.
func (s *Server) Publish(call *debugpb.ForwardedCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for f := range s.subs {
		if f.sessionID != "" && f.sessionID != call.SessionId {
			continue
		}
		select {
		case f.ch <- call:
		default:
			s.logger.Warn("debugsvc: subscriber too slow, dropping event",
				slog.String("session", call.SessionId))
		}
	}
}

// StreamCalls implements debugpb.DebugServiceServer.StreamCalls.
func (s *Server) StreamCalls(req *debugpb.StreamCallsRequest, stream debugpb.DebugService_StreamCallsServer) error {
	f := &feed{sessionID: req.GetSessionId(), ch: make(chan *debugpb.ForwardedCall, 64)}

	s.mu.Lock()
	s.subs[f] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, f)
		s.mu.Unlock()
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case call := <-f.ch:
			if err := stream.Send(call); err != nil {
				return err
			}
		}
	}
}
