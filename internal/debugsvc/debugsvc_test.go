package debugsvc

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/tripwire/sysbridge/proto/debugpb"
)

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
	out chan *debugpb.ForwardedCall
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) Send(call *debugpb.ForwardedCall) error {
	f.out <- call
	return nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamCallsReceivesPublishedEvents(t *testing.T) {
	s := NewServer(silentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := &fakeStream{ctx: ctx, out: make(chan *debugpb.ForwardedCall, 4)}

	done := make(chan error, 1)
	go func() { done <- s.StreamCalls(&debugpb.StreamCallsRequest{}, stream) }()

	// Give StreamCalls a moment to register its subscriber before publishing.
	time.Sleep(10 * time.Millisecond)
	s.Publish(&debugpb.ForwardedCall{SessionId: "s1", SyscallName: "write"})

	select {
	case call := <-stream.out:
		if call.SyscallName != "write" {
			t.Fatalf("SyscallName = %q, want write", call.SyscallName)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive published call")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("StreamCalls: %v", err)
	}
}

func TestStreamCallsFiltersBySession(t *testing.T) {
	s := NewServer(silentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := &fakeStream{ctx: ctx, out: make(chan *debugpb.ForwardedCall, 4)}

	done := make(chan error, 1)
	go func() { done <- s.StreamCalls(&debugpb.StreamCallsRequest{SessionId: "only-me"}, stream) }()

	time.Sleep(10 * time.Millisecond)
	s.Publish(&debugpb.ForwardedCall{SessionId: "other", SyscallName: "read"})
	s.Publish(&debugpb.ForwardedCall{SessionId: "only-me", SyscallName: "write"})

	select {
	case call := <-stream.out:
		if call.SessionId != "only-me" {
			t.Fatalf("received event for session %q, want only-me", call.SessionId)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive filtered call")
	}

	cancel()
	<-done
}
