package controlplane

import (
	"net"
	"testing"
)

type fakeHandler struct {
	sessions map[string]bool
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{sessions: make(map[string]bool)}
}

func (f *fakeHandler) Spawn(req SpawnRequest) (SpawnResponse, error) {
	if req.Program == "" {
		return SpawnResponse{}, &HandlerError{Code: ErrSpawnFailed, Err: errString("program required")}
	}
	id := "session-1"
	f.sessions[id] = false
	return SpawnResponse{SessionID: id, PID: 4242}, nil
}

func (f *fakeHandler) StartTracing(req SessionRequest) error {
	if _, ok := f.sessions[req.SessionID]; !ok {
		return &HandlerError{Code: ErrUnknownSession, Err: errString("no such session")}
	}
	f.sessions[req.SessionID] = true
	return nil
}

func (f *fakeHandler) StopTracing(req SessionRequest) error {
	if _, ok := f.sessions[req.SessionID]; !ok {
		return &HandlerError{Code: ErrUnknownSession, Err: errString("no such session")}
	}
	return nil
}

func (f *fakeHandler) Kill(req SessionRequest) error {
	if _, ok := f.sessions[req.SessionID]; !ok {
		return &HandlerError{Code: ErrUnknownSession, Err: errString("no such session")}
	}
	delete(f.sessions, req.SessionID)
	return nil
}

type errString string

func (e errString) Error() string { return string(e) }

func setupLoopback(t *testing.T, h Handler) (*Client, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ServeOne(NewConn(conn), h)
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(clientConn)
	return client, func() {
		client.Close()
		ln.Close()
		<-serverDone
	}
}

func TestControlPlaneSpawnAndTraceLifecycle(t *testing.T) {
	h := newFakeHandler()
	client, cleanup := setupLoopback(t, h)
	defer cleanup()

	resp, err := client.Spawn("/bin/true", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if resp.SessionID == "" || resp.PID == 0 {
		t.Fatalf("unexpected SpawnResponse: %+v", resp)
	}

	if err := client.StartTracing(resp.SessionID); err != nil {
		t.Fatalf("StartTracing: %v", err)
	}
	if err := client.StopTracing(resp.SessionID); err != nil {
		t.Fatalf("StopTracing: %v", err)
	}
	if err := client.Kill(resp.SessionID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
}

func TestControlPlaneUnknownSessionIsErr(t *testing.T) {
	h := newFakeHandler()
	client, cleanup := setupLoopback(t, h)
	defer cleanup()

	err := client.StartTracing("does-not-exist")
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
	he, ok := err.(*HandlerError)
	if !ok || he.Code != ErrUnknownSession {
		t.Fatalf("expected HandlerError(unknown_session), got %v", err)
	}
}

func TestControlPlaneSpawnFailure(t *testing.T) {
	h := newFakeHandler()
	client, cleanup := setupLoopback(t, h)
	defer cleanup()

	_, err := client.Spawn("", nil)
	if err == nil {
		t.Fatal("expected error for empty program")
	}
	he, ok := err.(*HandlerError)
	if !ok || he.Code != ErrSpawnFailed {
		t.Fatalf("expected HandlerError(spawn_failed), got %v", err)
	}
}
