package dataplane

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/tripwire/sysbridge/internal/syscallrec"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dec := syscallrec.ForwardEntry
	m := Message{
		SessionID: "session-1",
		Syscall: syscallrec.Syscall{
			Raw:          syscallrec.RawSyscall{No: 1, Retval: 5},
			Name:         "write",
			EntryDecoded: true,
			Decision:     &dec,
		},
	}
	frame, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SessionID != m.SessionID || got.Syscall.Name != m.Syscall.Name {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	frame := make([]byte, headerSize+4)
	frame[7] = 99 // declares 99 bytes but only 4 follow
	if _, err := Decode(frame); err == nil {
		t.Fatal("expected error for length mismatch")
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for frame shorter than header")
	}
}

func TestEncodeRejectsOversizedMessage(t *testing.T) {
	big := make([]byte, MaxDatagramSize+1)
	m := Message{
		SessionID: "s",
		Syscall: syscallrec.Syscall{
			Args: [syscallrec.MaxArgs]*syscallrec.ArgValue{
				0: {Kind: syscallrec.KindBuffer, Content: big},
			},
		},
	}
	if _, err := Encode(m); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestPeerSendReceiveOverLoopback(t *testing.T) {
	serverAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	serverConn, err := net.ListenUDP("udp", serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer serverConn.Close()
	server := NewPeer(serverConn)

	clientConn, err := net.DialUDP("udp", nil, serverConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()
	client := NewPeer(clientConn)

	want := Message{SessionID: "abc", Syscall: syscallrec.Syscall{Name: "getpid"}}
	if err := client.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	server.SetReadTimeout(2 * time.Second)
	got, _, err := server.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.SessionID != want.SessionID || got.Syscall.Name != want.Syscall.Name {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestClientRedialsAfterPeerClosed(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer serverConn.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	client := NewClient(serverConn.LocalAddr().String(), logger)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Send(ctx, Message{SessionID: "x", Syscall: syscallrec.Syscall{Name: "getpid"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	first := client.peer
	first.Close()
	if err := client.Send(ctx, Message{SessionID: "x", Syscall: syscallrec.Syscall{Name: "getpid"}}); err != nil {
		t.Fatalf("Send after peer closed: %v", err)
	}
	if client.peer == nil || client.peer == first {
		t.Fatal("expected Send to redial a fresh peer after the old one was closed")
	}
}
