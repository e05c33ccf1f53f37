// Package dataplane implements the length-framed UDP protocol the tracer
// and executor use to exchange decoded syscalls and their outcomes. Every
// datagram carries an 8-byte big-endian length header followed by exactly
// that many bytes of JSON payload. Receive reads each whole datagram into
// a buffer of the maximum frame size and then checks the header against
// the body length; it does not peek the header first. A short or
// malformed frame is reported as an error for that datagram only.
package dataplane

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripwire/sysbridge/internal/syscallrec"
)

// headerSize is the length of the big-endian length prefix.
const headerSize = 8

// MaxDatagramSize bounds one frame's payload (header plus body) at the
// real UDP datagram ceiling: 65535 minus the 20-byte IPv4 header and
// 8-byte UDP header a kernel socket can actually deliver in one piece.
// decoder.DefaultLimits.MaxBuffer is sized to fit comfortably under this
// even for a syscall with several dependent-size arguments.
const MaxDatagramSize = 65507

// Message is one data-plane envelope: a decoded syscall tied to the
// session (tracee) it belongs to.
type Message struct {
	SessionID string             `json:"session_id"`
	Syscall   syscallrec.Syscall `json:"syscall"`
}

// Encode frames m as an 8-byte length header followed by its JSON
// encoding.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("dataplane: marshal message: %w", err)
	}
	if headerSize+len(body) > MaxDatagramSize {
		return nil, fmt.Errorf("dataplane: encoded frame %d bytes exceeds max %d", headerSize+len(body), MaxDatagramSize)
	}
	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint64(out[:headerSize], uint64(len(body)))
	copy(out[headerSize:], body)
	return out, nil
}

// Decode reads the length header from frame, validates that the declared
// length matches what followed it, and unmarshals the payload.
func Decode(frame []byte) (Message, error) {
	var m Message
	if len(frame) < headerSize {
		return m, fmt.Errorf("dataplane: frame too short for header: %d bytes", len(frame))
	}
	declared := binary.BigEndian.Uint64(frame[:headerSize])
	body := frame[headerSize:]
	if uint64(len(body)) != declared {
		return m, fmt.Errorf("dataplane: declared length %d does not match body length %d", declared, len(body))
	}
	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("dataplane: unmarshal message: %w", err)
	}
	return m, nil
}

// Peer is a length-framed UDP endpoint, usable as either the tracer's
// client (dialed to the executor) or as one direction of the executor's
// server (connected to a specific tracer peer address).
type Peer struct {
	conn *net.UDPConn
}

// NewPeer wraps an already-connected or already-listening *net.UDPConn.
func NewPeer(conn *net.UDPConn) *Peer {
	return &Peer{conn: conn}
}

// Send frames and writes m in a single UDP datagram.
func (p *Peer) Send(m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := p.conn.Write(frame); err != nil {
		return fmt.Errorf("dataplane: write: %w", err)
	}
	return nil
}

// SendTo frames and writes m to a specific address, for servers that
// receive from many tracers on one socket.
func (p *Peer) SendTo(m Message, addr *net.UDPAddr) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := p.conn.WriteToUDP(frame, addr); err != nil {
		return fmt.Errorf("dataplane: write to %s: %w", addr, err)
	}
	return nil
}

// Receive blocks for the next datagram and decodes it. A datagram that
// fails to decode is reported as an error but does not close the peer;
// the caller should log and continue receiving.
func (p *Peer) Receive() (Message, *net.UDPAddr, error) {
	buf := make([]byte, headerSize+MaxDatagramSize)
	n, addr, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		return Message{}, nil, fmt.Errorf("dataplane: read: %w", err)
	}
	m, err := Decode(buf[:n])
	return m, addr, err
}

// SetReadTimeout bounds the next Receive call.
func (p *Peer) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return p.conn.SetReadDeadline(time.Time{})
	}
	return p.conn.SetReadDeadline(time.Now().Add(d))
}

// Close releases the underlying socket.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// ListenPeer opens a UDP socket bound to addr for server-side use.
func ListenPeer(addr string) (*Peer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dataplane: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dataplane: listen %q: %w", addr, err)
	}
	return NewPeer(conn), nil
}

// Client is the tracer-side data-plane connection: a dialed UDP Peer that
// redials with exponential backoff whenever a send fails, mirroring the
// reconnect discipline of a stream transport even though UDP itself has
// no connection state to lose.
type Client struct {
	addr   string
	logger *slog.Logger

	peer *Peer
	b    backoff.BackOff
}

// NewClient returns a Client that will dial addr on first use.
func NewClient(addr string, logger *slog.Logger) *Client {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 0
	return &Client{addr: addr, logger: logger, b: eb}
}

// Send dials (or redials) as needed and sends m, retrying the dial with
// backoff until ctx is cancelled.
func (c *Client) Send(ctx context.Context, m Message) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.peer == nil {
			if err := c.dial(); err != nil {
				c.logger.Warn("dataplane: dial failed", slog.String("addr", c.addr), slog.Any("error", err))
				if !c.wait(ctx) {
					return ctx.Err()
				}
				continue
			}
		}
		if err := c.peer.Send(m); err != nil {
			c.logger.Warn("dataplane: send failed, will redial", slog.Any("error", err))
			c.peer.Close()
			c.peer = nil
			if !c.wait(ctx) {
				return ctx.Err()
			}
			continue
		}
		if bo, ok := c.b.(interface{ Reset() }); ok {
			bo.Reset()
		}
		return nil
	}
}

func (c *Client) dial() error {
	udpAddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return fmt.Errorf("dataplane: resolve %q: %w", c.addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("dataplane: dial %q: %w", c.addr, err)
	}
	c.peer = NewPeer(conn)
	return nil
}

func (c *Client) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.b.NextBackOff()):
		return true
	}
}

// Close releases the underlying socket, if dialed.
func (c *Client) Close() error {
	if c.peer == nil {
		return nil
	}
	return c.peer.Close()
}

// Exchange sends m and waits for a reply datagram carrying the same
// SessionID, for the ForwardEntry decision where the tracer must block on
// the executor's computed return value before resuming the tracee.
// Datagrams for other sessions sharing this socket are discarded.
func (c *Client) Exchange(ctx context.Context, m Message, timeout time.Duration) (Message, error) {
	if err := c.Send(ctx, m); err != nil {
		return Message{}, err
	}
	if err := c.peer.SetReadTimeout(timeout); err != nil {
		return Message{}, err
	}
	for {
		reply, _, err := c.peer.Receive()
		if err != nil {
			return Message{}, fmt.Errorf("dataplane: exchange: %w", err)
		}
		if reply.SessionID == m.SessionID {
			return reply, nil
		}
	}
}
