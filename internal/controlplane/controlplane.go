// Package controlplane implements the control protocol used on two
// distinct TCP connections: a tracer-initiated connection to the executor
// carrying NewProcess, and a listener on the tracer itself, dialed by
// whatever process is driving the trace (Spawn, StartTracing, StopTracing,
// Kill). Both sides speak the same wire format: newline-delimited JSON
// envelopes with one synchronous Ack/Err reply per command.
package controlplane

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// Command names the envelope's Payload shape.
type Command string

const (
	CmdNewProcess   Command = "new_process"
	CmdSpawn        Command = "spawn"
	CmdStartTracing Command = "start_tracing"
	CmdStopTracing  Command = "stop_tracing"
	CmdKill         Command = "kill"
	CmdAck          Command = "ack"
	CmdErr          Command = "err"
)

// Envelope is one line of the control-plane wire protocol. Payload is the
// request/response/error body, itself JSON, encoded as a string rather
// than nested as a raw JSON value: the command dispatch layer only ever
// needs to look at Command before handing Payload off to be parsed, and
// double-encoding keeps that boundary exact regardless of what the inner
// type marshals to.
type Envelope struct {
	Command Command `json:"command"`
	Payload string  `json:"payload,omitempty"`
}

// SpawnRequest asks the tracer to start a new process under tracing.
type SpawnRequest struct {
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`
}

// SpawnResponse carries the new tracee's identity back to the initiator.
type SpawnResponse struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
}

// SessionRequest names an existing session for StartTracing, StopTracing,
// and Kill.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// NewProcessRequest tells the executor which ports to bind its data-plane
// peer to for a tracer it has not yet exchanged a session with.
type NewProcessRequest struct {
	IPv4         string `json:"ipv4"`
	TracerPort   int    `json:"tracer_port"`
	ExecutorPort int    `json:"executor_port"`
}

// ErrPayload is the body of a CmdErr reply.
type ErrPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Known error codes.
const (
	ErrUnknownCommand = "unknown_command"
	ErrUnknownSession = "unknown_session"
	ErrSpawnFailed    = "spawn_failed"
	ErrInternal       = "internal"
)

// Handler is implemented by the supervisor to service control-plane
// commands. Each method returns the value to marshal into a CmdAck
// payload, or an error to turn into a CmdErr reply.
type Handler interface {
	Spawn(req SpawnRequest) (SpawnResponse, error)
	StartTracing(req SessionRequest) error
	StopTracing(req SessionRequest) error
	Kill(req SessionRequest) error
}

// ExecutorHandler is implemented by the executor side to service the one
// command a tracer issues on connect.
type ExecutorHandler interface {
	NewProcess(req NewProcessRequest) error
}

// HandlerError lets a Handler control the error code sent back to the
// caller; a plain error defaults to ErrInternal.
type HandlerError struct {
	Code string
	Err  error
}

func (e *HandlerError) Error() string { return e.Err.Error() }
func (e *HandlerError) Unwrap() error { return e.Err }

func errorCode(err error) string {
	if he, ok := err.(*HandlerError); ok {
		return he.Code
	}
	return ErrInternal
}

// Conn wraps one control-plane TCP connection with line-delimited JSON
// read/write helpers.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewConn wraps an established net.Conn.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, reader: bufio.NewReader(nc)}
}

// WriteEnvelope serializes env as one newline-terminated JSON line.
func (c *Conn) WriteEnvelope(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("controlplane: marshal envelope: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.nc.Write(data); err != nil {
		return fmt.Errorf("controlplane: write: %w", err)
	}
	return nil
}

// ReadEnvelope blocks for the next newline-terminated JSON line.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	var env Envelope
	line, err := c.reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return env, err
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return env, fmt.Errorf("controlplane: unmarshal envelope: %w", err)
	}
	return env, nil
}

// Close releases the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// ServeOne reads and dispatches envelopes from conn until it closes or a
// read error occurs, routing each recognized command to h and writing
// back exactly one reply per request, per spec: every command gets a
// synchronous Ack or Err.
func ServeOne(conn *Conn, h Handler) error {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			return err
		}
		reply := dispatch(env, h)
		if err := conn.WriteEnvelope(reply); err != nil {
			return err
		}
	}
}

func dispatch(env Envelope, h Handler) Envelope {
	switch env.Command {
	case CmdSpawn:
		var req SpawnRequest
		if err := json.Unmarshal([]byte(env.Payload), &req); err != nil {
			return errEnvelope(ErrUnknownCommand, err.Error())
		}
		resp, err := h.Spawn(req)
		if err != nil {
			return errEnvelope(errorCode(err), err.Error())
		}
		return ackEnvelope(resp)
	case CmdStartTracing:
		req, err := decodeSession(env.Payload)
		if err != nil {
			return errEnvelope(ErrUnknownCommand, err.Error())
		}
		if err := h.StartTracing(req); err != nil {
			return errEnvelope(errorCode(err), err.Error())
		}
		return ackEnvelope(nil)
	case CmdStopTracing:
		req, err := decodeSession(env.Payload)
		if err != nil {
			return errEnvelope(ErrUnknownCommand, err.Error())
		}
		if err := h.StopTracing(req); err != nil {
			return errEnvelope(errorCode(err), err.Error())
		}
		return ackEnvelope(nil)
	case CmdKill:
		req, err := decodeSession(env.Payload)
		if err != nil {
			return errEnvelope(ErrUnknownCommand, err.Error())
		}
		if err := h.Kill(req); err != nil {
			return errEnvelope(errorCode(err), err.Error())
		}
		return ackEnvelope(nil)
	default:
		return errEnvelope(ErrUnknownCommand, fmt.Sprintf("unrecognized command %q", env.Command))
	}
}

// ServeExecutor is the executor-side counterpart of ServeOne: it serves a
// single tracer connection, dispatching only NewProcess.
func ServeExecutor(conn *Conn, h ExecutorHandler) error {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			return err
		}
		var reply Envelope
		if env.Command != CmdNewProcess {
			reply = errEnvelope(ErrUnknownCommand, fmt.Sprintf("unrecognized command %q", env.Command))
		} else {
			var req NewProcessRequest
			if err := json.Unmarshal([]byte(env.Payload), &req); err != nil {
				reply = errEnvelope(ErrUnknownCommand, err.Error())
			} else if err := h.NewProcess(req); err != nil {
				reply = errEnvelope(errorCode(err), err.Error())
			} else {
				reply = ackEnvelope(nil)
			}
		}
		if err := conn.WriteEnvelope(reply); err != nil {
			return err
		}
	}
}

func decodeSession(payload string) (SessionRequest, error) {
	var req SessionRequest
	err := json.Unmarshal([]byte(payload), &req)
	return req, err
}

func ackEnvelope(v any) Envelope {
	var payload string
	if v != nil {
		raw, _ := json.Marshal(v)
		payload = string(raw)
	}
	return Envelope{Command: CmdAck, Payload: payload}
}

func errEnvelope(code, message string) Envelope {
	raw, _ := json.Marshal(ErrPayload{Code: code, Message: message})
	return Envelope{Command: CmdErr, Payload: string(raw)}
}

// Client is the dialing side of a control-plane connection (the tracer
// toward the executor, or an initiator toward the tracer): it issues one
// command at a time and waits for the matching synchronous reply.
type Client struct {
	conn *Conn
	mu   sync.Mutex
}

// NewClient wraps an established net.Conn for request/response use.
func NewClient(nc net.Conn) *Client {
	return &Client{conn: NewConn(nc)}
}

func (c *Client) roundTrip(cmd Command, req any, resp any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var payload string
	if req != nil {
		raw, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("controlplane: marshal request: %w", err)
		}
		payload = string(raw)
	}
	if err := c.conn.WriteEnvelope(Envelope{Command: cmd, Payload: payload}); err != nil {
		return err
	}
	env, err := c.conn.ReadEnvelope()
	if err != nil {
		return err
	}
	switch env.Command {
	case CmdAck:
		if resp != nil && len(env.Payload) > 0 {
			return json.Unmarshal([]byte(env.Payload), resp)
		}
		return nil
	case CmdErr:
		var ep ErrPayload
		if err := json.Unmarshal([]byte(env.Payload), &ep); err != nil {
			return fmt.Errorf("controlplane: malformed error reply: %w", err)
		}
		return &HandlerError{Code: ep.Code, Err: fmt.Errorf("controlplane: %s: %s", ep.Code, ep.Message)}
	default:
		return fmt.Errorf("controlplane: unexpected reply command %q", env.Command)
	}
}

// NewProcess tells the executor which ports to bind for the tracer's
// upcoming data-plane traffic. Called once per tracer-executor pairing,
// before any syscalls are forwarded.
func (c *Client) NewProcess(ipv4 string, tracerPort, executorPort int) error {
	return c.roundTrip(CmdNewProcess, NewProcessRequest{IPv4: ipv4, TracerPort: tracerPort, ExecutorPort: executorPort}, nil)
}

// Spawn asks the tracer to start program with args under tracing.
func (c *Client) Spawn(program string, args []string) (SpawnResponse, error) {
	var resp SpawnResponse
	err := c.roundTrip(CmdSpawn, SpawnRequest{Program: program, Args: args}, &resp)
	return resp, err
}

// StartTracing resumes the named session past its initial start barrier.
func (c *Client) StartTracing(sessionID string) error {
	return c.roundTrip(CmdStartTracing, SessionRequest{SessionID: sessionID}, nil)
}

// StopTracing detaches from the named session, letting it run free.
func (c *Client) StopTracing(sessionID string) error {
	return c.roundTrip(CmdStopTracing, SessionRequest{SessionID: sessionID}, nil)
}

// Kill terminates the named session immediately.
func (c *Client) Kill(sessionID string) error {
	return c.roundTrip(CmdKill, SessionRequest{SessionID: sessionID}, nil)
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
