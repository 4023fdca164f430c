package ipc

import (
	"encoding/gob"
	"fmt"
	"net"
)

// Client speaks the command protocol to a running sandboxd.
type Client struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

// NewClient dials the default commands socket.
func NewClient() (*Client, error) {
	return NewClientAt(SandboxdCommandsSocket)
}

// NewClientAt dials a commands socket at an explicit path.
func NewClientAt(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to sandboxd at %s: %w", socketPath, err)
	}
	return &Client{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) roundTrip(cmd Command) (*CommandResponse, error) {
	if err := c.enc.Encode(&Message{Command: &cmd}); err != nil {
		return nil, fmt.Errorf("sending %s: %w", cmd.Type, err)
	}
	var msg Message
	if err := c.dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("reading %s response: %w", cmd.Type, err)
	}
	if msg.CommandResponse == nil {
		return nil, fmt.Errorf("daemon sent no response for %s", cmd.Type)
	}
	return msg.CommandResponse, nil
}

// InstallPolicy ships a packed install blob to the daemon.
func (c *Client) InstallPolicy(blob []byte) error {
	resp, err := c.roundTrip(Command{Type: CmdInstallPolicy, Payload: InstallPayload{Blob: blob}})
	if err != nil {
		return err
	}
	if status, ok := resp.Payload.(StatusResponse); ok && status.Error != "" {
		return fmt.Errorf("install refused: %s", status.Error)
	}
	return nil
}

// UninstallPolicy drops the policy for pid.
func (c *Client) UninstallPolicy(pid uint32) error {
	resp, err := c.roundTrip(Command{Type: CmdUninstallPolicy, Payload: PidPayload{Pid: pid}})
	if err != nil {
		return err
	}
	if status, ok := resp.Payload.(StatusResponse); ok && status.Error != "" {
		return fmt.Errorf("uninstall refused: %s", status.Error)
	}
	return nil
}

// ListPolicies returns the pids with an installed policy.
func (c *Client) ListPolicies() ([]uint32, error) {
	resp, err := c.roundTrip(Command{Type: CmdListPolicies})
	if err != nil {
		return nil, err
	}
	list, ok := resp.Payload.(PidListResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response payload %T", resp.Payload)
	}
	if list.Error != "" {
		return nil, fmt.Errorf("list refused: %s", list.Error)
	}
	return list.PIDs, nil
}

// MarkerConn is the event side of the protocol, used by interception shims
// to forward marker emissions. Emit blocks until the daemon acknowledges the
// event, which is what keeps the traced process from racing ahead of the
// automaton.
type MarkerConn struct {
	conn net.Conn
	enc  *gob.Encoder
	ack  [1]byte
}

// DialMarkers connects to the markers socket.
func DialMarkers(socketPath string) (*MarkerConn, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to marker socket %s: %w", socketPath, err)
	}
	return &MarkerConn{conn: conn, enc: gob.NewEncoder(conn)}, nil
}

func (mc *MarkerConn) Close() error { return mc.conn.Close() }

// Emit sends one marker event and waits for the one-byte ack.
func (mc *MarkerConn) Emit(ev MarkerEvent) error {
	if err := mc.enc.Encode(&ev); err != nil {
		return fmt.Errorf("sending marker event: %w", err)
	}
	if _, err := mc.conn.Read(mc.ack[:]); err != nil {
		return fmt.Errorf("waiting for marker ack: %w", err)
	}
	return nil
}
