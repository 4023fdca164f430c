package sandboxd

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"libcall.sandbox/pkg/ipc"
	"libcall.sandbox/pkg/policy"
)

// Daemon serves the engine over two unix sockets: a command socket for
// install/uninstall/list and a marker socket on which interception shims
// deliver events. Marker handling is synchronous: the ack byte is only
// written after Observe returns, so the emitting process cannot run past
// the marker before the automaton has advanced.
type Daemon struct {
	Engine *Engine

	CommandsSocket string
	MarkersSocket  string

	log *logrus.Logger
}

// NewDaemon returns a daemon on the default socket paths.
func NewDaemon(log *logrus.Logger) *Daemon {
	if log == nil {
		log = logrus.New()
	}
	return &Daemon{
		Engine:         NewEngine(log),
		CommandsSocket: ipc.SandboxdCommandsSocket,
		MarkersSocket:  ipc.SandboxdMarkersSocket,
		log:            log,
	}
}

// Serve runs both socket servers until ctx is canceled. The engine's
// policies are dropped on the way out.
func (d *Daemon) Serve(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.serveSocket(gCtx, d.CommandsSocket, d.handleCommandConn)
	})
	g.Go(func() error {
		return d.serveSocket(gCtx, d.MarkersSocket, d.handleMarkerConn)
	})

	err := g.Wait()
	d.Engine.Teardown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("daemon stopped with error: %w", err)
	}
	return nil
}

func (d *Daemon) serveSocket(ctx context.Context, socketPath string, handle func(net.Conn)) error {
	if err := os.RemoveAll(socketPath); err != nil {
		d.log.WithField("socket", socketPath).WithError(err).Error("Failed to remove old socket file.")
		return err
	}
	defer os.RemoveAll(socketPath)

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "unix", socketPath)
	if err != nil {
		d.log.WithField("socket", socketPath).WithError(err).Error("Failed to listen on socket.")
		return err
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	d.log.WithField("socket", socketPath).Info("Socket server listening.")
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				d.log.WithField("socket", socketPath).Info("Socket listener shut down.")
				return ctx.Err()
			default:
				d.log.WithField("socket", socketPath).WithError(err).Error("Socket accept error.")
				return err
			}
		}
		go func() {
			defer conn.Close()
			handle(conn)
		}()
	}
}

func (d *Daemon) handleCommandConn(conn net.Conn) {
	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)
	for {
		var msg ipc.Message
		if err := dec.Decode(&msg); err != nil {
			return
		}
		if msg.Command == nil {
			continue
		}
		resp := d.dispatch(*msg.Command)
		if err := enc.Encode(&ipc.Message{CommandResponse: &resp}); err != nil {
			d.log.WithError(err).Error("Failed to send command response.")
			return
		}
	}
}

func (d *Daemon) dispatch(cmd ipc.Command) ipc.CommandResponse {
	d.log.WithField("command", cmd.Type.String()).Info("Processing command.")
	resp := ipc.CommandResponse{Type: cmd.Type}

	switch cmd.Type {
	case ipc.CmdInstallPolicy:
		payload, ok := cmd.Payload.(ipc.InstallPayload)
		if !ok {
			resp.Payload = ipc.StatusResponse{Error: "invalid payload for CmdInstallPolicy"}
			return resp
		}
		blob, err := policy.DecodeBlob(payload.Blob)
		if err != nil {
			resp.Payload = ipc.StatusResponse{Error: err.Error()}
			return resp
		}
		if err := d.Engine.Install(blob); err != nil {
			resp.Payload = ipc.StatusResponse{Error: err.Error()}
			return resp
		}
		resp.Payload = ipc.StatusResponse{}

	case ipc.CmdUninstallPolicy:
		payload, ok := cmd.Payload.(ipc.PidPayload)
		if !ok {
			resp.Payload = ipc.StatusResponse{Error: "invalid payload for CmdUninstallPolicy"}
			return resp
		}
		d.Engine.Uninstall(payload.Pid)
		resp.Payload = ipc.StatusResponse{}

	case ipc.CmdListPolicies:
		resp.Payload = ipc.PidListResponse{PIDs: d.Engine.Pids()}

	default:
		resp.Payload = ipc.StatusResponse{Error: fmt.Sprintf("unknown command type %s", cmd.Type)}
	}
	return resp
}

// handleMarkerConn is the socket interception adapter: one MarkerEvent per
// gob record, one ack byte back after the engine has observed it.
func (d *Daemon) handleMarkerConn(conn net.Conn) {
	dec := gob.NewDecoder(conn)
	var ack [1]byte
	for {
		var ev ipc.MarkerEvent
		if err := dec.Decode(&ev); err != nil {
			return
		}
		d.Engine.Observe(ev.Pid, ev.ObservedID)
		if _, err := conn.Write(ack[:]); err != nil {
			return
		}
	}
}
