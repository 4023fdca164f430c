package sandboxd

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"libcall.sandbox/pkg/ipc"
	"libcall.sandbox/pkg/policy"
)

func startTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	ipc.Init()

	dir := t.TempDir()
	d := NewDaemon(quietLogger())
	d.CommandsSocket = filepath.Join(dir, "commands.sock")
	d.MarkersSocket = filepath.Join(dir, "markers.sock")
	d.Engine.SetKillFunc(func(uint32) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	waitForSocket(t, d.CommandsSocket)
	waitForSocket(t, d.MarkersSocket)
	return d
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := ipc.NewClientAt(path); err == nil {
			c.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never came up", path)
}

func TestInstallOverSocket(t *testing.T) {
	d := startTestDaemon(t)
	const pid = 555

	packed, err := linearBlob(pid).Encode()
	if err != nil {
		t.Fatalf("encoding blob: %v", err)
	}

	c, err := ipc.NewClientAt(d.CommandsSocket)
	if err != nil {
		t.Fatalf("dialing daemon: %v", err)
	}
	defer c.Close()

	if err := c.InstallPolicy(packed); err != nil {
		t.Fatalf("install over socket failed: %v", err)
	}
	if d.Engine.Lookup(pid) == nil {
		t.Fatal("policy not installed in engine")
	}

	pids, err := c.ListPolicies()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pids) != 1 || pids[0] != pid {
		t.Errorf("listed pids %v, want [%d]", pids, pid)
	}

	if err := c.UninstallPolicy(pid); err != nil {
		t.Fatalf("uninstall failed: %v", err)
	}
	if d.Engine.Lookup(pid) != nil {
		t.Error("policy still installed after uninstall")
	}
}

func TestInstallRejectionOverSocket(t *testing.T) {
	d := startTestDaemon(t)

	blob := &policy.InstallBlob{Pid: 1, NumNodes: 0}
	packed, err := blob.Encode()
	if err != nil {
		t.Fatalf("encoding blob: %v", err)
	}

	c, err := ipc.NewClientAt(d.CommandsSocket)
	if err != nil {
		t.Fatalf("dialing daemon: %v", err)
	}
	defer c.Close()

	if err := c.InstallPolicy(packed); err == nil {
		t.Error("expected install of zero-node policy to be refused")
	}
}

func TestMarkerEventsDriveEngine(t *testing.T) {
	d := startTestDaemon(t)
	const pid = 556

	killed := make(chan uint32, 1)
	d.Engine.SetKillFunc(func(p uint32) error {
		killed <- p
		return nil
	})

	if err := d.Engine.Install(linearBlob(pid)); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	mc, err := ipc.DialMarkers(d.MarkersSocket)
	if err != nil {
		t.Fatalf("dialing marker socket: %v", err)
	}
	defer mc.Close()

	for _, id := range []int32{0, 1} {
		if err := mc.Emit(ipc.MarkerEvent{Pid: pid, ObservedID: id}); err != nil {
			t.Fatalf("emit %d failed: %v", id, err)
		}
	}
	select {
	case p := <-killed:
		t.Fatalf("accepted prefix killed pid %d", p)
	default:
	}

	if err := mc.Emit(ipc.MarkerEvent{Pid: pid, ObservedID: 99}); err != nil {
		t.Fatalf("emit 99 failed: %v", err)
	}
	select {
	case p := <-killed:
		if p != pid {
			t.Errorf("killed pid %d, want %d", p, pid)
		}
	case <-time.After(time.Second):
		t.Error("violating marker did not trigger a kill")
	}
}

func TestMarkerDeliveryIsSynchronous(t *testing.T) {
	// The ack must not be written until Observe has returned. A delay
	// injected inside Observe therefore holds the emitter back: the
	// program cannot race past the marker while the automaton is still
	// stepping.
	d := startTestDaemon(t)
	const pid = 557

	if err := d.Engine.Install(linearBlob(pid)); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	const delay = 200 * time.Millisecond
	var inObserve atomic.Bool
	d.Engine.observeHook = func() {
		inObserve.Store(true)
		time.Sleep(delay)
		inObserve.Store(false)
	}

	mc, err := ipc.DialMarkers(d.MarkersSocket)
	if err != nil {
		t.Fatalf("dialing marker socket: %v", err)
	}
	defer mc.Close()

	start := time.Now()
	if err := mc.Emit(ipc.MarkerEvent{Pid: pid, ObservedID: 0}); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < delay {
		t.Errorf("ack arrived after %v, before the %v observe delay finished", elapsed, delay)
	}
	if inObserve.Load() {
		t.Error("ack arrived while Observe was still running")
	}
}
