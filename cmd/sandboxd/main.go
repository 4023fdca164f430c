package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"libcall.sandbox/internal/sandboxd"
	"libcall.sandbox/pkg/ipc"
)

func main() {
	commandsSocket := flag.String("commands-socket", ipc.SandboxdCommandsSocket, "command socket path")
	markersSocket := flag.String("markers-socket", ipc.SandboxdMarkersSocket, "marker event socket path")
	probeObj := flag.String("probe-obj", "", "BPF object for the marker kprobe adapter (optional)")
	probeSymbol := flag.String("probe-symbol", "__x64_sys_emit", "kernel symbol to probe")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, *commandsSocket, *markersSocket, *probeObj, *probeSymbol); err != nil {
		log.Fatalf("sandboxd failed: %v", err)
	}
	log.Info("Shutdown complete.")
}

func run(ctx context.Context, log *logrus.Logger, commandsSocket, markersSocket, probeObj, probeSymbol string) error {
	ipc.Init()
	log.Info("Starting sandbox daemon...")

	daemon := sandboxd.NewDaemon(log)
	daemon.CommandsSocket = commandsSocket
	daemon.MarkersSocket = markersSocket

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return daemon.Serve(gCtx)
	})

	if probeObj != "" {
		if err := rlimit.RemoveMemlock(); err != nil {
			return err
		}
		probe := sandboxd.NewKprobeInterceptor(probeObj, probeSymbol, log)
		g.Go(func() error {
			return probe.Run(gCtx, daemon.Engine.Observe)
		})
	}

	return g.Wait()
}
