package sandboxd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/sirupsen/logrus"
)

// markerSample mirrors the C struct the probe program pushes into its ring
// buffer for every emit invocation.
type markerSample struct {
	Ts         uint64
	Pid        uint32
	ObservedID int32
}

// markerProbeObjects receives the loaded BPF program and map.
type markerProbeObjects struct {
	HandleMarker *ebpf.Program `ebpf:"handle_marker"`
	Events       *ebpf.Map     `ebpf:"events"`
}

func (o *markerProbeObjects) Close() error {
	var errs []error
	if o.HandleMarker != nil {
		errs = append(errs, o.HandleMarker.Close())
	}
	if o.Events != nil {
		errs = append(errs, o.Events.Close())
	}
	return errors.Join(errs...)
}

// KprobeInterceptor surfaces marker events from a kprobe on the emit
// syscall's kernel entry. The BPF object is compiled out of band; ObjPath
// points at it and Symbol names the probed kernel function.
type KprobeInterceptor struct {
	ObjPath string
	Symbol  string

	log *logrus.Logger
}

// NewKprobeInterceptor returns an interceptor for the given BPF object.
func NewKprobeInterceptor(objPath, symbol string, log *logrus.Logger) *KprobeInterceptor {
	if log == nil {
		log = logrus.New()
	}
	return &KprobeInterceptor{ObjPath: objPath, Symbol: symbol, log: log}
}

// Run attaches the probe and pumps events into observe until ctx is
// canceled. Events are read from the ring buffer after the probe handler has
// returned; the traced process is not held while observe runs, so it can
// issue further library calls before its marker has been observed.
func (k *KprobeInterceptor) Run(ctx context.Context, observe func(pid uint32, observed int32)) error {
	spec, err := ebpf.LoadCollectionSpec(k.ObjPath)
	if err != nil {
		return fmt.Errorf("loading BPF object spec %s: %w", k.ObjPath, err)
	}

	var objs markerProbeObjects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		return fmt.Errorf("loading BPF objects: %w", err)
	}
	defer objs.Close()

	kp, err := link.Kprobe(k.Symbol, objs.HandleMarker, nil)
	if err != nil {
		return fmt.Errorf("attaching kprobe to %s: %w", k.Symbol, err)
	}
	defer kp.Close()

	rd, err := ringbuf.NewReader(objs.Events)
	if err != nil {
		return fmt.Errorf("opening ringbuf reader: %w", err)
	}
	defer rd.Close()

	go func() {
		<-ctx.Done()
		rd.Close()
	}()

	k.log.WithField("symbol", k.Symbol).Info("Marker probe attached, reading events.")
	var sample markerSample
	for {
		record, err := rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				k.log.Info("Ringbuf reader closed, probe exiting.")
				return ctx.Err()
			}
			k.log.WithError(err).Warn("Reading from ringbuf.")
			continue
		}
		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &sample); err != nil {
			k.log.WithError(err).Warn("Parsing ringbuf sample.")
			continue
		}
		observe(sample.Pid, sample.ObservedID)
	}
}
