package physical

import (
	"fmt"
	"sync"

	"github.com/vnetlab/vnet-sim/layers/common"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

type (
	// CablePort is one end of a point-to-point guided medium. It belongs
	// to exactly one device, which attaches a sink callback to consume
	// inbound buffers. A Cable joins two CablePorts.
	//
	// Transmission is synchronous, lossless, ordered and non-duplicating:
	// Transmit() invokes the peer port's sink before returning. Sending
	// on a down or disconnected port is a silent drop, mirroring an
	// unplugged cable. There is no blocking, retry or backpressure.
	CablePort struct {
		name string
		l    logrus.FieldLogger

		mu     sync.Mutex
		status common.OperStatus
		peer   *CablePort
		sink   func(buf []byte)

		txFrames prometheus.Counter
		txBytes  prometheus.Counter
		rxFrames prometheus.Counter
		drops    prometheus.Counter
	}

	// Cable connects two CablePorts. It holds references to the ports
	// but owns no frame data.
	Cable struct {
		a, b *CablePort
	}
)

const (
	promSubsystemCable = "cable"
	labelNamePort      = "port"
)

var (
	metricLabelsCable = []string{labelNamePort}

	transmittedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystemCable,
		Name:      "transmitted_frames",
		Help:      "Total number of frames handed to the cable for transmission.",
	}, metricLabelsCable)
	transmittedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystemCable,
		Name:      "transmitted_bytes",
		Help:      "Total number of bytes handed to the cable for transmission.",
	}, metricLabelsCable)
	deliveredFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystemCable,
		Name:      "delivered_frames",
		Help:      "Total number of frames delivered to the port's sink.",
	}, metricLabelsCable)
	droppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystemCable,
		Name:      "dropped_frames",
		Help:      "Total number of frames dropped on a down or disconnected port.",
	}, metricLabelsCable)
)

// NewCablePort creates a CablePort. The name is used for logging and
// metric labels; when empty a random one is generated.
func NewCablePort(name string) *CablePort {
	if name == "" {
		name = petname.Generate(2, "-")
	}
	labels := prometheus.Labels{labelNamePort: name}
	return &CablePort{
		name:     name,
		l:        logrus.WithField("cable_port", name),
		status:   common.OperStatusUp,
		txFrames: transmittedFrames.With(labels),
		txBytes:  transmittedBytes.With(labels),
		rxFrames: deliveredFrames.With(labels),
		drops:    droppedFrames.With(labels),
	}
}

// Connect plugs the two ports into a new Cable. Both ports must be
// disconnected.
func Connect(a, b *CablePort) (*Cable, error) {
	if a == b {
		return nil, fmt.Errorf("cannot connect port %s to itself", a.name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if a.peer != nil {
		return nil, fmt.Errorf("port %s is already connected", a.name)
	}
	if b.peer != nil {
		return nil, fmt.Errorf("port %s is already connected", b.name)
	}
	a.peer, b.peer = b, a
	return &Cable{a: a, b: b}, nil
}

// Disconnect unplugs the cable from both ports. Frames sent afterwards
// are silently dropped.
func (c *Cable) Disconnect() {
	c.a.mu.Lock()
	c.a.peer = nil
	c.a.mu.Unlock()
	c.b.mu.Lock()
	c.b.peer = nil
	c.b.mu.Unlock()
}

// Name returns the port name.
func (p *CablePort) Name() string {
	return p.name
}

// SetSink attaches the device-side consumer for inbound buffers.
func (p *CablePort) SetSink(sink func(buf []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// SetOperStatus administratively brings the port up or down.
func (p *CablePort) SetOperStatus(status common.OperStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

// OperStatus returns the administrative status of the port.
func (p *CablePort) OperStatus() common.OperStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Transmit sends the buffer to the peer port. The peer's sink runs
// before Transmit returns. Down or disconnected ports drop the frame.
func (p *CablePort) Transmit(buf []byte) {
	p.txFrames.Inc()
	p.txBytes.Add(float64(len(buf)))

	p.mu.Lock()
	status, peer := p.status, p.peer
	p.mu.Unlock()

	if status != common.OperStatusUp || peer == nil {
		p.drops.Inc()
		p.l.Debug("dropping frame on down or disconnected port")
		return
	}
	if len(buf) > MTU {
		p.drops.Inc()
		p.l.
			WithField("frame_size", len(buf)).
			Error("dropping frame larger than physical layer MTU")
		return
	}
	peer.deliver(buf)
}

func (p *CablePort) deliver(buf []byte) {
	p.mu.Lock()
	status, sink := p.status, p.sink
	p.mu.Unlock()

	if status != common.OperStatusUp || sink == nil {
		p.drops.Inc()
		return
	}
	p.rxFrames.Inc()
	sink(buf)
}
