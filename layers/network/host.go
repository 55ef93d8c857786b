package network

import (
	"errors"
	"fmt"
	"net"
	"sync"

	gplayers "github.com/google/gopacket/layers"
)

// ErrNoPingResponse means the echo request was sent but no echo reply
// and no ICMP error came back.
var ErrNoPingResponse = errors.New("no ping response")

type (
	// Host is an end device: a network stack with forwarding disabled,
	// usually a single interface and a default gateway. It offers a
	// synchronous Ping operation on top of the stack's ICMP handling.
	Host interface {
		Ping(dstIPAddress net.IP, ttl uint8) (*PingResult, error)
		Stack() Stack
		Name() string
		Close() error
	}

	// HostConfig contains the configs for the
	// concrete implementation of Host.
	HostConfig struct {
		Name           string            `yaml:"name"`
		DefaultGateway string            `yaml:"defaultGateway"`
		Interfaces     []InterfaceConfig `yaml:"interfaces"`
	}

	// PingResult is the response that came back for an echo request:
	// either the matching echo reply or an ICMP error message about it.
	PingResult struct {
		From     net.IP
		TTL      uint8 // remaining TTL of the response datagram
		TypeCode gplayers.ICMPv4TypeCode
		Id       uint16
		Seq      uint16
		Data     []byte
	}

	host struct {
		conf  *HostConfig
		stack Stack

		mu      sync.Mutex
		id, seq uint16
		pending *PingResult
	}
)

// IsEchoReply tells whether the response is the actual echo reply, as
// opposed to an ICMP error message.
func (p *PingResult) IsEchoReply() bool {
	return p.TypeCode.Type() == gplayers.ICMPv4TypeEchoReply
}

// NewHost creates a Host from config.
func NewHost(conf HostConfig) (Host, error) {
	stack, err := NewStack(StackConfig{
		Name:       conf.Name,
		Interfaces: conf.Interfaces,
	})
	if err != nil {
		return nil, err
	}
	if conf.DefaultGateway != "" {
		err := stack.AddStaticRoute(StaticRouteConfig{
			NetworkCIDR: "0.0.0.0/0",
			NextHop:     conf.DefaultGateway,
		})
		if err != nil {
			stack.Close()
			return nil, fmt.Errorf("error creating default route: %w", err)
		}
	}
	h := &host{conf: &conf, stack: stack}
	stack.SetICMPListener(h.receiveICMP)
	return h, nil
}

// Ping sends an echo request to the destination and returns whatever
// response came back: the echo reply, or an ICMP error message such as
// time exceeded or destination unreachable. Because delivery is
// synchronous, the response (if any) arrives within this call. A
// destination with no usable route fails with a "no route" error
// before anything hits the wire.
func (h *host) Ping(dstIPAddress net.IP, ttl uint8) (*PingResult, error) {
	h.mu.Lock()
	h.seq++
	if h.seq == 1 {
		h.id++
	}
	id, seq := h.id, h.seq
	h.pending = nil
	h.mu.Unlock()

	buf, err := SerializeICMP(NewEchoRequest(id, seq, nil))
	if err != nil {
		return nil, fmt.Errorf("error serializing echo request: %w", err)
	}
	err = h.stack.Send(&gplayers.IPv4{
		BaseLayer: gplayers.BaseLayer{Payload: buf},
		DstIP:     dstIPAddress.To4(),
		TTL:       ttl,
		Protocol:  gplayers.IPProtocolICMPv4,
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	result := h.pending
	h.pending = nil
	h.mu.Unlock()
	if result == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPingResponse, dstIPAddress)
	}
	return result, nil
}

func (h *host) receiveICMP(intf Interface, datagram *gplayers.IPv4, icmp *gplayers.ICMPv4) {
	result := &PingResult{
		From:     datagram.SrcIP,
		TTL:      datagram.TTL,
		TypeCode: icmp.TypeCode,
		Id:       icmp.Id,
		Seq:      icmp.Seq,
		Data:     icmp.Payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if icmp.TypeCode.Type() == gplayers.ICMPv4TypeEchoReply && (icmp.Id != h.id || icmp.Seq != h.seq) {
		return // stale reply
	}
	h.pending = result
}

func (h *host) Stack() Stack {
	return h.stack
}

func (h *host) Name() string {
	return h.stack.Name()
}

func (h *host) Close() error {
	return h.stack.Close()
}
