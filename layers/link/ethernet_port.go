package link

import (
	"fmt"
	"net"
	"sync"

	"github.com/vnetlab/vnet-sim/layers/common"
	"github.com/vnetlab/vnet-sim/layers/physical"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

type (
	// EthernetPort represents a hypothetical Ethernet network interface
	// card, composed by a cable port and a MAC address.
	//
	// When sending a frame out it goes with the MAC address of the
	// port as its src MAC address, unless if running on "forwarding
	// mode".
	//
	// Inbound frames with dst MAC address not matching the port's MAC
	// address will be discarded, unless if running on "forwarding mode"
	// or if the dst MAC address is the broadcast or a multicast MAC
	// address.
	EthernetPort interface {
		Send(frame *gplayers.Ethernet) error
		SetReceiver(recv func(frame *gplayers.Ethernet))
		SetOperStatus(status common.OperStatus)
		OperStatus() common.OperStatus
		Close() error
		ForwardingMode() bool
		MACAddress() gopacket.Endpoint
		CablePort() *physical.CablePort
	}

	// EthernetPortConfig contains the configs for the
	// concrete implementation of EthernetPort.
	EthernetPortConfig struct {
		// ForwardingMode keeps inbound frames with wrong dst MAC address.
		ForwardingMode bool   `yaml:"forwardingMode"`
		Name           string `yaml:"name"`
		MACAddress     string `yaml:"macAddress"`
	}

	ethernetPort struct {
		conf       *EthernetPortConfig
		l          logrus.FieldLogger
		macAddress gopacket.Endpoint
		cablePort  *physical.CablePort

		mu   sync.Mutex
		recv func(frame *gplayers.Ethernet)
	}
)

// NewEthernetPort creates an EthernetPort from config.
func NewEthernetPort(conf EthernetPortConfig) (EthernetPort, error) {
	macAddress, err := net.ParseMAC(conf.MACAddress)
	if err != nil {
		return nil, fmt.Errorf("error parsing mac address: %w", err)
	}
	nic := &ethernetPort{
		conf:       &conf,
		l:          logrus.WithField("port_mac_address", macAddress.String()),
		macAddress: gplayers.NewMACEndpoint(macAddress),
		cablePort:  physical.NewCablePort(conf.Name),
	}
	nic.cablePort.SetSink(nic.decap)
	return nic, nil
}

func (e *ethernetPort) Send(frame *gplayers.Ethernet) error {
	if !e.ForwardingMode() {
		frame.SrcMAC = e.macAddress.Raw()
	}
	buf, err := SerializeFrame(frame)
	if err != nil {
		return err
	}
	e.cablePort.Transmit(buf)
	return nil
}

func (e *ethernetPort) SetReceiver(recv func(frame *gplayers.Ethernet)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recv = recv
}

func (e *ethernetPort) decap(frameBuf []byte) {
	frame, err := DeserializeFrame(frameBuf)
	if err != nil {
		e.l.
			WithError(err).
			WithField("frame_buf", frameBuf).
			Error("error decapsulating link layer")
		return
	}

	// check discard
	dstMACAddress := gplayers.NewMACEndpoint(frame.DstMAC)
	if !e.ForwardingMode() &&
		e.macAddress != dstMACAddress &&
		dstMACAddress != BroadcastMACEndpoint() &&
		frame.DstMAC[0]&1 == 0 { // multicast bit
		return
	}

	e.mu.Lock()
	recv := e.recv
	e.mu.Unlock()
	if recv != nil {
		recv(frame)
	}
}

func (e *ethernetPort) SetOperStatus(status common.OperStatus) {
	e.cablePort.SetOperStatus(status)
}

func (e *ethernetPort) OperStatus() common.OperStatus {
	return e.cablePort.OperStatus()
}

func (e *ethernetPort) Close() error {
	e.SetReceiver(nil)
	e.cablePort.SetOperStatus(common.OperStatusDown)
	return nil
}

func (e *ethernetPort) ForwardingMode() bool {
	return e.conf.ForwardingMode
}

func (e *ethernetPort) MACAddress() gopacket.Endpoint {
	return e.macAddress
}

func (e *ethernetPort) CablePort() *physical.CablePort {
	return e.cablePort
}
