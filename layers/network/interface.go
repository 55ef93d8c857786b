package network

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/vnetlab/vnet-sim/layers/common"
	"github.com/vnetlab/vnet-sim/layers/link"
	pkgnet "github.com/vnetlab/vnet-sim/pkg/net"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

type (
	// Interface represents a hypothetical network interface, composed
	// by an ethernet card, an IP address and a subnet mask.
	//
	// The interface uses ARP queries to resolve the MAC address of the
	// next hop. Because cable delivery is synchronous, the query and
	// its reply complete within the triggering Send() call; a next hop
	// that still cannot be resolved afterwards fails the send with a
	// "no L2 route" error and the datagram is dropped, not queued.
	//
	// Inbound IPv4 payloads are handed to the owning device's receiver
	// callback; the interface itself only terminates the ARP protocol.
	Interface interface {
		Send(datagramBuf []byte, dstIPAddress, nextHop net.IP) error
		SendARPRequest(dstIPAddress net.IP) error
		SetReceiver(recv func(intf Interface, datagramBuf []byte))
		SetOperStatus(status common.OperStatus)
		OperStatus() common.OperStatus
		Close() error
		Name() string
		IPAddress() gopacket.Endpoint
		SubnetMask() net.IPMask
		Network() *net.IPNet
		BroadcastIPAddress() gopacket.Endpoint
		ARPTable() *ARPTable
		Card() link.EthernetPort
	}

	// InterfaceConfig contains the configs for the
	// concrete implementation of Interface.
	InterfaceConfig struct {
		Name       string            `yaml:"name"`
		IPAddress  string            `yaml:"ipAddress"`
		SubnetMask string            `yaml:"subnetMask"`
		StaticARP  map[string]string `yaml:"staticARP"`

		Card link.EthernetPortConfig `yaml:"ethernetPort"`
	}

	interfaceImpl struct {
		conf      *InterfaceConfig
		l         logrus.FieldLogger
		ipAddress gopacket.Endpoint
		network   *net.IPNet
		broadcast gopacket.Endpoint
		card      link.EthernetPort
		arpTable  ARPTable

		mu   sync.Mutex
		recv func(intf Interface, datagramBuf []byte)
	}
)

// NewInterface creates an Interface from config.
func NewInterface(conf InterfaceConfig) (Interface, error) {
	if conf.Name == "" {
		return nil, errors.New("interface name cannot be empty")
	}
	ipAddress, network, err := pkgnet.ParseAddressAndMask(conf.IPAddress, conf.SubnetMask)
	if err != nil {
		return nil, fmt.Errorf("error parsing interface address: %w", err)
	}
	if conf.Card.Name == "" {
		conf.Card.Name = conf.Name
	}
	card, err := link.NewEthernetPort(conf.Card)
	if err != nil {
		return nil, fmt.Errorf("error creating card: %w", err)
	}
	intf := &interfaceImpl{
		conf:      &conf,
		l:         logrus.WithField("interface_ip_address", conf.IPAddress),
		ipAddress: gplayers.NewIPEndpoint(ipAddress),
		network:   network,
		broadcast: gplayers.NewIPEndpoint(pkgnet.BroadcastIPAddress(network)),
		card:      card,
	}
	for ip, mac := range conf.StaticARP {
		ipAddr := net.ParseIP(ip)
		macAddr, err := net.ParseMAC(mac)
		if ipAddr == nil || err != nil {
			card.Close()
			return nil, fmt.Errorf("invalid static arp entry %s -> %s", ip, mac)
		}
		intf.arpTable.StoreRoute(ipAddr, macAddr)
	}
	card.SetReceiver(intf.decap)
	return intf, nil
}

// Send transmits a serialized datagram to the next hop. The next hop
// equals the dst IP address when the destination is on-link. Broadcast
// and multicast destinations map to the corresponding L2 addresses
// without ARP.
func (i *interfaceImpl) Send(datagramBuf []byte, dstIPAddress, nextHop net.IP) error {
	dstMACAddress, err := i.resolveMACAddress(dstIPAddress, nextHop)
	if err != nil {
		return err
	}
	return i.card.Send(&gplayers.Ethernet{
		BaseLayer:    gplayers.BaseLayer{Payload: datagramBuf},
		DstMAC:       dstMACAddress,
		EthernetType: gplayers.EthernetTypeIPv4,
	})
}

func (i *interfaceImpl) resolveMACAddress(dstIPAddress, nextHop net.IP) (net.HardwareAddr, error) {
	dst := gplayers.NewIPEndpoint(dstIPAddress.To4())
	if dst == i.broadcast || dst == BroadcastIPEndpoint() {
		return link.BroadcastMACAddress(), nil
	}
	if IsMulticastIPAddress(dstIPAddress) {
		return MulticastMACAddress(dstIPAddress), nil
	}

	arpDstIPAddress := gplayers.NewIPEndpoint(nextHop.To4())
	if macAddress, ok := i.arpTable.FindRoute(arpDstIPAddress); ok {
		return macAddress.Raw(), nil
	}

	// no dst MAC address cached for the next hop: the arp
	// request/reply exchange completes synchronously, so retry
	// the lookup once before giving up on this datagram
	if err := i.SendARPRequest(nextHop); err != nil {
		return nil, fmt.Errorf("error sending arp request: %w", err)
	}
	if macAddress, ok := i.arpTable.FindRoute(arpDstIPAddress); ok {
		return macAddress.Raw(), nil
	}
	return nil, fmt.Errorf("%w: %s", common.ErrNoARPRoute, nextHop)
}

// SendARPRequest broadcasts an ARP request for the IP address.
func (i *interfaceImpl) SendARPRequest(dstIPAddress net.IP) error {
	return i.sendARP(&gplayers.ARP{
		Operation:      gplayers.ARPRequest,
		DstProtAddress: dstIPAddress.To4(),
		DstHwAddress:   link.BroadcastMACAddress(),
	})
}

func (i *interfaceImpl) sendARP(arp *gplayers.ARP) error {
	// fill default fields
	arp.AddrType = gplayers.LinkTypeEthernet
	arp.Protocol = gplayers.EthernetTypeIPv4
	arp.HwAddressSize = 6
	arp.ProtAddressSize = 4
	arp.SourceHwAddress = i.card.MACAddress().Raw()
	arp.SourceProtAddress = i.ipAddress.Raw()

	buf, err := link.SerializeARP(arp)
	if err != nil {
		return err
	}

	return i.card.Send(&gplayers.Ethernet{
		BaseLayer:    gplayers.BaseLayer{Payload: buf},
		DstMAC:       arp.DstHwAddress,
		EthernetType: gplayers.EthernetTypeARP,
	})
}

func (i *interfaceImpl) decap(frame *gplayers.Ethernet) {
	switch frame.EthernetType {
	case gplayers.EthernetTypeARP:
		if err := i.decapARP(frame); err != nil {
			i.l.
				WithError(err).
				WithField("frame", frame).
				Error("error decapsulating arp")
		}
	case gplayers.EthernetTypeIPv4:
		i.mu.Lock()
		recv := i.recv
		i.mu.Unlock()
		if recv != nil {
			recv(i, frame.Payload)
		}
	default:
		i.l.Debug("ethertype not implemented. discarding")
	}
}

func (i *interfaceImpl) decapARP(frame *gplayers.Ethernet) error {
	arp, err := link.DeserializeARP(frame.Payload)
	if err != nil {
		return err
	}

	// cache the sender's mapping
	i.arpTable.StoreRoute(arp.SourceProtAddress, arp.SourceHwAddress)

	// reply arp request
	arpDstIPAddress := gplayers.NewIPEndpoint(arp.DstProtAddress)
	if arp.Operation == gplayers.ARPRequest && i.ipAddress == arpDstIPAddress {
		err := i.sendARP(&gplayers.ARP{
			Operation:      gplayers.ARPReply,
			DstHwAddress:   arp.SourceHwAddress,
			DstProtAddress: arp.SourceProtAddress,
		})
		if err != nil {
			return fmt.Errorf("error sending arp reply: %w", err)
		}
	}

	return nil
}

func (i *interfaceImpl) SetReceiver(recv func(intf Interface, datagramBuf []byte)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.recv = recv
}

func (i *interfaceImpl) SetOperStatus(status common.OperStatus) {
	i.card.SetOperStatus(status)
}

func (i *interfaceImpl) OperStatus() common.OperStatus {
	return i.card.OperStatus()
}

func (i *interfaceImpl) Close() error {
	i.SetReceiver(nil)
	return i.card.Close()
}

func (i *interfaceImpl) Name() string {
	return i.conf.Name
}

func (i *interfaceImpl) IPAddress() gopacket.Endpoint {
	return i.ipAddress
}

func (i *interfaceImpl) SubnetMask() net.IPMask {
	return i.network.Mask
}

func (i *interfaceImpl) Network() *net.IPNet {
	return i.network
}

func (i *interfaceImpl) BroadcastIPAddress() gopacket.Endpoint {
	return i.broadcast
}

func (i *interfaceImpl) ARPTable() *ARPTable {
	return &i.arpTable
}

func (i *interfaceImpl) Card() link.EthernetPort {
	return i.card
}
