package network

import (
	"errors"
	"fmt"
	"net"
	"sync"

	pkgnet "github.com/vnetlab/vnet-sim/pkg/net"

	petname "github.com/dustinkirkland/golang-petname"
	gplayers "github.com/google/gopacket/layers"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

type (
	// Stack represents the network layer of a device: a set of
	// interfaces, a routing table and the IP forwarding pipeline.
	// Routers run with Forwarding enabled and relay datagrams between
	// networks; hosts run with Forwarding disabled and only originate
	// and locally deliver datagrams.
	//
	// The forwarding pipeline validates the header, checks for local
	// delivery, decrements the TTL, resolves the best route and
	// rewrites the link layer addresses for the egress hop, generating
	// the matching ICMP errors (time exceeded, destination unreachable)
	// along the way. An error generated while handling an ICMP error
	// packet is never answered with a second-order ICMP error.
	Stack interface {
		Send(datagram *gplayers.IPv4) error
		SendOnInterface(name string, datagramBuf []byte, dstIPAddress, nextHop net.IP) error
		RoutingTable() *RoutingTable
		AddStaticRoute(conf StaticRouteConfig) error
		DelStaticRoute(networkCIDR string) error
		Interfaces() []Interface
		Interface(name string) Interface
		AddInterface(conf InterfaceConfig) (Interface, error)
		RemoveInterface(name string) error
		RegisterProtocolHandler(proto gplayers.IPProtocol, h func(intf Interface, datagram *gplayers.IPv4))
		SetICMPListener(f func(intf Interface, datagram *gplayers.IPv4, icmp *gplayers.ICMPv4))
		Forwarding() bool
		Name() string
		Stats() IPStats
		ResetStats()
		Close() error
	}

	// StackConfig contains the configs for the concrete
	// implementation of Stack.
	StackConfig struct {
		// Forwarding relays datagrams whose dst IP address does not
		// match any interface (i.e. the device is a router).
		Forwarding   bool                `yaml:"forwarding"`
		Name         string              `yaml:"name"`
		Interfaces   []InterfaceConfig   `yaml:"interfaces"`
		StaticRoutes []StaticRouteConfig `yaml:"staticRoutes"`
	}

	// IPStats is a snapshot of the device's IP/ICMP counters.
	IPStats struct {
		IPInReceives        uint64 `yaml:"ipInReceives"`
		IPInHdrErrors       uint64 `yaml:"ipInHdrErrors"`
		IPInAddrErrors      uint64 `yaml:"ipInAddrErrors"`
		IPInDelivers        uint64 `yaml:"ipInDelivers"`
		IPForwDatagrams     uint64 `yaml:"ipForwDatagrams"`
		ICMPInEchos         uint64 `yaml:"icmpInEchos"`
		ICMPOutMsgs         uint64 `yaml:"icmpOutMsgs"`
		ICMPOutEchoReps     uint64 `yaml:"icmpOutEchoReps"`
		ICMPOutTimeExcds    uint64 `yaml:"icmpOutTimeExcds"`
		ICMPOutDestUnreachs uint64 `yaml:"icmpOutDestUnreachs"`
	}

	stack struct {
		conf         *StackConfig
		l            logrus.FieldLogger
		routingTable RoutingTable

		mu           sync.RWMutex
		intfs        []Interface
		intfMap      map[string]Interface
		handlers     map[gplayers.IPProtocol]func(intf Interface, datagram *gplayers.IPv4)
		icmpListener func(intf Interface, datagram *gplayers.IPv4, icmp *gplayers.ICMPv4)
		stats        IPStats
	}
)

// NewStack creates a Stack from config.
func NewStack(conf StackConfig) (Stack, error) {
	if conf.Name == "" {
		conf.Name = petname.Generate(2, "-")
	}
	s := &stack{
		conf:     &conf,
		l:        logrus.WithField("device", conf.Name),
		intfMap:  make(map[string]Interface),
		handlers: make(map[gplayers.IPProtocol]func(Interface, *gplayers.IPv4)),
	}
	for i, intfConf := range conf.Interfaces {
		if _, err := s.AddInterface(intfConf); err != nil {
			s.Close()
			return nil, fmt.Errorf("error creating network interface %d: %w", i, err)
		}
	}
	for i, routeConf := range conf.StaticRoutes {
		if err := s.AddStaticRoute(routeConf); err != nil {
			s.Close()
			return nil, fmt.Errorf("error creating static route %d: %w", i, err)
		}
	}
	return s, nil
}

func (s *stack) AddInterface(conf InterfaceConfig) (Interface, error) {
	intf, err := NewInterface(conf)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, ok := s.intfMap[intf.Name()]; ok {
		s.mu.Unlock()
		intf.Close()
		return nil, fmt.Errorf("interface %s already exists", intf.Name())
	}
	for _, overlap := range s.intfs {
		overlapNet := overlap.Network()
		intfNet := intf.Network()
		if intfNet.Contains(overlapNet.IP) || overlapNet.Contains(intfNet.IP) {
			s.mu.Unlock()
			intf.Close()
			return nil, fmt.Errorf("interface %s is configured with a network that overlaps the network of interface %s", intf.Name(), overlap.Name())
		}
	}
	s.intfs = append(s.intfs, intf)
	s.intfMap[intf.Name()] = intf
	s.mu.Unlock()

	s.routingTable.StoreRoute(Route{
		Network:       intf.Network(),
		Interface:     intf.Name(),
		Source:        RouteSourceConnected,
		AdminDistance: ADConnected,
	})
	intf.SetReceiver(s.receiveDatagram)
	return intf, nil
}

func (s *stack) RemoveInterface(name string) error {
	s.mu.Lock()
	intf, ok := s.intfMap[name]
	if ok {
		delete(s.intfMap, name)
		for i := range s.intfs {
			if s.intfs[i] == intf {
				s.intfs = append(s.intfs[:i], s.intfs[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("interface %s does not exist", name)
	}
	s.routingTable.DeleteRoutesByInterface(name)
	return intf.Close()
}

func (s *stack) AddStaticRoute(conf StaticRouteConfig) error {
	network, err := pkgnet.ParseNetworkCIDR(conf.NetworkCIDR)
	if err != nil {
		return fmt.Errorf("error parsing network cidr: %w", err)
	}
	var nextHop net.IP
	if conf.NextHop != "" {
		if nextHop = net.ParseIP(conf.NextHop); nextHop == nil {
			return fmt.Errorf("invalid IPv4 format: %s", conf.NextHop)
		}
		nextHop = nextHop.To4()
	}
	ifaceName := conf.Interface
	if ifaceName == "" {
		if nextHop == nil {
			return errors.New("static route needs a next hop or an interface")
		}
		intf := s.findConnectedInterface(nextHop)
		if intf == nil {
			return fmt.Errorf("next hop %s is not on any connected network", nextHop)
		}
		ifaceName = intf.Name()
	} else if s.Interface(ifaceName) == nil {
		return fmt.Errorf("target interface %s does not exist", ifaceName)
	}
	s.routingTable.StoreRoute(Route{
		Network:       network,
		NextHop:       nextHop,
		Interface:     ifaceName,
		Source:        RouteSourceStatic,
		AdminDistance: ADStatic,
	})
	return nil
}

func (s *stack) DelStaticRoute(networkCIDR string) error {
	network, err := pkgnet.ParseNetworkCIDR(networkCIDR)
	if err != nil {
		return fmt.Errorf("error parsing network cidr: %w", err)
	}
	if !s.routingTable.DeleteRoute(network, RouteSourceStatic) {
		return fmt.Errorf("no static route for %s", networkCIDR)
	}
	return nil
}

func (s *stack) findConnectedInterface(ip net.IP) Interface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, intf := range s.intfs {
		if intf.Network().Contains(ip) {
			return intf
		}
	}
	return nil
}

// Send originates a datagram from this device. The src IP address
// defaults to the egress interface address. A local sender with no
// usable route gets an explicit "no route" error instead of an ICMP
// message.
func (s *stack) Send(datagram *gplayers.IPv4) error {
	// local destinations short-circuit the wire
	if intf := s.interfaceForAddress(datagram.DstIP); intf != nil {
		if datagram.SrcIP == nil {
			datagram.SrcIP = intf.IPAddress().Raw()
		}
		buf, err := SerializeDatagram(datagram)
		if err != nil {
			return err
		}
		s.receiveDatagram(intf, buf)
		return nil
	}

	route, err := s.routingTable.FindRoute(datagram.DstIP)
	if err != nil {
		return err
	}
	return s.sendVia(route, datagram)
}

func (s *stack) sendVia(route Route, datagram *gplayers.IPv4) error {
	egress := s.Interface(route.Interface)
	if egress == nil {
		return fmt.Errorf("target interface %s does not exist", route.Interface)
	}
	if datagram.SrcIP == nil {
		datagram.SrcIP = egress.IPAddress().Raw()
	}
	nextHop := route.NextHop
	if nextHop == nil { // on-link
		nextHop = datagram.DstIP
	}
	buf, err := SerializeDatagram(datagram)
	if err != nil {
		return err
	}
	return egress.Send(buf, datagram.DstIP, nextHop)
}

// SendOnInterface originates a pre-serialized datagram out a specific
// interface, bypassing the routing table. Routing protocols use it for
// their link-local multicast updates and unicast replies.
func (s *stack) SendOnInterface(name string, datagramBuf []byte, dstIPAddress, nextHop net.IP) error {
	egress := s.Interface(name)
	if egress == nil {
		return fmt.Errorf("target interface %s does not exist", name)
	}
	return egress.Send(datagramBuf, dstIPAddress, nextHop)
}

func (s *stack) receiveDatagram(intf Interface, datagramBuf []byte) {
	s.incStats(func(st *IPStats) { st.IPInReceives++ })

	datagram, err := DeserializeDatagram(datagramBuf)
	if err != nil {
		// malformed datagrams are dropped silently: generating an
		// ICMP error here could amplify a failure into a loop
		s.incStats(func(st *IPStats) { st.IPInHdrErrors++ })
		s.l.
			WithError(err).
			WithField("from_interface", intf.Name()).
			Error("error decapsulating network layer")
		return
	}

	if s.isLocalDelivery(datagram) {
		s.deliver(intf, datagram)
		return
	}

	s.forward(intf, datagram, datagramBuf)
}

func (s *stack) isLocalDelivery(datagram *gplayers.IPv4) bool {
	dst := gplayers.NewIPEndpoint(datagram.DstIP)
	if dst == BroadcastIPEndpoint() || IsMulticastIPAddress(datagram.DstIP) {
		return true
	}
	return s.interfaceForAddress(datagram.DstIP) != nil
}

func (s *stack) interfaceForAddress(ip net.IP) Interface {
	dst := gplayers.NewIPEndpoint(ip.To4())
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, intf := range s.intfs {
		if dst == intf.IPAddress() || dst == intf.BroadcastIPAddress() {
			return intf
		}
	}
	return nil
}

// deliver hands a datagram addressed to this device to the local
// upper layer stack. This path never decrements the TTL.
func (s *stack) deliver(intf Interface, datagram *gplayers.IPv4) {
	s.incStats(func(st *IPStats) { st.IPInDelivers++ })

	s.mu.RLock()
	handler := s.handlers[datagram.Protocol]
	s.mu.RUnlock()
	if handler != nil {
		handler(intf, datagram)
		return
	}

	if datagram.Protocol == gplayers.IPProtocolICMPv4 {
		s.deliverICMP(intf, datagram)
		return
	}

	s.l.
		WithField("protocol", datagram.Protocol.String()).
		Debug("no handler for protocol. discarding")
}

func (s *stack) deliverICMP(intf Interface, datagram *gplayers.IPv4) {
	icmp, err := DeserializeICMP(datagram.Payload)
	if err != nil {
		s.incStats(func(st *IPStats) { st.IPInHdrErrors++ })
		s.l.
			WithError(err).
			Error("error decapsulating icmp message")
		return
	}

	if icmp.TypeCode.Type() == gplayers.ICMPv4TypeEchoRequest {
		s.incStats(func(st *IPStats) { st.ICMPInEchos++ })
		s.replyEcho(datagram, icmp)
		return
	}

	s.mu.RLock()
	listener := s.icmpListener
	s.mu.RUnlock()
	if listener != nil {
		listener(intf, datagram, icmp)
	}
}

func (s *stack) replyEcho(request *gplayers.IPv4, icmp *gplayers.ICMPv4) {
	buf, err := SerializeICMP(NewEchoReply(icmp))
	if err != nil {
		s.l.WithError(err).Error("error serializing echo reply")
		return
	}
	// the reply inherits the remaining TTL of the request, so the
	// round trip consumes TTL across both directions
	err = s.Send(&gplayers.IPv4{
		BaseLayer: gplayers.BaseLayer{Payload: buf},
		SrcIP:     request.DstIP,
		DstIP:     request.SrcIP,
		TTL:       request.TTL,
		Protocol:  gplayers.IPProtocolICMPv4,
	})
	if err != nil {
		s.l.WithError(err).Error("error sending echo reply")
		return
	}
	s.incStats(func(st *IPStats) {
		st.ICMPOutMsgs++
		st.ICMPOutEchoReps++
	})
}

func (s *stack) forward(intf Interface, datagram *gplayers.IPv4, datagramBuf []byte) {
	if !s.Forwarding() {
		s.incStats(func(st *IPStats) { st.IPInAddrErrors++ })
		return
	}

	// TTL check happens before the route lookup: a datagram that
	// would expire here is never forwarded past this hop
	if datagram.TTL <= 1 {
		if s.sendICMPError(intf, datagram, NewTimeExceeded(datagramBuf)) {
			s.incStats(func(st *IPStats) {
				st.ICMPOutMsgs++
				st.ICMPOutTimeExcds++
			})
		}
		return
	}
	datagram.TTL--

	route, err := s.routingTable.FindRoute(datagram.DstIP)
	if err != nil {
		s.incStats(func(st *IPStats) { st.IPInAddrErrors++ })
		if s.sendICMPError(intf, datagram, NewDestinationUnreachable(datagramBuf)) {
			s.incStats(func(st *IPStats) {
				st.ICMPOutMsgs++
				st.ICMPOutDestUnreachs++
			})
		}
		return
	}

	if err := s.sendVia(route, datagram); err != nil {
		s.l.
			WithError(err).
			WithField("from_interface", intf.Name()).
			WithField("dst_ip_address", datagram.DstIP.String()).
			Error("error forwarding datagram")
		return
	}
	s.incStats(func(st *IPStats) { st.IPForwDatagrams++ })
}

// sendICMPError sends an ICMP error message back to the source of the
// offending datagram, from the address of the interface the datagram
// arrived on. Offending datagrams which are themselves ICMP errors are
// dropped without an answer, so error storms cannot cascade. Returns
// whether the message was actually sent.
func (s *stack) sendICMPError(intf Interface, offending *gplayers.IPv4, icmp *gplayers.ICMPv4) bool {
	if isICMPError(offending) {
		return false
	}
	buf, err := SerializeICMP(icmp)
	if err != nil {
		s.l.WithError(err).Error("error serializing icmp error message")
		return false
	}
	err = s.Send(&gplayers.IPv4{
		BaseLayer: gplayers.BaseLayer{Payload: buf},
		SrcIP:     intf.IPAddress().Raw(),
		DstIP:     offending.SrcIP,
		Protocol:  gplayers.IPProtocolICMPv4,
	})
	if err != nil {
		s.l.
			WithError(err).
			WithField("dst_ip_address", offending.SrcIP.String()).
			Error("error sending icmp error message")
		return false
	}
	return true
}

func isICMPError(datagram *gplayers.IPv4) bool {
	if datagram.Protocol != gplayers.IPProtocolICMPv4 || len(datagram.Payload) == 0 {
		return false
	}
	switch datagram.Payload[0] { // icmp type
	case gplayers.ICMPv4TypeDestinationUnreachable,
		gplayers.ICMPv4TypeSourceQuench,
		gplayers.ICMPv4TypeRedirect,
		gplayers.ICMPv4TypeTimeExceeded,
		gplayers.ICMPv4TypeParameterProblem:
		return true
	}
	return false
}

func (s *stack) RegisterProtocolHandler(proto gplayers.IPProtocol, h func(intf Interface, datagram *gplayers.IPv4)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[proto] = h
}

func (s *stack) SetICMPListener(f func(intf Interface, datagram *gplayers.IPv4, icmp *gplayers.ICMPv4)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.icmpListener = f
}

func (s *stack) RoutingTable() *RoutingTable {
	return &s.routingTable
}

func (s *stack) Interfaces() []Interface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intfs := make([]Interface, len(s.intfs))
	copy(intfs, s.intfs)
	return intfs
}

func (s *stack) Interface(name string) Interface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intfMap[name]
}

func (s *stack) Forwarding() bool {
	return s.conf.Forwarding
}

func (s *stack) Name() string {
	return s.conf.Name
}

func (s *stack) Stats() IPStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *stack) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = IPStats{}
}

func (s *stack) incStats(f func(st *IPStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.stats)
}

func (s *stack) Close() error {
	var err error
	for _, intf := range s.Interfaces() {
		if cErr := intf.Close(); cErr != nil {
			err = multierror.Append(err, fmt.Errorf("error closing interface %s: %w", intf.Name(), cErr))
		}
	}
	return err
}
