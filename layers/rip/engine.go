package rip

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vnetlab/vnet-sim/layers/network"
	"github.com/vnetlab/vnet-sim/pkg/clock"
	pkgnet "github.com/vnetlab/vnet-sim/pkg/net"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

// Default protocol timers (RFC 2453 section 3.8).
const (
	DefaultUpdateInterval = 30 * time.Second
	DefaultRouteTimeout   = 180 * time.Second
	DefaultGCTimeout      = 120 * time.Second
)

type (
	// Engine runs RIPv2 on top of a network stack. It learns routes
	// from neighbor responses, advertises the device's connected and
	// learned networks on periodic and triggered updates, and ages
	// learned routes out when their neighbor goes silent.
	//
	// With split horizon (the default) an entry is never advertised
	// back out the interface it belongs to. With PoisonedReverse the
	// entry is advertised back with an infinity metric instead of
	// being omitted. Disabling split horizon advertises everything
	// everywhere with the real metrics.
	//
	// A learned route that times out (or is reported unreachable by
	// its own next hop) is withdrawn from the routing table right away
	// but keeps being advertised with an infinity metric until the
	// garbage collection timer removes it, so neighbors hear about the
	// loss instead of just aging it out themselves.
	Engine interface {
		Routes() []network.Route
		Config() EngineConfig
		Close() error
	}

	// EngineConfig contains the configs for the
	// concrete implementation of Engine.
	EngineConfig struct {
		UpdateInterval time.Duration `yaml:"updateInterval"`
		RouteTimeout   time.Duration `yaml:"routeTimeout"`
		GCTimeout      time.Duration `yaml:"gcTimeout"`

		// SplitHorizon defaults to true when unset.
		SplitHorizon    *bool `yaml:"splitHorizon"`
		PoisonedReverse bool  `yaml:"poisonedReverse"`

		// AdvertisedNetworks restricts which connected networks are
		// advertised, as a list of network CIDRs. Empty advertises
		// all of them.
		AdvertisedNetworks []string `yaml:"advertisedNetworks"`

		// Interfaces where the protocol is enabled. Empty enables all.
		Interfaces []string `yaml:"interfaces"`
	}

	engine struct {
		conf       *EngineConfig
		l          logrus.FieldLogger
		stack      network.Stack
		clk        clock.Clock
		advertised []*net.IPNet

		mu          sync.Mutex
		closed      bool
		routes      map[string]*ripRoute
		updateTimer clock.Timer
	}

	ripRoute struct {
		route    network.Route
		poisoned bool
		timeout  clock.Timer
		gc       clock.Timer
	}
)

// NewEngine creates an Engine from config, attaches it to the stack
// and asks the neighbors for their full routing tables.
func NewEngine(stack network.Stack, clk clock.Clock, conf EngineConfig) (Engine, error) {
	if stack == nil {
		return nil, errors.New("stack cannot be nil")
	}
	if clk == nil {
		clk = clock.Real
	}
	if conf.UpdateInterval == 0 {
		conf.UpdateInterval = DefaultUpdateInterval
	}
	if conf.RouteTimeout == 0 {
		conf.RouteTimeout = DefaultRouteTimeout
	}
	if conf.GCTimeout == 0 {
		conf.GCTimeout = DefaultGCTimeout
	}
	if conf.SplitHorizon == nil {
		splitHorizon := true
		conf.SplitHorizon = &splitHorizon
	}
	var advertised []*net.IPNet
	for _, cidr := range conf.AdvertisedNetworks {
		ipnet, err := pkgnet.ParseNetworkCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("error parsing advertised network %s: %w", cidr, err)
		}
		advertised = append(advertised, ipnet)
	}
	e := &engine{
		conf:       &conf,
		l:          logrus.WithField("device", stack.Name()).WithField("protocol", "rip"),
		stack:      stack,
		clk:        clk,
		advertised: advertised,
		routes:     make(map[string]*ripRoute),
	}
	e.updateTimer = clk.AfterFunc(conf.UpdateInterval, e.periodicUpdate)
	stack.RegisterProtocolHandler(gplayers.IPProtocolUDP, e.receiveDatagram)

	// bootstrap: ask neighbors for their tables and advertise ours
	e.multicastRequest()
	e.sendUpdates()

	return e, nil
}

// Routes returns a snapshot of the routes learned by the protocol,
// including withdrawn routes still being advertised with an infinity
// metric.
func (e *engine) Routes() []network.Route {
	e.mu.Lock()
	defer e.mu.Unlock()
	routes := make([]network.Route, 0, len(e.routes))
	for _, r := range e.routes {
		route := r.route
		if r.poisoned {
			route.Metric = InfinityMetric
		}
		routes = append(routes, route)
	}
	return routes
}

// Config returns the running configuration, with defaults applied.
func (e *engine) Config() EngineConfig {
	return *e.conf
}

func (e *engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.updateTimer.Stop()
	for _, r := range e.routes {
		if r.timeout != nil {
			r.timeout.Stop()
		}
		if r.gc != nil {
			r.gc.Stop()
		}
	}
	e.routes = make(map[string]*ripRoute)
	e.mu.Unlock()

	e.stack.RoutingTable().DeleteRoutesBySource(network.RouteSourceRIP)
	return nil
}

func (e *engine) periodicUpdate() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.updateTimer.Reset(e.conf.UpdateInterval)
	e.mu.Unlock()

	e.sendUpdates()
}

func (e *engine) enabledInterfaces() []network.Interface {
	intfs := e.stack.Interfaces()
	if len(e.conf.Interfaces) == 0 {
		return intfs
	}
	var enabled []network.Interface
	for _, intf := range intfs {
		for _, name := range e.conf.Interfaces {
			if intf.Name() == name {
				enabled = append(enabled, intf)
				break
			}
		}
	}
	return enabled
}

// multicastRequest sends the full table request out every enabled
// interface.
func (e *engine) multicastRequest() {
	buf, err := SerializeMessage(NewFullTableRequest())
	if err != nil {
		e.l.WithError(err).Error("error serializing full table request")
		return
	}
	for _, intf := range e.enabledInterfaces() {
		if err := e.sendMessage(intf, buf, MulticastIPAddress); err != nil {
			e.l.
				WithError(err).
				WithField("interface", intf.Name()).
				Error("error sending full table request")
		}
	}
}

// sendUpdates advertises the routing table out every enabled interface.
func (e *engine) sendUpdates() {
	for _, intf := range e.enabledInterfaces() {
		e.sendTableOnInterface(intf, MulticastIPAddress)
	}
}

func (e *engine) sendTableOnInterface(intf network.Interface, dstIPAddress net.IP) {
	entries := e.entriesForInterface(intf)
	for len(entries) > 0 {
		n := len(entries)
		if n > MaxEntriesPerMessage {
			n = MaxEntriesPerMessage
		}
		buf, err := SerializeMessage(&Message{
			Command: CommandResponse,
			Entries: entries[:n],
		})
		entries = entries[n:]
		if err != nil {
			e.l.WithError(err).Error("error serializing response")
			return
		}
		if err := e.sendMessage(intf, buf, dstIPAddress); err != nil {
			e.l.
				WithError(err).
				WithField("interface", intf.Name()).
				Error("error sending response")
			return
		}
	}
}

// entriesForInterface builds the advertisement for one egress
// interface: the advertised connected networks plus the routes
// learned by the protocol, with split horizon (or poisoned reverse)
// applied to every entry belonging to the egress interface.
func (e *engine) entriesForInterface(egress network.Interface) []Entry {
	var entries []Entry

	appendRoute := func(route network.Route, metric uint32) {
		if route.Interface == egress.Name() && *e.conf.SplitHorizon {
			if !e.conf.PoisonedReverse {
				return // split horizon
			}
			metric = InfinityMetric
		}
		entries = append(entries, Entry{
			AddressFamily: AddressFamilyIPv4,
			IPAddress:     route.Network.IP,
			SubnetMask:    route.Network.Mask,
			NextHop:       net.IPv4zero.To4(),
			Metric:        metric,
		})
	}

	for _, route := range e.stack.RoutingTable().Routes() {
		if route.Source != network.RouteSourceConnected || !e.advertisesNetwork(route.Network) {
			continue
		}
		appendRoute(route, 1)
	}

	e.mu.Lock()
	ripRoutes := make([]*ripRoute, 0, len(e.routes))
	for _, r := range e.routes {
		ripRoutes = append(ripRoutes, r)
	}
	e.mu.Unlock()
	for _, r := range ripRoutes {
		metric := uint32(r.route.Metric)
		if r.poisoned {
			metric = InfinityMetric
		}
		appendRoute(r.route, metric)
	}

	return entries
}

func (e *engine) advertisesNetwork(ipnet *net.IPNet) bool {
	if len(e.advertised) == 0 {
		return true
	}
	for _, n := range e.advertised {
		if n.String() == ipnet.String() {
			return true
		}
	}
	return false
}

// sendMessage wraps the serialized message into UDP and IPv4 and sends
// it out the interface. Multicast updates carry a TTL of 1 so they
// never leave the local network.
func (e *engine) sendMessage(intf network.Interface, msgBuf []byte, dstIPAddress net.IP) error {
	udp := &gplayers.UDP{
		BaseLayer: gplayers.BaseLayer{Payload: msgBuf},
		SrcPort:   Port,
		DstPort:   Port,
	}
	datagramBuf, err := network.SerializeDatagramWithTransportSegment(&gplayers.IPv4{
		SrcIP:    intf.IPAddress().Raw(),
		DstIP:    dstIPAddress,
		TTL:      1,
		Protocol: gplayers.IPProtocolUDP,
	}, udp)
	if err != nil {
		return fmt.Errorf("error serializing datagram: %w", err)
	}
	return e.stack.SendOnInterface(intf.Name(), datagramBuf, dstIPAddress, dstIPAddress)
}

func (e *engine) receiveDatagram(intf network.Interface, datagram *gplayers.IPv4) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	pkt := gopacket.NewPacket(datagram.Payload, gplayers.LayerTypeUDP, gopacket.Lazy)
	udp, _ := pkt.TransportLayer().(*gplayers.UDP)
	if udp == nil {
		e.l.WithField("interface", intf.Name()).Debug("error decapsulating transport layer. discarding")
		return
	}
	if udp.DstPort != Port {
		return // not for the routing protocol
	}

	msg, err := DeserializeMessage(udp.Payload)
	if err != nil {
		e.l.
			WithError(err).
			WithField("interface", intf.Name()).
			Error("error deserializing message")
		return
	}

	switch msg.Command {
	case CommandRequest:
		if msg.IsFullTableRequest() {
			e.sendTableOnInterface(intf, datagram.SrcIP)
		}
	case CommandResponse:
		// responses must come from the protocol's own port
		if udp.SrcPort != Port {
			return
		}
		e.processResponse(intf, datagram.SrcIP, msg.Entries)
	}
}

func (e *engine) processResponse(intf network.Interface, from net.IP, entries []Entry) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	changed := false
	for _, entry := range entries {
		if entry.AddressFamily != AddressFamilyIPv4 {
			continue
		}
		ipAddress := entry.IPAddress.To4()
		if ipAddress == nil || len(entry.SubnetMask) != 4 {
			continue
		}
		ipnet := &net.IPNet{IP: ipAddress.Mask(entry.SubnetMask), Mask: entry.SubnetMask}

		// connected networks are never overridden by learned routes
		if _, ok := e.stack.RoutingTable().FindRouteBySource(ipnet, network.RouteSourceConnected); ok {
			continue
		}

		metric := entry.Metric + 1
		if metric > InfinityMetric {
			metric = InfinityMetric
		}

		if e.updateRoute(ipnet, from, intf, int(metric)) {
			changed = true
		}
	}
	e.mu.Unlock()

	if changed {
		e.sendUpdates() // triggered update
	}
}

// updateRoute applies one received entry to the protocol state. Must
// be called with the mutex held. Returns whether the state changed.
func (e *engine) updateRoute(ipnet *net.IPNet, from net.IP, intf network.Interface, metric int) bool {
	prefix := ipnet.String()
	r := e.routes[prefix]

	if r == nil {
		if metric >= InfinityMetric {
			return false
		}
		e.installRoute(prefix, ipnet, from, intf, metric)
		return true
	}

	sameNextHop := r.route.NextHop.Equal(from)
	switch {
	case sameNextHop && metric >= InfinityMetric:
		if r.poisoned {
			return false
		}
		e.poisonRoute(prefix, r)
		return true
	case sameNextHop:
		// the owner of the route refreshes it, even with a worse
		// metric
		if r.poisoned || r.route.Metric != metric || r.route.Interface != intf.Name() {
			e.installRoute(prefix, ipnet, from, intf, metric)
			return true
		}
		r.timeout.Reset(e.conf.RouteTimeout)
		return false
	case metric < r.route.Metric || (r.poisoned && metric < InfinityMetric):
		// a different neighbor offers a strictly better path
		e.installRoute(prefix, ipnet, from, intf, metric)
		return true
	}
	return false
}

// installRoute creates or replaces the route, storing it in the
// routing table and (re)arming its timeout. Must be called with the
// mutex held.
func (e *engine) installRoute(prefix string, ipnet *net.IPNet, from net.IP, intf network.Interface, metric int) {
	if r := e.routes[prefix]; r != nil {
		if r.timeout != nil {
			r.timeout.Stop()
		}
		if r.gc != nil {
			r.gc.Stop()
		}
	}
	route := network.Route{
		Network:       ipnet,
		NextHop:       append(net.IP{}, from.To4()...),
		Interface:     intf.Name(),
		Source:        network.RouteSourceRIP,
		AdminDistance: network.ADRIP,
		Metric:        metric,
	}
	e.routes[prefix] = &ripRoute{
		route:   route,
		timeout: e.clk.AfterFunc(e.conf.RouteTimeout, func() { e.timeoutRoute(prefix) }),
	}
	e.stack.RoutingTable().StoreRoute(route)
	e.l.
		WithField("network", prefix).
		WithField("next_hop", route.NextHop.String()).
		WithField("metric", metric).
		Info("route installed")
}

// poisonRoute withdraws the route from the routing table but keeps
// advertising it with an infinity metric until garbage collection.
// Must be called with the mutex held.
func (e *engine) poisonRoute(prefix string, r *ripRoute) {
	r.poisoned = true
	if r.timeout != nil {
		r.timeout.Stop()
	}
	r.gc = e.clk.AfterFunc(e.conf.GCTimeout, func() { e.gcRoute(prefix) })
	e.stack.RoutingTable().DeleteRoute(r.route.Network, network.RouteSourceRIP)
	e.l.
		WithField("network", prefix).
		Info("route withdrawn")
}

func (e *engine) timeoutRoute(prefix string) {
	e.mu.Lock()
	r := e.routes[prefix]
	if e.closed || r == nil || r.poisoned {
		e.mu.Unlock()
		return
	}
	e.poisonRoute(prefix, r)
	e.mu.Unlock()

	e.sendUpdates() // triggered update
}

func (e *engine) gcRoute(prefix string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.routes[prefix]
	if r == nil || !r.poisoned {
		return
	}
	delete(e.routes, prefix)
	e.l.
		WithField("network", prefix).
		Info("route garbage collected")
}
