package rip_test

import (
	"net"
	"testing"
	"time"

	"github.com/vnetlab/vnet-sim/layers/common"
	"github.com/vnetlab/vnet-sim/layers/link"
	"github.com/vnetlab/vnet-sim/layers/network"
	"github.com/vnetlab/vnet-sim/layers/physical"
	"github.com/vnetlab/vnet-sim/layers/rip"
	"github.com/vnetlab/vnet-sim/pkg/clock"
	"github.com/vnetlab/vnet-sim/test"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouterStack(t *testing.T, name string, intfs ...network.InterfaceConfig) network.Stack {
	stack, err := network.NewStack(network.StackConfig{
		Forwarding: true,
		Name:       name,
		Interfaces: intfs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, stack.Close()) })
	return stack
}

func intfConfig(name, ipAddress, macAddress string) network.InterfaceConfig {
	return network.InterfaceConfig{
		Name:       name,
		IPAddress:  ipAddress,
		SubnetMask: "255.255.255.0",
		Card:       link.EthernetPortConfig{MACAddress: macAddress},
	}
}

func connect(t *testing.T, a network.Stack, aIntf string, b network.Stack, bIntf string) *physical.Cable {
	cable, err := physical.Connect(
		a.Interface(aIntf).Card().CablePort(),
		b.Interface(bIntf).Card().CablePort(),
	)
	require.NoError(t, err)
	return cable
}

// newRouterChain builds three routers in a line, each with a stub
// network on the far side:
//
//	(10.10.0.0/24) A --10.1.0.0/24-- B --10.2.0.0/24-- C (10.30.0.0/24)
func newRouterChain(t *testing.T, clk clock.Clock) (a, b, c network.Stack, bc *physical.Cable) {
	a = newRouterStack(t, "router-a",
		intfConfig("eth0", "10.1.0.1", "00:00:5e:00:53:a0"),
		intfConfig("eth1", "10.10.0.1", "00:00:5e:00:53:a1"),
	)
	b = newRouterStack(t, "router-b",
		intfConfig("eth0", "10.1.0.2", "00:00:5e:00:53:b0"),
		intfConfig("eth1", "10.2.0.1", "00:00:5e:00:53:b1"),
	)
	c = newRouterStack(t, "router-c",
		intfConfig("eth0", "10.2.0.2", "00:00:5e:00:53:c0"),
		intfConfig("eth1", "10.30.0.1", "00:00:5e:00:53:c1"),
	)
	connect(t, a, "eth0", b, "eth0")
	bc = connect(t, b, "eth1", c, "eth0")

	for _, stack := range []network.Stack{a, b, c} {
		engine, err := rip.NewEngine(stack, clk, rip.EngineConfig{})
		require.NoError(t, err)
		t.Cleanup(func() { assert.NoError(t, engine.Close()) })
	}
	return
}

func TestEngineConvergesAcrossChain(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	a, b, c, _ := newRouterChain(t, clk)

	// the bootstrap request/response exchange converges the tables
	// without any clock movement
	route, err := a.RoutingTable().FindRoute(test.MustParseIP(t, "10.30.0.5"))
	require.NoError(t, err)
	assert.Equal(t, network.RouteSourceRIP, route.Source)
	assert.Equal(t, test.MustParseIP(t, "10.1.0.2"), route.NextHop)
	assert.Equal(t, 3, route.Metric)

	route, err = c.RoutingTable().FindRoute(test.MustParseIP(t, "10.10.0.5"))
	require.NoError(t, err)
	assert.Equal(t, test.MustParseIP(t, "10.2.0.1"), route.NextHop)
	assert.Equal(t, 3, route.Metric)

	route, err = b.RoutingTable().FindRoute(test.MustParseIP(t, "10.30.0.5"))
	require.NoError(t, err)
	assert.Equal(t, 2, route.Metric)

	// learned routes never override connected ones
	route, err = b.RoutingTable().FindRoute(test.MustParseIP(t, "10.1.0.5"))
	require.NoError(t, err)
	assert.Equal(t, network.RouteSourceConnected, route.Source)
}

func TestEndToEndPingOverLearnedRoutes(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	a, _, c, _ := newRouterChain(t, clk)

	hostA, err := network.NewHost(network.HostConfig{
		Name:           "host-a",
		DefaultGateway: "10.10.0.1",
		Interfaces:     []network.InterfaceConfig{intfConfig("eth0", "10.10.0.2", "00:00:5e:00:53:0a")},
	})
	require.NoError(t, err)
	hostC, err := network.NewHost(network.HostConfig{
		Name:           "host-c",
		DefaultGateway: "10.30.0.1",
		Interfaces:     []network.InterfaceConfig{intfConfig("eth0", "10.30.0.2", "00:00:5e:00:53:0c")},
	})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, hostA.Close())
		assert.NoError(t, hostC.Close())
	}()
	_, err = physical.Connect(
		hostA.Stack().Interface("eth0").Card().CablePort(),
		a.Interface("eth1").Card().CablePort(),
	)
	require.NoError(t, err)
	_, err = physical.Connect(
		hostC.Stack().Interface("eth0").Card().CablePort(),
		c.Interface("eth1").Card().CablePort(),
	)
	require.NoError(t, err)

	result, err := hostA.Ping(test.MustParseIP(t, "10.30.0.2"), 64)
	require.NoError(t, err)
	require.True(t, result.IsEchoReply())

	// three router hops each way
	assert.Equal(t, uint8(58), result.TTL)
}

func TestRouteTimeoutPoisonsAndGarbageCollects(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	a, b, _, bc := newRouterChain(t, clk)

	_, err := a.RoutingTable().FindRoute(test.MustParseIP(t, "10.30.0.5"))
	require.NoError(t, err)

	// cut the b<->c link: c's advertisements stop reaching b, so b's
	// learned routes through c age out, get poisoned and propagate
	// the loss to a
	bc.Disconnect()
	clk.Advance(rip.DefaultRouteTimeout)

	_, err = b.RoutingTable().FindRoute(test.MustParseIP(t, "10.30.0.5"))
	assert.ErrorIs(t, err, common.ErrNoRoute)
	_, err = a.RoutingTable().FindRoute(test.MustParseIP(t, "10.30.0.5"))
	assert.ErrorIs(t, err, common.ErrNoRoute)

	// routes still connected through the healthy link survive
	route, err := a.RoutingTable().FindRoute(test.MustParseIP(t, "10.2.0.5"))
	require.NoError(t, err)
	assert.Equal(t, 2, route.Metric)

	// after garbage collection the poisoned routes disappear from the
	// protocol state as well
	clk.Advance(rip.DefaultGCTimeout)
}

func TestEngineCloseWithdrawsLearnedRoutes(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))

	a := newRouterStack(t, "router-a", intfConfig("eth0", "10.1.0.1", "00:00:5e:00:53:a0"))
	b := newRouterStack(t, "router-b", intfConfig("eth0", "10.1.0.2", "00:00:5e:00:53:b0"),
		intfConfig("eth1", "10.2.0.1", "00:00:5e:00:53:b1"))
	connect(t, a, "eth0", b, "eth0")

	engineA, err := rip.NewEngine(a, clk, rip.EngineConfig{})
	require.NoError(t, err)
	engineB, err := rip.NewEngine(b, clk, rip.EngineConfig{})
	require.NoError(t, err)
	defer func() { assert.NoError(t, engineB.Close()) }()

	_, err = a.RoutingTable().FindRoute(test.MustParseIP(t, "10.2.0.5"))
	require.NoError(t, err)

	require.NoError(t, engineA.Close())
	_, err = a.RoutingTable().FindRoute(test.MustParseIP(t, "10.2.0.5"))
	assert.ErrorIs(t, err, common.ErrNoRoute)
}

// ripListener is a stack with a tap on the routing protocol's UDP
// port, used to inspect and inject raw protocol messages.
type ripListener struct {
	stack    network.Stack
	received []*rip.Message
}

func newRIPListener(t *testing.T, ipAddress, macAddress string) *ripListener {
	l := &ripListener{
		stack: newRouterStack(t, "listener", intfConfig("eth0", ipAddress, macAddress)),
	}
	l.stack.RegisterProtocolHandler(gplayers.IPProtocolUDP, func(intf network.Interface, datagram *gplayers.IPv4) {
		pkt := gopacket.NewPacket(datagram.Payload, gplayers.LayerTypeUDP, gopacket.Lazy)
		udp, _ := pkt.TransportLayer().(*gplayers.UDP)
		require.NotNil(t, udp)
		msg, err := rip.DeserializeMessage(udp.Payload)
		require.NoError(t, err)
		l.received = append(l.received, msg)
	})
	return l
}

func (l *ripListener) inject(t *testing.T, entries []rip.Entry) {
	msgBuf, err := rip.SerializeMessage(&rip.Message{
		Command: rip.CommandResponse,
		Entries: entries,
	})
	require.NoError(t, err)
	udp := &gplayers.UDP{
		BaseLayer: gplayers.BaseLayer{Payload: msgBuf},
		SrcPort:   rip.Port,
		DstPort:   rip.Port,
	}
	intf := l.stack.Interface("eth0")
	datagramBuf, err := network.SerializeDatagramWithTransportSegment(&gplayers.IPv4{
		SrcIP:    intf.IPAddress().Raw(),
		DstIP:    rip.MulticastIPAddress,
		TTL:      1,
		Protocol: gplayers.IPProtocolUDP,
	}, udp)
	require.NoError(t, err)
	require.NoError(t, l.stack.SendOnInterface("eth0", datagramBuf, rip.MulticastIPAddress, rip.MulticastIPAddress))
}

func (l *ripListener) findEntry(ipnet string) (rip.Entry, bool) {
	for _, msg := range l.received {
		if msg.Command != rip.CommandResponse {
			continue
		}
		for _, entry := range msg.Entries {
			entryNet := net.IPNet{IP: entry.IPAddress, Mask: entry.SubnetMask}
			if entryNet.String() == ipnet {
				return entry, true
			}
		}
	}
	return rip.Entry{}, false
}

func TestSplitHorizonOmitsEntriesBelongingToInterface(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	router := newRouterStack(t, "router",
		intfConfig("eth0", "10.1.0.1", "00:00:5e:00:53:a0"),
		intfConfig("eth1", "10.9.0.1", "00:00:5e:00:53:a1"), // stub network
	)
	listener := newRIPListener(t, "10.1.0.3", "00:00:5e:00:53:03")
	connect(t, router, "eth0", listener.stack, "eth0")

	engine, err := rip.NewEngine(router, clk, rip.EngineConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, engine.Close()) })

	listener.inject(t, []rip.Entry{{
		AddressFamily: rip.AddressFamilyIPv4,
		IPAddress:     test.MustParseIP(t, "10.77.0.0"),
		SubnetMask:    test.MustParseCIDR(t, "10.77.0.0/24").Mask,
		NextHop:       test.MustParseIP(t, "0.0.0.0"),
		Metric:        1,
	}})

	route, err := router.RoutingTable().FindRoute(test.MustParseIP(t, "10.77.0.5"))
	require.NoError(t, err)
	assert.Equal(t, 2, route.Metric)

	// neither the route learned on the interface nor the network the
	// interface lives on may be advertised back out of it; the stub
	// network on the other interface must
	listener.received = nil
	clk.Advance(rip.DefaultUpdateInterval)
	require.NotEmpty(t, listener.received)
	_, found := listener.findEntry("10.77.0.0/24")
	assert.False(t, found)
	_, found = listener.findEntry("10.1.0.0/24")
	assert.False(t, found)
	entry, found := listener.findEntry("10.9.0.0/24")
	require.True(t, found)
	assert.Equal(t, uint32(1), entry.Metric)
}

func TestDisabledSplitHorizonAdvertisesEntriesBack(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	router := newRouterStack(t, "router", intfConfig("eth0", "10.1.0.1", "00:00:5e:00:53:a0"))
	listener := newRIPListener(t, "10.1.0.3", "00:00:5e:00:53:03")
	connect(t, router, "eth0", listener.stack, "eth0")

	splitHorizon := false
	engine, err := rip.NewEngine(router, clk, rip.EngineConfig{SplitHorizon: &splitHorizon})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, engine.Close()) })

	listener.inject(t, []rip.Entry{{
		AddressFamily: rip.AddressFamilyIPv4,
		IPAddress:     test.MustParseIP(t, "10.77.0.0"),
		SubnetMask:    test.MustParseCIDR(t, "10.77.0.0/24").Mask,
		NextHop:       test.MustParseIP(t, "0.0.0.0"),
		Metric:        1,
	}})

	// without split horizon everything goes back out the learned
	// interface with the real metrics
	listener.received = nil
	clk.Advance(rip.DefaultUpdateInterval)
	entry, found := listener.findEntry("10.77.0.0/24")
	require.True(t, found)
	assert.Equal(t, uint32(2), entry.Metric)
	entry, found = listener.findEntry("10.1.0.0/24")
	require.True(t, found)
	assert.Equal(t, uint32(1), entry.Metric)
}

func TestAdvertisedNetworksRestrictUpdates(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	router := newRouterStack(t, "router",
		intfConfig("eth0", "10.1.0.1", "00:00:5e:00:53:a0"),
		intfConfig("eth1", "10.8.0.1", "00:00:5e:00:53:a1"),
		intfConfig("eth2", "10.9.0.1", "00:00:5e:00:53:a2"),
	)
	listener := newRIPListener(t, "10.1.0.3", "00:00:5e:00:53:03")
	connect(t, router, "eth0", listener.stack, "eth0")

	engine, err := rip.NewEngine(router, clk, rip.EngineConfig{
		AdvertisedNetworks: []string{"10.9.0.0/24"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, engine.Close()) })

	listener.received = nil
	clk.Advance(rip.DefaultUpdateInterval)
	_, found := listener.findEntry("10.9.0.0/24")
	assert.True(t, found)
	_, found = listener.findEntry("10.8.0.0/24")
	assert.False(t, found)

	// the running configuration is readable, with defaults applied
	conf := engine.Config()
	assert.Equal(t, []string{"10.9.0.0/24"}, conf.AdvertisedNetworks)
	require.NotNil(t, conf.SplitHorizon)
	assert.True(t, *conf.SplitHorizon)
	assert.Equal(t, rip.DefaultUpdateInterval, conf.UpdateInterval)

	_, err = rip.NewEngine(router, clk, rip.EngineConfig{
		AdvertisedNetworks: []string{"not-a-cidr"},
	})
	assert.Error(t, err)
}

func TestPoisonedReverseAdvertisesInfinityBack(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	router := newRouterStack(t, "router", intfConfig("eth0", "10.1.0.1", "00:00:5e:00:53:a0"))
	listener := newRIPListener(t, "10.1.0.3", "00:00:5e:00:53:03")
	connect(t, router, "eth0", listener.stack, "eth0")

	engine, err := rip.NewEngine(router, clk, rip.EngineConfig{PoisonedReverse: true})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, engine.Close()) })

	listener.inject(t, []rip.Entry{{
		AddressFamily: rip.AddressFamilyIPv4,
		IPAddress:     test.MustParseIP(t, "10.77.0.0"),
		SubnetMask:    test.MustParseCIDR(t, "10.77.0.0/24").Mask,
		NextHop:       test.MustParseIP(t, "0.0.0.0"),
		Metric:        1,
	}})

	listener.received = nil
	clk.Advance(rip.DefaultUpdateInterval)
	entry, found := listener.findEntry("10.77.0.0/24")
	require.True(t, found)
	assert.Equal(t, uint32(rip.InfinityMetric), entry.Metric)
}

func TestSameNextHopUpdatesRouteEvenWithWorseMetric(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	router := newRouterStack(t, "router", intfConfig("eth0", "10.1.0.1", "00:00:5e:00:53:a0"))
	listener := newRIPListener(t, "10.1.0.3", "00:00:5e:00:53:03")
	connect(t, router, "eth0", listener.stack, "eth0")

	engine, err := rip.NewEngine(router, clk, rip.EngineConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, engine.Close()) })

	advertise := func(metric uint32) {
		listener.inject(t, []rip.Entry{{
			AddressFamily: rip.AddressFamilyIPv4,
			IPAddress:     test.MustParseIP(t, "10.77.0.0"),
			SubnetMask:    test.MustParseCIDR(t, "10.77.0.0/24").Mask,
			NextHop:       test.MustParseIP(t, "0.0.0.0"),
			Metric:        metric,
		}})
	}

	advertise(1)
	route, err := router.RoutingTable().FindRoute(test.MustParseIP(t, "10.77.0.5"))
	require.NoError(t, err)
	assert.Equal(t, 2, route.Metric)

	// the next hop owning the route is authoritative: a worse metric
	// from it replaces the current one
	advertise(5)
	route, err = router.RoutingTable().FindRoute(test.MustParseIP(t, "10.77.0.5"))
	require.NoError(t, err)
	assert.Equal(t, 6, route.Metric)

	// an infinity metric from the owner withdraws the route
	advertise(rip.InfinityMetric)
	_, err = router.RoutingTable().FindRoute(test.MustParseIP(t, "10.77.0.5"))
	assert.ErrorIs(t, err, common.ErrNoRoute)
}

func TestConnectedRoutesAreNeverOverridden(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	router := newRouterStack(t, "router", intfConfig("eth0", "10.1.0.1", "00:00:5e:00:53:a0"))
	listener := newRIPListener(t, "10.1.0.3", "00:00:5e:00:53:03")
	connect(t, router, "eth0", listener.stack, "eth0")

	engine, err := rip.NewEngine(router, clk, rip.EngineConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, engine.Close()) })

	listener.inject(t, []rip.Entry{{
		AddressFamily: rip.AddressFamilyIPv4,
		IPAddress:     test.MustParseIP(t, "10.1.0.0"),
		SubnetMask:    test.MustParseCIDR(t, "10.1.0.0/24").Mask,
		NextHop:       test.MustParseIP(t, "0.0.0.0"),
		Metric:        1,
	}})

	route, err := router.RoutingTable().FindRoute(test.MustParseIP(t, "10.1.0.5"))
	require.NoError(t, err)
	assert.Equal(t, network.RouteSourceConnected, route.Source)
	assert.Empty(t, engine.Routes())
}

func TestEngineRepliesToFullTableRequest(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	router := newRouterStack(t, "router",
		intfConfig("eth0", "10.1.0.1", "00:00:5e:00:53:a0"),
		intfConfig("eth1", "10.9.0.1", "00:00:5e:00:53:a1"), // stub network
	)
	listener := newRIPListener(t, "10.1.0.3", "00:00:5e:00:53:03")
	connect(t, router, "eth0", listener.stack, "eth0")

	engine, err := rip.NewEngine(router, clk, rip.EngineConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, engine.Close()) })

	listener.received = nil
	reqBuf, err := rip.SerializeMessage(rip.NewFullTableRequest())
	require.NoError(t, err)
	udp := &gplayers.UDP{
		BaseLayer: gplayers.BaseLayer{Payload: reqBuf},
		SrcPort:   rip.Port,
		DstPort:   rip.Port,
	}
	intf := listener.stack.Interface("eth0")
	datagramBuf, err := network.SerializeDatagramWithTransportSegment(&gplayers.IPv4{
		SrcIP:    intf.IPAddress().Raw(),
		DstIP:    rip.MulticastIPAddress,
		TTL:      1,
		Protocol: gplayers.IPProtocolUDP,
	}, udp)
	require.NoError(t, err)
	require.NoError(t, listener.stack.SendOnInterface("eth0", datagramBuf, rip.MulticastIPAddress, rip.MulticastIPAddress))

	// the unicast reply carries the router's other connected network;
	// the one the requester already lives on is withheld
	entry, found := listener.findEntry("10.9.0.0/24")
	require.True(t, found)
	assert.Equal(t, uint32(1), entry.Metric)
	_, found = listener.findEntry("10.1.0.0/24")
	assert.False(t, found)
}
