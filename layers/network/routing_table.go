package network

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/vnetlab/vnet-sim/layers/common"
	pkgnet "github.com/vnetlab/vnet-sim/pkg/net"
)

type (
	// RouteSource tags who installed a route. Routes for the same
	// prefix but different sources may coexist; selection prefers the
	// longest mask, then the lowest administrative distance, then the
	// lowest metric.
	RouteSource string

	// Route is one entry of the routing table. NextHop is nil for
	// connected routes (the destination is on-link).
	Route struct {
		Network       *net.IPNet
		NextHop       net.IP
		Interface     string
		Source        RouteSource
		AdminDistance int
		Metric        int
	}

	// RoutingTable is the RIB of a device: an ordered set of routes
	// resolved by longest-prefix-match. All the public methods are
	// thread-safe.
	RoutingTable struct {
		mu     sync.RWMutex
		routes []Route
	}

	// StaticRouteConfig represents a static route: a network CIDR
	// mapping to a next hop and/or an interface name.
	StaticRouteConfig struct {
		NetworkCIDR string `yaml:"networkCIDR"`
		NextHop     string `yaml:"nextHop"`
		Interface   string `yaml:"interface"`
	}
)

const (
	RouteSourceConnected RouteSource = "connected"
	RouteSourceStatic    RouteSource = "static"
	RouteSourceRIP       RouteSource = "rip"

	// Administrative distances per route source. The fixed ordering
	// guarantees connected/static routes always win over RIP for an
	// equally specific prefix.
	ADConnected = 0
	ADStatic    = 1
	ADRIP       = 120
)

// StoreRoute inserts the route, replacing any existing route with the
// same prefix and source.
func (t *RoutingTable) StoreRoute(route Route) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.routes {
		if t.routes[i].Source == route.Source && sameNetwork(t.routes[i].Network, route.Network) {
			t.routes[i] = route
			return
		}
	}
	t.routes = append(t.routes, route)
}

// DeleteRoute removes the route with the given prefix and source.
func (t *RoutingTable) DeleteRoute(network *net.IPNet, source RouteSource) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.routes {
		if t.routes[i].Source == source && sameNetwork(t.routes[i].Network, network) {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return true
		}
	}
	return false
}

// DeleteRoutesBySource removes every route installed by the source,
// e.g. when a routing protocol is disabled.
func (t *RoutingTable) DeleteRoutesBySource(source RouteSource) {
	t.mu.Lock()
	defer t.mu.Unlock()

	routes := t.routes[:0]
	for _, route := range t.routes {
		if route.Source != source {
			routes = append(routes, route)
		}
	}
	t.routes = routes
}

// DeleteRoutesByInterface removes every route going out the interface,
// e.g. when an interface is removed.
func (t *RoutingTable) DeleteRoutesByInterface(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	routes := t.routes[:0]
	for _, route := range t.routes {
		if route.Interface != name {
			routes = append(routes, route)
		}
	}
	t.routes = routes
}

// FindRoute resolves the destination IP address to the best route:
// among the routes whose network contains the address, the one with
// the longest mask wins, ties broken by lowest administrative
// distance, then lowest metric.
func (t *RoutingTable) FindRoute(dstIPAddress net.IP) (Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Route
	bestLen := -1
	for i := range t.routes {
		route := &t.routes[i]
		if !route.Network.Contains(dstIPAddress) {
			continue
		}
		maskLen := pkgnet.PrefixLength(route.Network.Mask)
		switch {
		case maskLen > bestLen:
		case maskLen == bestLen && route.AdminDistance < best.AdminDistance:
		case maskLen == bestLen && route.AdminDistance == best.AdminDistance && route.Metric < best.Metric:
		default:
			continue
		}
		best, bestLen = route, maskLen
	}
	if best == nil {
		return Route{}, fmt.Errorf("%w: %s", common.ErrNoRoute, dstIPAddress)
	}
	return *best, nil
}

// FindRouteBySource is FindRoute restricted to routes of one source.
func (t *RoutingTable) FindRouteBySource(network *net.IPNet, source RouteSource) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.routes {
		if t.routes[i].Source == source && sameNetwork(t.routes[i].Network, network) {
			return t.routes[i], true
		}
	}
	return Route{}, false
}

// Routes returns a snapshot of the table ordered by prefix length
// (most specific first), then administrative distance, then metric.
func (t *RoutingTable) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	routes := make([]Route, len(t.routes))
	copy(routes, t.routes)
	sort.SliceStable(routes, func(i, j int) bool {
		li := pkgnet.PrefixLength(routes[i].Network.Mask)
		lj := pkgnet.PrefixLength(routes[j].Network.Mask)
		if li != lj {
			return li > lj
		}
		if routes[i].AdminDistance != routes[j].AdminDistance {
			return routes[i].AdminDistance < routes[j].AdminDistance
		}
		return routes[i].Metric < routes[j].Metric
	})
	return routes
}

func sameNetwork(a, b *net.IPNet) bool {
	return a.IP.Equal(b.IP) && pkgnet.PrefixLength(a.Mask) == pkgnet.PrefixLength(b.Mask)
}
