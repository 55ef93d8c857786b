// Package topology assembles a full virtual internetwork (switches,
// routers, hosts and the cables between them) from a single config.
package topology

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vnetlab/vnet-sim/layers/link"
	"github.com/vnetlab/vnet-sim/layers/network"
	"github.com/vnetlab/vnet-sim/layers/physical"
	"github.com/vnetlab/vnet-sim/layers/rip"
	"github.com/vnetlab/vnet-sim/pkg/clock"
	pkgio "github.com/vnetlab/vnet-sim/pkg/io"
)

type (
	// Config describes a whole topology.
	Config struct {
		Switches []link.SwitchConfig  `yaml:"switches"`
		Routers  []RouterConfig       `yaml:"routers"`
		Hosts    []network.HostConfig `yaml:"hosts"`
		Cables   []CableConfig        `yaml:"cables"`
	}

	// RouterConfig is a network stack with forwarding enabled and an
	// optional routing protocol.
	RouterConfig struct {
		network.StackConfig `yaml:",inline"`

		RIP *rip.EngineConfig `yaml:"rip"`
	}

	// CableConfig connects two ports, each addressed as
	// "<device>/<interface-or-port>". Switch ports can be addressed by
	// port name or number.
	CableConfig struct {
		A string `yaml:"a"`
		B string `yaml:"b"`
	}

	// Topology is a running virtual internetwork.
	Topology struct {
		switches map[string]link.Switch
		routers  map[string]network.Stack
		hosts    map[string]network.Host
		engines  []rip.Engine
		cables   []*physical.Cable
	}
)

// Build instantiates every device of the config, plugs the cables and
// starts the routing protocol engines. The engines start last, so
// their bootstrap exchange already sees the full wiring.
func Build(conf Config, clk clock.Clock) (*Topology, error) {
	if clk == nil {
		clk = clock.Real
	}
	t := &Topology{
		switches: make(map[string]link.Switch),
		routers:  make(map[string]network.Stack),
		hosts:    make(map[string]network.Host),
	}

	for i, swConf := range conf.Switches {
		if err := t.register(swConf.Name, "switch"); err != nil {
			t.Close()
			return nil, err
		}
		sw, err := link.NewSwitch(swConf, clk)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("error creating switch %d: %w", i, err)
		}
		t.switches[swConf.Name] = sw
	}
	for i, routerConf := range conf.Routers {
		if err := t.register(routerConf.Name, "router"); err != nil {
			t.Close()
			return nil, err
		}
		routerConf.Forwarding = true
		router, err := network.NewStack(routerConf.StackConfig)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("error creating router %d: %w", i, err)
		}
		t.routers[routerConf.Name] = router
	}
	for i, hostConf := range conf.Hosts {
		if err := t.register(hostConf.Name, "host"); err != nil {
			t.Close()
			return nil, err
		}
		host, err := network.NewHost(hostConf)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("error creating host %d: %w", i, err)
		}
		t.hosts[hostConf.Name] = host
	}

	for _, cableConf := range conf.Cables {
		a, err := t.findCablePort(cableConf.A)
		if err != nil {
			t.Close()
			return nil, err
		}
		b, err := t.findCablePort(cableConf.B)
		if err != nil {
			t.Close()
			return nil, err
		}
		cable, err := physical.Connect(a, b)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("error connecting %s to %s: %w", cableConf.A, cableConf.B, err)
		}
		t.cables = append(t.cables, cable)
	}

	for _, routerConf := range conf.Routers {
		if routerConf.RIP == nil {
			continue
		}
		engine, err := rip.NewEngine(t.routers[routerConf.Name], clk, *routerConf.RIP)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("error creating rip engine for router %s: %w", routerConf.Name, err)
		}
		t.engines = append(t.engines, engine)
	}

	return t, nil
}

func (t *Topology) register(name, kind string) error {
	if name == "" {
		return fmt.Errorf("%s name cannot be empty", kind)
	}
	_, isSwitch := t.switches[name]
	_, isRouter := t.routers[name]
	_, isHost := t.hosts[name]
	if isSwitch || isRouter || isHost {
		return fmt.Errorf("duplicate device name: %s", name)
	}
	return nil
}

func (t *Topology) findCablePort(address string) (*physical.CablePort, error) {
	device, port, ok := strings.Cut(address, "/")
	if !ok {
		return nil, fmt.Errorf("invalid port address (want <device>/<port>): %s", address)
	}

	if sw, ok := t.switches[device]; ok {
		if number, err := strconv.Atoi(port); err == nil {
			if p := sw.Port(number); p != nil {
				return p.CablePort(), nil
			}
		}
		for _, number := range sw.Ports() {
			if p := sw.Port(number); p != nil && p.CablePort().Name() == port {
				return p.CablePort(), nil
			}
		}
		return nil, fmt.Errorf("switch %s has no port %s", device, port)
	}

	var stack network.Stack
	if router, ok := t.routers[device]; ok {
		stack = router
	} else if host, ok := t.hosts[device]; ok {
		stack = host.Stack()
	} else {
		return nil, fmt.Errorf("device does not exist: %s", device)
	}
	intf := stack.Interface(port)
	if intf == nil {
		return nil, fmt.Errorf("device %s has no interface %s", device, port)
	}
	return intf.Card().CablePort(), nil
}

// Switch returns the switch with the given name, nil if absent.
func (t *Topology) Switch(name string) link.Switch {
	return t.switches[name]
}

// Router returns the router with the given name, nil if absent.
func (t *Topology) Router(name string) network.Stack {
	return t.routers[name]
}

// Host returns the host with the given name, nil if absent.
func (t *Topology) Host(name string) network.Host {
	return t.hosts[name]
}

func (t *Topology) Close() error {
	var closers []io.Closer
	for _, engine := range t.engines {
		closers = append(closers, engine)
	}
	for _, host := range t.hosts {
		closers = append(closers, host)
	}
	for _, router := range t.routers {
		closers = append(closers, router)
	}
	for _, sw := range t.switches {
		closers = append(closers, sw)
	}
	return pkgio.Close(closers...)
}
