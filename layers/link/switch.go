package link

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vnetlab/vnet-sim/pkg/clock"

	petname "github.com/dustinkirkland/golang-petname"
	gplayers "github.com/google/gopacket/layers"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

type (
	// Switch is a hypothetical L2 switch, which decaps and forwards
	// ethernet frames based on a MAC table constructed by learning L2
	// routes on the fly: frame comes in, a mapping from src MAC address
	// to port number is cached. The forwarding decision for each frame
	// is one of: forward to the single known port, flood to all other
	// ports, or filter (drop) when the known port is the ingress port.
	Switch interface {
		AddPort(conf EthernetPortConfig) (int, error)
		RemovePort(port int) error
		Port(port int) EthernetPort
		Ports() []int
		MACTable() *MACTable
		Decide(frame *gplayers.Ethernet, ingress int) ForwardDecision
		Stats() SwitchStats
		ResetStats()
		Close() error
	}

	// SwitchConfig contains the configs for the concrete
	// implementation of Switch.
	SwitchConfig struct {
		Name     string               `yaml:"name"`
		Ports    []EthernetPortConfig `yaml:"ethernetPorts"`
		MACTable MACTableConfig       `yaml:"macTable"`
	}

	// ForwardAction is the kind of forwarding decision taken for a frame.
	ForwardAction int

	// ForwardDecision is the outcome of the L2 forwarding engine for
	// one frame: the action, the egress ports and a human-readable
	// reason, for display by shells and debuggers.
	ForwardDecision struct {
		Action ForwardAction
		Ports  []int
		Reason string
	}

	// SwitchStats is a snapshot of the frame counters.
	SwitchStats struct {
		TotalFrames     uint64 `yaml:"totalFrames"`
		UnicastFrames   uint64 `yaml:"unicastFrames"`
		BroadcastFrames uint64 `yaml:"broadcastFrames"`
		MulticastFrames uint64 `yaml:"multicastFrames"`
		FloodedFrames   uint64 `yaml:"floodedFrames"`
		FilteredFrames  uint64 `yaml:"filteredFrames"`
	}

	switchImpl struct {
		conf     *SwitchConfig
		l        logrus.FieldLogger
		macTable *MACTable

		mu       sync.RWMutex
		ports    map[int]EthernetPort
		nextPort int
		stats    SwitchStats
	}
)

const (
	ActionForward ForwardAction = iota
	ActionFlood
	ActionFilter
)

func (a ForwardAction) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionFlood:
		return "flood"
	default:
		return "filter"
	}
}

// NewSwitch creates a Switch from config. Ports always run on
// forwarding mode: a switch never rewrites or filters on MAC
// addresses of its own.
func NewSwitch(conf SwitchConfig, clk clock.Clock) (Switch, error) {
	if conf.Name == "" {
		conf.Name = petname.Generate(2, "-")
	}
	s := &switchImpl{
		conf:     &conf,
		l:        logrus.WithField("switch", conf.Name),
		macTable: NewMACTable(conf.MACTable, clk),
		ports:    make(map[int]EthernetPort),
	}
	for i, portConf := range conf.Ports {
		if _, err := s.AddPort(portConf); err != nil {
			s.Close()
			return nil, fmt.Errorf("error creating ethernet port number %d: %w", i, err)
		}
	}
	return s, nil
}

func (s *switchImpl) AddPort(conf EthernetPortConfig) (int, error) {
	conf.ForwardingMode = true
	port, err := NewEthernetPort(conf)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	i := s.nextPort
	s.nextPort++
	s.ports[i] = port
	s.mu.Unlock()

	port.SetReceiver(func(frame *gplayers.Ethernet) {
		s.receiveFrame(i, frame)
	})
	return i, nil
}

func (s *switchImpl) RemovePort(port int) error {
	s.mu.Lock()
	p, ok := s.ports[port]
	delete(s.ports, port)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("port %d does not exist", port)
	}
	s.macTable.RemovePort(port)
	return p.Close()
}

func (s *switchImpl) Port(port int) EthernetPort {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ports[port]
}

func (s *switchImpl) Ports() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ports := make([]int, 0, len(s.ports))
	for i := range s.ports {
		ports = append(ports, i)
	}
	sort.Ints(ports)
	return ports
}

func (s *switchImpl) MACTable() *MACTable {
	return s.macTable
}

// Decide runs the L2 forwarding engine for a frame received on the
// ingress port. The src MAC address is learned on the ingress port
// before the decision is finalized.
func (s *switchImpl) Decide(frame *gplayers.Ethernet, ingress int) ForwardDecision {
	s.macTable.Learn(frame.SrcMAC, ingress)

	isBroadcast := gplayers.NewMACEndpoint(frame.DstMAC) == BroadcastMACEndpoint()
	isMulticast := !isBroadcast && frame.DstMAC[0]&1 == 1

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalFrames++
	switch {
	case isBroadcast:
		s.stats.BroadcastFrames++
	case isMulticast:
		s.stats.MulticastFrames++
	default:
		s.stats.UnicastFrames++
	}

	if isBroadcast || isMulticast {
		s.stats.FloodedFrames++
		return ForwardDecision{
			Action: ActionFlood,
			Ports:  s.egressPortsLocked(ingress),
			Reason: "broadcast or multicast destination",
		}
	}

	if port, ok := s.macTable.Lookup(frame.DstMAC); ok {
		if port == ingress {
			s.stats.FilteredFrames++
			return ForwardDecision{
				Action: ActionFilter,
				Reason: "destination MAC known on the same port as ingress",
			}
		}
		return ForwardDecision{
			Action: ActionForward,
			Ports:  []int{port},
			Reason: "destination MAC known",
		}
	}

	s.stats.FloodedFrames++
	return ForwardDecision{
		Action: ActionFlood,
		Ports:  s.egressPortsLocked(ingress),
		Reason: "unknown unicast destination",
	}
}

func (s *switchImpl) egressPortsLocked(ingress int) []int {
	ports := make([]int, 0, len(s.ports))
	for i := range s.ports {
		if i != ingress {
			ports = append(ports, i)
		}
	}
	sort.Ints(ports)
	return ports
}

func (s *switchImpl) receiveFrame(ingress int, frame *gplayers.Ethernet) {
	decision := s.Decide(frame, ingress)
	l := s.l.
		WithField("from_port", ingress).
		WithField("action", decision.Action.String()).
		WithField("reason", decision.Reason)

	for _, j := range decision.Ports {
		s.mu.RLock()
		toPort := s.ports[j]
		s.mu.RUnlock()
		if toPort == nil {
			continue
		}
		if err := toPort.Send(frame); err != nil {
			l.
				WithError(err).
				WithField("to_port", j).
				Error("error forwarding frame")
		}
	}
}

func (s *switchImpl) Stats() SwitchStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *switchImpl) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = SwitchStats{}
}

func (s *switchImpl) Close() error {
	err := s.macTable.Close()
	s.mu.Lock()
	ports := s.ports
	s.ports = make(map[int]EthernetPort)
	s.mu.Unlock()
	for i, port := range ports {
		if cErr := port.Close(); cErr != nil {
			err = multierror.Append(err, fmt.Errorf("error closing port %d: %w", i, cErr))
		}
	}
	return err
}
