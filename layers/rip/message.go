// Package rip implements a RIPv2 distance-vector routing engine on top
// of the network layer stack.
package rip

import (
	"encoding/binary"
	"fmt"
	"net"
)

// RIPv2 wire constants (RFC 2453).
const (
	Port    = 520
	Version = 2

	CommandRequest  = 1
	CommandResponse = 2

	AddressFamilyIPv4 = 2

	// InfinityMetric marks a destination as unreachable.
	InfinityMetric = 16

	// MaxEntriesPerMessage caps the route entries of one message;
	// larger tables are split across multiple messages.
	MaxEntriesPerMessage = 25

	headerLength = 4
	entryLength  = 20
)

// MulticastIPAddress is the link-local group RIPv2 updates are sent to.
var MulticastIPAddress = net.IPv4(224, 0, 0, 9).To4()

type (
	// Message is a RIPv2 request or response.
	Message struct {
		Command uint8
		Entries []Entry
	}

	// Entry is one route of a message. A request asking for the full
	// routing table carries a single entry with address family zero
	// and an infinity metric.
	Entry struct {
		AddressFamily uint16
		RouteTag      uint16
		IPAddress     net.IP
		SubnetMask    net.IPMask
		NextHop       net.IP
		Metric        uint32
	}
)

// NewFullTableRequest creates the request message asking a neighbor for
// its entire routing table.
func NewFullTableRequest() *Message {
	return &Message{
		Command: CommandRequest,
		Entries: []Entry{{
			AddressFamily: 0,
			Metric:        InfinityMetric,
		}},
	}
}

// IsFullTableRequest tells whether the message is a request for the
// entire routing table.
func (m *Message) IsFullTableRequest() bool {
	return m.Command == CommandRequest &&
		len(m.Entries) == 1 &&
		m.Entries[0].AddressFamily == 0 &&
		m.Entries[0].Metric == InfinityMetric
}

// SerializeMessage serializes a RIPv2 message.
func SerializeMessage(msg *Message) ([]byte, error) {
	if msg.Command != CommandRequest && msg.Command != CommandResponse {
		return nil, fmt.Errorf("invalid command: %d", msg.Command)
	}
	if len(msg.Entries) > MaxEntriesPerMessage {
		return nil, fmt.Errorf("too many entries: %d (max %d)", len(msg.Entries), MaxEntriesPerMessage)
	}

	buf := make([]byte, headerLength+entryLength*len(msg.Entries))
	buf[0] = msg.Command
	buf[1] = Version
	for i, entry := range msg.Entries {
		if entry.Metric > InfinityMetric {
			return nil, fmt.Errorf("invalid metric: %d (max %d)", entry.Metric, InfinityMetric)
		}
		b := buf[headerLength+entryLength*i:]
		binary.BigEndian.PutUint16(b[0:2], entry.AddressFamily)
		binary.BigEndian.PutUint16(b[2:4], entry.RouteTag)
		copy(b[4:8], entry.IPAddress.To4())
		copy(b[8:12], entry.SubnetMask)
		copy(b[12:16], entry.NextHop.To4())
		binary.BigEndian.PutUint32(b[16:20], entry.Metric)
	}
	return buf, nil
}

// DeserializeMessage decodes a RIPv2 message, validating the version,
// the command and the length.
func DeserializeMessage(buf []byte) (*Message, error) {
	if len(buf) < headerLength {
		return nil, fmt.Errorf("message too short: %d bytes", len(buf))
	}
	if (len(buf)-headerLength)%entryLength != 0 {
		return nil, fmt.Errorf("invalid message length: %d bytes", len(buf))
	}
	if buf[1] != Version {
		return nil, fmt.Errorf("unsupported version: %d", buf[1])
	}
	msg := &Message{Command: buf[0]}
	if msg.Command != CommandRequest && msg.Command != CommandResponse {
		return nil, fmt.Errorf("invalid command: %d", msg.Command)
	}

	for b := buf[headerLength:]; len(b) > 0; b = b[entryLength:] {
		entry := Entry{
			AddressFamily: binary.BigEndian.Uint16(b[0:2]),
			RouteTag:      binary.BigEndian.Uint16(b[2:4]),
			IPAddress:     net.IP(append([]byte{}, b[4:8]...)),
			SubnetMask:    net.IPMask(append([]byte{}, b[8:12]...)),
			NextHop:       net.IP(append([]byte{}, b[12:16]...)),
			Metric:        binary.BigEndian.Uint32(b[16:20]),
		}
		if entry.Metric > InfinityMetric {
			return nil, fmt.Errorf("invalid metric: %d (max %d)", entry.Metric, InfinityMetric)
		}
		msg.Entries = append(msg.Entries, entry)
	}
	return msg, nil
}
