package link

import (
	"net"
	"time"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/vnetlab/vnet-sim/layers/physical"
)

const (
	// HeaderLength is the Ethernet header length.
	HeaderLength = 14

	// ChecksumLength is the frame check sequence (FCS) length (32-bit CRC).
	ChecksumLength = 4

	// MTU (maximum transmission unit) is the maximum number of bytes that are
	// allowed on the payload of a frame (the link layer name for a packet).
	MTU = physical.MTU - HeaderLength - ChecksumLength

	// MinPayloadSize is the minimum payload of a frame. Smaller payloads
	// are zero-padded up to this size when serializing.
	MinPayloadSize = 46

	// MinFrameSize is the minimum total size of a frame on the wire,
	// including the frame check sequence.
	MinFrameSize = HeaderLength + MinPayloadSize + ChecksumLength

	// MaxFrameSize is the maximum total size of a frame on the wire,
	// including the frame check sequence.
	MaxFrameSize = physical.MTU

	// DefaultMACAgingTime is how long a learned MAC table entry survives
	// without being refreshed.
	DefaultMACAgingTime = 300 * time.Second

	// DefaultMACTableCapacity is the maximum number of entries held by a
	// MAC table before the oldest entry is evicted.
	DefaultMACTableCapacity = 1024
)

// BroadcastMACAddress is the MAC address used for broadcast in a local network.
func BroadcastMACAddress() net.HardwareAddr {
	return net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// BroadcastMACEndpoint is the MAC address used for broadcast in a local network.
func BroadcastMACEndpoint() gopacket.Endpoint {
	return gplayers.NewMACEndpoint(BroadcastMACAddress())
}
