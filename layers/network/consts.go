package network

import (
	"net"

	"github.com/vnetlab/vnet-sim/layers/link"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
)

const (
	// Version is the version of the IP protocol.
	Version = 4

	// IHL is the IPv4 header length in 32-bit words.
	IHL = HeaderLength / 4

	// HeaderLength is the IPv4 header length.
	HeaderLength = 20

	// MTU (maximum transmission unit) is the maximum number of bytes that are
	// allowed on the payload of a datagram (the network layer name for a packet).
	MTU = link.MTU - HeaderLength

	// DefaultTTL is the initial TTL of datagrams originated by this device.
	DefaultTTL = 64
)

// BroadcastIPAddress is the limited broadcast IP address.
func BroadcastIPAddress() net.IP {
	return net.IP{255, 255, 255, 255}
}

// BroadcastIPEndpoint is the limited broadcast IP address.
func BroadcastIPEndpoint() gopacket.Endpoint {
	return gplayers.NewIPEndpoint(BroadcastIPAddress())
}

// IsMulticastIPAddress tells whether the IP address is inside the
// 224.0.0.0/4 multicast block.
func IsMulticastIPAddress(ip net.IP) bool {
	ipv4 := ip.To4()
	return ipv4 != nil && ipv4[0]&0xf0 == 0xe0
}

// MulticastMACAddress maps a multicast IP address to its ethernet
// multicast MAC address: 01:00:5e followed by the lower 23 bits of
// the IP address.
func MulticastMACAddress(ip net.IP) net.HardwareAddr {
	ipv4 := ip.To4()
	return net.HardwareAddr{0x01, 0x00, 0x5e, ipv4[1] & 0x7f, ipv4[2], ipv4[3]}
}
