package pkgnet

import "net"

// BroadcastIPAddress returns the directed broadcast address of the
// network: the network address with every host bit set.
//
// Example: 1.1.1.0/24 => 1.1.1.255
func BroadcastIPAddress(ipnet *net.IPNet) net.IP {
	ip := make(net.IP, len(ipnet.IP))
	copy(ip, ipnet.IP)
	for i, m := range ipnet.Mask {
		ip[i] |= ^m
	}
	return ip
}
