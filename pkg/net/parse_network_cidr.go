package pkgnet

import (
	"fmt"
	"net"

	gplayers "github.com/google/gopacket/layers"
)

// ParseNetworkCIDR uses net.ParseCIDR() but returns an error if
// the returned IP address is not equal the network IP address.
func ParseNetworkCIDR(s string) (*net.IPNet, error) {
	ip, netIP, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}
	if gplayers.NewIPEndpoint(ip) != gplayers.NewIPEndpoint(netIP.IP) {
		return nil, fmt.Errorf("the IP address does not match the network IP address. want %s, got %s", netIP.IP, ip)
	}
	return netIP, nil
}

// ParseAddressAndMask builds the *net.IPNet an interface lives on from
// an IP address and a dotted-decimal subnet mask. Unlike
// ParseNetworkCIDR the IP address here is the interface address, not
// the network address.
func ParseAddressAndMask(addr, mask string) (net.IP, *net.IPNet, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, nil, fmt.Errorf("invalid IPv4 format: %s", addr)
	}
	ip = ip.To4()
	if ip == nil {
		return nil, nil, fmt.Errorf("address is not IPv4: %s", addr)
	}
	m, err := ParseSubnetMask(mask)
	if err != nil {
		return nil, nil, err
	}
	return ip, &net.IPNet{IP: NetworkAddress(ip, m), Mask: m}, nil
}
