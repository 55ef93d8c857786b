package pkgnet

import (
	"fmt"
	"net"
)

// ParseSubnetMask parses a dotted-decimal subnet mask ("255.255.255.0")
// and returns it as a net.IPMask, failing if the mask bits are not
// contiguous.
func ParseSubnetMask(s string) (net.IPMask, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid subnet mask format: %s", s)
	}
	mask := net.IPMask(ip.To4())
	if mask == nil {
		return nil, fmt.Errorf("subnet mask is not IPv4: %s", s)
	}
	if ones, bits := mask.Size(); ones == 0 && bits == 0 {
		return nil, fmt.Errorf("subnet mask bits are not contiguous: %s", s)
	}
	return mask, nil
}

// PrefixLength returns the number of leading one bits of the mask.
func PrefixLength(mask net.IPMask) int {
	ones, _ := mask.Size()
	return ones
}

// NetworkAddress applies the mask to the given IP address and returns
// the network address.
func NetworkAddress(ip net.IP, mask net.IPMask) net.IP {
	return ip.To4().Mask(mask)
}
