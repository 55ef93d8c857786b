// Package test contains helpers shared by the package-level tests.
package test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func MustParseMAC(t *testing.T, s string) net.HardwareAddr {
	a, err := net.ParseMAC(s)
	require.NoError(t, err)
	return a
}

func MustParseIP(t *testing.T, s string) net.IP {
	a := net.ParseIP(s)
	require.NotNil(t, a, "invalid IPv4 format: %s", s)
	return a.To4()
}

func MustParseCIDR(t *testing.T, s string) *net.IPNet {
	_, a, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return a
}
