package pkgnet_test

import (
	"testing"

	pkgnet "github.com/vnetlab/vnet-sim/pkg/net"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastIPAddress(t *testing.T) {
	t.Parallel()

	for network, broadcast := range map[string]string{
		"1.1.1.0/24": "1.1.1.255",
		"1.1.1.0/28": "1.1.1.15",
		"1.1.1.0/32": "1.1.1.0",
	} {
		t.Run(network, func(t *testing.T) {
			network, broadcast := network, broadcast // copy for running in parallel
			t.Parallel()

			ipnet, err := pkgnet.ParseNetworkCIDR(network)
			require.NoError(t, err)
			assert.Equal(t, broadcast, pkgnet.BroadcastIPAddress(ipnet).String())
		})
	}
}

func TestParseSubnetMask(t *testing.T) {
	t.Parallel()

	mask, err := pkgnet.ParseSubnetMask("255.255.255.0")
	require.NoError(t, err)
	assert.Equal(t, 24, pkgnet.PrefixLength(mask))

	_, err = pkgnet.ParseSubnetMask("255.0.255.0")
	assert.Error(t, err)

	_, err = pkgnet.ParseSubnetMask("not-a-mask")
	assert.Error(t, err)
}
