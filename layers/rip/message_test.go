package rip_test

import (
	"testing"

	"github.com/vnetlab/vnet-sim/layers/rip"
	"github.com/vnetlab/vnet-sim/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	ipnet := test.MustParseCIDR(t, "10.1.2.0/24")
	msg := &rip.Message{
		Command: rip.CommandResponse,
		Entries: []rip.Entry{
			{
				AddressFamily: rip.AddressFamilyIPv4,
				IPAddress:     ipnet.IP,
				SubnetMask:    ipnet.Mask,
				NextHop:       test.MustParseIP(t, "0.0.0.0"),
				Metric:        2,
			},
			{
				AddressFamily: rip.AddressFamilyIPv4,
				RouteTag:      7,
				IPAddress:     test.MustParseIP(t, "10.3.0.0"),
				SubnetMask:    test.MustParseCIDR(t, "10.3.0.0/16").Mask,
				NextHop:       test.MustParseIP(t, "0.0.0.0"),
				Metric:        rip.InfinityMetric,
			},
		},
	}

	buf, err := rip.SerializeMessage(msg)
	require.NoError(t, err)
	assert.Len(t, buf, 4+20*2)
	assert.Equal(t, uint8(rip.CommandResponse), buf[0])
	assert.Equal(t, uint8(rip.Version), buf[1])

	decoded, err := rip.DeserializeMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestFullTableRequest(t *testing.T) {
	t.Parallel()

	req := rip.NewFullTableRequest()
	assert.True(t, req.IsFullTableRequest())

	buf, err := rip.SerializeMessage(req)
	require.NoError(t, err)

	decoded, err := rip.DeserializeMessage(buf)
	require.NoError(t, err)
	assert.True(t, decoded.IsFullTableRequest())
}

func TestDeserializeMessageRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	testCases := map[string][]byte{
		"too short":      {rip.CommandResponse, rip.Version, 0},
		"partial entry":  append([]byte{rip.CommandResponse, rip.Version, 0, 0}, make([]byte, 10)...),
		"wrong version":  {rip.CommandResponse, 1, 0, 0},
		"bad command":    {9, rip.Version, 0, 0},
		"metric too big": append([]byte{rip.CommandResponse, rip.Version, 0, 0}, []byte{0, 2, 0, 0, 10, 0, 0, 0, 255, 255, 255, 0, 0, 0, 0, 0, 0, 0, 0, 17}...),
	}
	for name, buf := range testCases {
		buf := buf
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := rip.DeserializeMessage(buf)
			assert.Error(t, err)
		})
	}
}

func TestSerializeMessageRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	_, err := rip.SerializeMessage(&rip.Message{Command: 9})
	assert.Error(t, err)

	_, err = rip.SerializeMessage(&rip.Message{
		Command: rip.CommandResponse,
		Entries: make([]rip.Entry, rip.MaxEntriesPerMessage+1),
	})
	assert.Error(t, err)

	_, err = rip.SerializeMessage(&rip.Message{
		Command: rip.CommandResponse,
		Entries: []rip.Entry{{Metric: rip.InfinityMetric + 1}},
	})
	assert.Error(t, err)
}
