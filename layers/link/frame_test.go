package link_test

import (
	"testing"

	"github.com/vnetlab/vnet-sim/layers/common"
	"github.com/vnetlab/vnet-sim/layers/link"
	"github.com/vnetlab/vnet-sim/test"

	gplayers "github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripAndPadding(t *testing.T) {
	t.Parallel()

	payload := []byte("short") // below the 46-byte minimum, must be padded
	buf, err := link.SerializeFrame(&gplayers.Ethernet{
		BaseLayer:    gplayers.BaseLayer{Payload: payload},
		SrcMAC:       test.MustParseMAC(t, "00:00:5e:00:53:aa"),
		DstMAC:       test.MustParseMAC(t, "00:00:5e:00:53:ab"),
		EthernetType: gplayers.EthernetTypeLLC,
		Length:       uint16(len(payload)),
	})
	require.NoError(t, err)
	assert.Equal(t, link.MinFrameSize, len(buf))

	frame, err := link.DeserializeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, frame.Payload[:len(payload)])
	assert.Equal(t, test.MustParseMAC(t, "00:00:5e:00:53:aa"), frame.SrcMAC)
}

func TestFrameSizeValidation(t *testing.T) {
	t.Parallel()

	_, err := link.SerializeFrame(&gplayers.Ethernet{
		SrcMAC: test.MustParseMAC(t, "00:00:5e:00:53:aa"),
		DstMAC: test.MustParseMAC(t, "00:00:5e:00:53:ab"),
	})
	assert.ErrorIs(t, err, common.ErrCannotSendEmpty)

	_, err = link.SerializeFrame(&gplayers.Ethernet{
		BaseLayer: gplayers.BaseLayer{Payload: make([]byte, link.MTU+1)},
		SrcMAC:    test.MustParseMAC(t, "00:00:5e:00:53:aa"),
		DstMAC:    test.MustParseMAC(t, "00:00:5e:00:53:ab"),
	})
	assert.ErrorIs(t, err, common.ErrPayloadTooLarge)

	_, err = link.DeserializeFrame(make([]byte, link.MinFrameSize-1))
	assert.ErrorIs(t, err, common.ErrFrameTooSmall)

	_, err = link.DeserializeFrame(make([]byte, link.MaxFrameSize+1))
	assert.ErrorIs(t, err, common.ErrFrameTooLarge)
}

func TestFrameChecksumValidation(t *testing.T) {
	t.Parallel()

	buf, err := link.SerializeFrame(&gplayers.Ethernet{
		BaseLayer:    gplayers.BaseLayer{Payload: []byte("integrity matters")},
		SrcMAC:       test.MustParseMAC(t, "00:00:5e:00:53:aa"),
		DstMAC:       test.MustParseMAC(t, "00:00:5e:00:53:ab"),
		EthernetType: gplayers.EthernetTypeLLC,
		Length:       17,
	})
	require.NoError(t, err)

	buf[20] ^= 0xff // corrupt one payload byte
	_, err = link.DeserializeFrame(buf)
	assert.ErrorIs(t, err, common.ErrInvalidChecksum)
}
