package physical_test

import (
	"testing"

	"github.com/vnetlab/vnet-sim/layers/common"
	"github.com/vnetlab/vnet-sim/layers/physical"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCableDeliversSynchronouslyAndInOrder(t *testing.T) {
	t.Parallel()

	a := physical.NewCablePort("a0")
	b := physical.NewCablePort("b0")
	_, err := physical.Connect(a, b)
	require.NoError(t, err)

	var recvd [][]byte
	b.SetSink(func(buf []byte) {
		recvd = append(recvd, buf)
	})

	a.Transmit([]byte("first"))
	a.Transmit([]byte("second"))

	require.Len(t, recvd, 2)
	assert.Equal(t, []byte("first"), recvd[0])
	assert.Equal(t, []byte("second"), recvd[1])
}

func TestCableDropsOnDownOrDisconnectedPort(t *testing.T) {
	t.Parallel()

	a := physical.NewCablePort("a1")
	b := physical.NewCablePort("b1")

	var recvd int
	b.SetSink(func([]byte) { recvd++ })

	// disconnected: silent drop
	a.Transmit([]byte("lost"))
	assert.Zero(t, recvd)

	cable, err := physical.Connect(a, b)
	require.NoError(t, err)

	// receiver down: silent drop
	b.SetOperStatus(common.OperStatusDown)
	a.Transmit([]byte("lost"))
	assert.Zero(t, recvd)

	b.SetOperStatus(common.OperStatusUp)
	a.Transmit([]byte("delivered"))
	assert.Equal(t, 1, recvd)

	cable.Disconnect()
	a.Transmit([]byte("lost"))
	assert.Equal(t, 1, recvd)
}

func TestConnectRejectsBusyPorts(t *testing.T) {
	t.Parallel()

	a := physical.NewCablePort("a2")
	b := physical.NewCablePort("b2")
	c := physical.NewCablePort("c2")

	_, err := physical.Connect(a, b)
	require.NoError(t, err)

	_, err = physical.Connect(a, c)
	assert.Error(t, err)

	_, err = physical.Connect(c, c)
	assert.Error(t, err)
}
