package network

import (
	"fmt"

	"github.com/vnetlab/vnet-sim/layers/common"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
)

// SerializeDatagram serializes an IPv4 datagram, fixing lengths and
// computing the header checksum.
func SerializeDatagram(datagram *gplayers.IPv4) ([]byte, error) {
	if len(datagram.Payload) == 0 {
		return nil, common.ErrCannotSendEmpty
	}
	if len(datagram.Payload) > MTU {
		return nil, fmt.Errorf("%w: payload is larger than network layer MTU (%d)", common.ErrPayloadTooLarge, MTU)
	}
	setDatagramHeaderDefaultFields(datagram)
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(
		buf,
		gopacket.SerializeOptions{
			FixLengths:       true,
			ComputeChecksums: true,
		},
		datagram,
		gopacket.Payload(datagram.Payload),
	)
	if err != nil {
		return nil, fmt.Errorf("error serializing network layer: %w", err)
	}
	return buf.Bytes(), nil
}

// SerializeDatagramWithTransportSegment serializes an IPv4 datagram
// whose payload is a transport segment needing the network layer for
// its pseudo-header checksum (e.g. the UDP segment carrying a routing
// protocol message).
func SerializeDatagramWithTransportSegment(datagramHeader *gplayers.IPv4, segment gopacket.TransportLayer) ([]byte, error) {
	// set fields
	setDatagramHeaderDefaultFields(datagramHeader)
	err := segment.(interface {
		SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
	}).SetNetworkLayerForChecksum(datagramHeader)
	if err != nil {
		return nil, fmt.Errorf("error setting network layer for checksum: %w", err)
	}

	// serialize
	buf := gopacket.NewSerializeBuffer()
	err = gopacket.SerializeLayers(
		buf,
		gopacket.SerializeOptions{
			FixLengths:       true,
			ComputeChecksums: true,
		},
		datagramHeader,
		segment.(gopacket.SerializableLayer),
		gopacket.Payload(segment.LayerPayload()),
	)
	if err != nil {
		return nil, fmt.Errorf("error serializing network and transport layers: %w", err)
	}

	return buf.Bytes(), nil
}

// DeserializeDatagram decodes an IPv4 datagram, validating the version,
// the declared length and the header checksum.
func DeserializeDatagram(buf []byte) (*gplayers.IPv4, error) {
	// deserialize
	pkt := gopacket.NewPacket(buf, gplayers.LayerTypeIPv4, gopacket.Lazy)
	datagram, _ := pkt.NetworkLayer().(*gplayers.IPv4)
	if datagram == nil || len(datagram.Payload) == 0 {
		return nil, fmt.Errorf("error deserializing network layer: %w", pkt.ErrorLayer().Error())
	}
	if datagram.Version != Version {
		return nil, fmt.Errorf("invalid IP version. want %d, got %d", Version, datagram.Version)
	}
	if int(datagram.Length) != HeaderLength+len(datagram.Payload) {
		return nil, fmt.Errorf("declared length (%d) is not consistent with payload size (%d)", datagram.Length, len(datagram.Payload))
	}

	// validate checksum
	checksum := datagram.Checksum
	err := gopacket.SerializeLayers(
		gopacket.NewSerializeBuffer(),
		gopacket.SerializeOptions{ComputeChecksums: true},
		datagram,
		gopacket.Payload(datagram.Payload),
	)
	if err != nil {
		return nil, fmt.Errorf("error calculating checksum (reserializing): %w", err)
	}
	if datagram.Checksum != checksum {
		return nil, fmt.Errorf("%w: want %d, got %d", common.ErrInvalidChecksum, datagram.Checksum, checksum)
	}

	return datagram, nil
}

func setDatagramHeaderDefaultFields(datagramHeader *gplayers.IPv4) {
	datagramHeader.Version = Version
	datagramHeader.IHL = IHL
	if datagramHeader.TTL == 0 {
		datagramHeader.TTL = DefaultTTL
	}
}
