package network

import (
	"fmt"

	"github.com/vnetlab/vnet-sim/layers/common"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
)

// icmpErrorDataLength is how many bytes of the offending datagram
// (header included) are carried in the data of an ICMP error message.
const icmpErrorDataLength = HeaderLength + 8

// NewEchoRequest creates an ICMP echo request message.
func NewEchoRequest(id, seq uint16, data []byte) *gplayers.ICMPv4 {
	return &gplayers.ICMPv4{
		BaseLayer: gplayers.BaseLayer{Payload: data},
		TypeCode:  gplayers.CreateICMPv4TypeCode(gplayers.ICMPv4TypeEchoRequest, 0),
		Id:        id,
		Seq:       seq,
	}
}

// NewEchoReply creates the ICMP echo reply for the given request,
// echoing its identifier, sequence number and data.
func NewEchoReply(request *gplayers.ICMPv4) *gplayers.ICMPv4 {
	return &gplayers.ICMPv4{
		BaseLayer: gplayers.BaseLayer{Payload: request.Payload},
		TypeCode:  gplayers.CreateICMPv4TypeCode(gplayers.ICMPv4TypeEchoReply, 0),
		Id:        request.Id,
		Seq:       request.Seq,
	}
}

// NewTimeExceeded creates the ICMP time exceeded (TTL exceeded in
// transit) error for the given offending datagram buffer, carrying
// its IP header and leading payload bytes as data.
func NewTimeExceeded(offendingDatagram []byte) *gplayers.ICMPv4 {
	return &gplayers.ICMPv4{
		BaseLayer: gplayers.BaseLayer{Payload: icmpErrorData(offendingDatagram)},
		TypeCode:  gplayers.CreateICMPv4TypeCode(gplayers.ICMPv4TypeTimeExceeded, gplayers.ICMPv4CodeTTLExceeded),
	}
}

// NewDestinationUnreachable creates the ICMP destination (network)
// unreachable error for the given offending datagram buffer.
func NewDestinationUnreachable(offendingDatagram []byte) *gplayers.ICMPv4 {
	return &gplayers.ICMPv4{
		BaseLayer: gplayers.BaseLayer{Payload: icmpErrorData(offendingDatagram)},
		TypeCode:  gplayers.CreateICMPv4TypeCode(gplayers.ICMPv4TypeDestinationUnreachable, gplayers.ICMPv4CodeNet),
	}
}

func icmpErrorData(offendingDatagram []byte) []byte {
	data := offendingDatagram
	if len(data) > icmpErrorDataLength {
		data = data[:icmpErrorDataLength]
	}
	return append([]byte{}, data...)
}

// SerializeICMP serializes an ICMP message, computing the checksum
// over the whole message.
func SerializeICMP(icmp *gplayers.ICMPv4) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(
		buf,
		gopacket.SerializeOptions{ComputeChecksums: true},
		icmp,
		gopacket.Payload(icmp.Payload),
	)
	if err != nil {
		return nil, fmt.Errorf("error serializing icmp layer: %w", err)
	}
	return buf.Bytes(), nil
}

// DeserializeICMP decodes an ICMP message, re-verifying the checksum.
func DeserializeICMP(buf []byte) (*gplayers.ICMPv4, error) {
	pkt := gopacket.NewPacket(buf, gplayers.LayerTypeICMPv4, gopacket.Lazy)
	icmp, _ := pkt.Layer(gplayers.LayerTypeICMPv4).(*gplayers.ICMPv4)
	if icmp == nil {
		return nil, fmt.Errorf("error deserializing icmp layer: %w", pkt.ErrorLayer().Error())
	}

	checksum := icmp.Checksum
	err := gopacket.SerializeLayers(
		gopacket.NewSerializeBuffer(),
		gopacket.SerializeOptions{ComputeChecksums: true},
		icmp,
		gopacket.Payload(icmp.Payload),
	)
	if err != nil {
		return nil, fmt.Errorf("error calculating checksum (reserializing): %w", err)
	}
	if icmp.Checksum != checksum {
		return nil, fmt.Errorf("%w: want %d, got %d", common.ErrInvalidChecksum, icmp.Checksum, checksum)
	}

	return icmp, nil
}
