package link

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/vnetlab/vnet-sim/layers/common"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
)

// SerializeFrame validates and serializes an ethernet frame, appending
// the 32-bit CRC frame check sequence. Payloads smaller than
// MinPayloadSize are zero-padded, so the resulting buffer is always
// within [MinFrameSize, MaxFrameSize].
func SerializeFrame(frame *gplayers.Ethernet) ([]byte, error) {
	if len(frame.Payload) == 0 {
		return nil, common.ErrCannotSendEmpty
	}
	if len(frame.Payload) > MTU {
		return nil, fmt.Errorf("%w: payload is larger than link layer MTU (%d)", common.ErrPayloadTooLarge, MTU)
	}

	// serialize frame. FixLengths pads the payload up to the minimum
	// ethernet frame size
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	payload := gopacket.Payload(frame.Payload)
	if err := gopacket.SerializeLayers(buf, opts, frame, payload); err != nil {
		return nil, fmt.Errorf("error serializing link layer: %w", err)
	}

	// serialize crc32 checksum
	crc := crc32.Checksum(buf.Bytes(), crc32.MakeTable(crc32.IEEE))
	b := make([]byte, ChecksumLength)
	binary.LittleEndian.PutUint32(b, crc)
	return append(buf.Bytes(), b...), nil
}

// DeserializeFrame validates the size and frame check sequence of the
// buffer and decodes the ethernet frame.
func DeserializeFrame(frameBuf []byte) (*gplayers.Ethernet, error) {
	// validate size
	if len(frameBuf) < MinFrameSize {
		return nil, fmt.Errorf("%w: got %d bytes, want at least %d", common.ErrFrameTooSmall, len(frameBuf), MinFrameSize)
	}
	if len(frameBuf) > MaxFrameSize {
		return nil, fmt.Errorf("%w: got %d bytes, want at most %d", common.ErrFrameTooLarge, len(frameBuf), MaxFrameSize)
	}

	// split frame data and crc
	siz := len(frameBuf) - ChecksumLength
	frameData, crcBuf := frameBuf[:siz], frameBuf[siz:]

	// validate crc
	crc := crc32.Checksum(frameData, crc32.MakeTable(crc32.IEEE))
	expectedCrc := binary.LittleEndian.Uint32(crcBuf)
	if crc != expectedCrc {
		return nil, fmt.Errorf("%w: crc32.IEEE integrity check failed, want %x, got %x", common.ErrInvalidChecksum, expectedCrc, crc)
	}

	// deserialize frame
	pkt := gopacket.NewPacket(frameData, gplayers.LayerTypeEthernet, gopacket.Lazy)
	frame, _ := pkt.LinkLayer().(*gplayers.Ethernet)
	if frame == nil || len(frame.Payload) == 0 {
		return nil, fmt.Errorf("error deserializing link layer: %w", pkt.ErrorLayer().Error())
	}
	return frame, nil
}

// SerializeARP serializes an ARP packet.
func SerializeARP(arp *gplayers.ARP) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts, arp); err != nil {
		return nil, fmt.Errorf("error serializing arp layer: %w", err)
	}
	return buf.Bytes(), nil
}

// DeserializeARP decodes an ARP packet.
func DeserializeARP(buf []byte) (*gplayers.ARP, error) {
	pkt := gopacket.NewPacket(buf, gplayers.LayerTypeARP, gopacket.Lazy)
	arp, _ := pkt.Layer(gplayers.LayerTypeARP).(*gplayers.ARP)
	if arp == nil {
		return nil, fmt.Errorf("error deserializing arp packet: %w", pkt.ErrorLayer().Error())
	}
	return arp, nil
}
