package common

import "errors"

var (
	// ErrCannotSendEmpty is returned when trying to send an empty payload.
	ErrCannotSendEmpty = errors.New("cannot send an empty payload")

	// ErrPayloadTooLarge is returned when a payload exceeds the layer MTU.
	ErrPayloadTooLarge = errors.New("payload size above maximum")

	// ErrFrameTooSmall is returned when decoding a buffer smaller than the
	// minimum ethernet frame size.
	ErrFrameTooSmall = errors.New("frame size below minimum")

	// ErrFrameTooLarge is returned when decoding a buffer larger than the
	// maximum ethernet frame size.
	ErrFrameTooLarge = errors.New("frame size above maximum")

	// ErrInvalidChecksum is returned when a decoded header checksum does
	// not match the one computed over the received bytes.
	ErrInvalidChecksum = errors.New("invalid checksum")

	// ErrNoRoute is returned by a route lookup that matches no prefix.
	ErrNoRoute = errors.New("no route to host")

	// ErrNoARPRoute is returned when the forwarding path has no cached
	// MAC address for the next hop.
	ErrNoARPRoute = errors.New("no L2 route")
)
