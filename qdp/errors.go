package qdp

import "errors"

var (
	// ErrShortPacket is returned when a buffer is smaller than a QDP header.
	ErrShortPacket = errors.New("qdp: packet shorter than header")
	// ErrLengthMismatch is returned when the declared payload length disagrees with the
	// physical buffer size by more than the encoding padding allows.
	ErrLengthMismatch = errors.New("qdp: length mismatch")
	// ErrChecksumMismatch is returned when the computed CRC does not match the wire CRC.
	ErrChecksumMismatch = errors.New("qdp: checksum mismatch")
	// ErrPayloadTooLarge is returned when a payload does not fit into one packet.
	ErrPayloadTooLarge = errors.New("qdp: payload too large")
	// ErrBase96Format is returned for malformed Base-96 text.
	ErrBase96Format = errors.New("qdp: invalid base-96 encoding")
	// ErrShortRecord is returned when a record payload ends before all fields were read.
	ErrShortRecord = errors.New("qdp: record truncated")
	// ErrUnexpectedOpcode is returned when a packet is decoded as the wrong record type.
	ErrUnexpectedOpcode = errors.New("qdp: unexpected opcode")
)
