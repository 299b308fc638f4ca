package qdp

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the size of the QDP header including the CRC.
	HeaderSize = 12
	// Version is the protocol version written into every packet.
	Version = 2
	// MaxPacketSize is the largest QDP datagram (the link MTU).
	MaxPacketSize = 576
	// IPHeaderSize and UDPHeaderSize account for the encapsulation overhead of a packet.
	IPHeaderSize  = 20
	UDPHeaderSize = 8
	// MaxPayload is the largest payload that fits into one packet after encapsulation.
	MaxPayload = MaxPacketSize - IPHeaderSize - UDPHeaderSize - HeaderSize
	// MaxSlack is the number of padding bytes tolerated after the declared payload.
	MaxSlack = 2

	crcSize = 4
)

// Header is the fixed part of a QDP packet following the CRC.
type Header struct {
	Command  Opcode
	Version  uint8
	Length   uint16 // payload length in bytes
	Sequence uint16
	Ack      uint16
}

// Packet is a decoded QDP packet.
type Packet struct {
	Header
	Payload []byte
}

// NewPacket returns a packet carrying payload with the current protocol version.
func NewPacket(cmd Opcode, seq, ack uint16, payload []byte) *Packet {
	return &Packet{
		Header:  Header{Command: cmd, Version: Version, Sequence: seq, Ack: ack},
		Payload: payload,
	}
}

// Size returns the encoded size of the packet.
func (p *Packet) Size() int {
	return HeaderSize + len(p.Payload)
}

// Marshal encodes the packet, filling in the length and CRC fields.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	p.Length = uint16(len(p.Payload)) //nolint:gosec // bounded by MaxPayload via Encode
	buf[4] = byte(p.Command)
	buf[5] = p.Version
	binary.BigEndian.PutUint16(buf[6:8], p.Length)
	binary.BigEndian.PutUint16(buf[8:10], p.Sequence)
	binary.BigEndian.PutUint16(buf[10:12], p.Ack)
	copy(buf[HeaderSize:], p.Payload)
	binary.BigEndian.PutUint32(buf[0:4], Checksum(buf[crcSize:]))

	return buf
}

// Encode builds the wire form of one packet.
func Encode(cmd Opcode, seq, ack uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}

	return NewPacket(cmd, seq, ack, payload).Marshal(), nil
}

// Decode validates and decodes one packet.
//
// b may carry up to MaxSlack padding bytes after the declared payload; any larger
// difference, or a missing byte, is a length mismatch. The payload of the returned packet
// is a copy, so b may be reused by the caller.
func Decode(b []byte) (*Packet, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrShortPacket, len(b))
	}

	length := int(binary.BigEndian.Uint16(b[6:8]))
	diff := len(b) - (length + HeaderSize)
	if diff < 0 || diff > MaxSlack {
		return nil, fmt.Errorf("%w: declared %d, physical %d", ErrLengthMismatch, length, len(b)-HeaderSize)
	}

	wire := binary.BigEndian.Uint32(b[0:4])
	computed := Checksum(b[crcSize : HeaderSize+length])
	if wire != computed {
		return nil, fmt.Errorf("%w: wire=0x%08X, computed=0x%08X", ErrChecksumMismatch, wire, computed)
	}

	p := &Packet{
		Header: Header{
			Command:  Opcode(b[4]),
			Version:  b[5],
			Length:   uint16(length), //nolint:gosec // read from a uint16 field
			Sequence: binary.BigEndian.Uint16(b[8:10]),
			Ack:      binary.BigEndian.Uint16(b[10:12]),
		},
	}
	if length > 0 {
		p.Payload = make([]byte, length)
		copy(p.Payload, b[HeaderSize:HeaderSize+length])
	}

	return p, nil
}
