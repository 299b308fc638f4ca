package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// IP protocol numbers.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

const (
	IPv4HeaderSize = 20
	UDPHeaderSize  = 8
	TCPHeaderSize  = 20

	ipVersion   = 4
	ipFlagDF    = 0x4000
	ipTTL       = 255
	maxIPLength = 0xFFFF
)

// TCPFlags are the control bits of a TCP header.
type TCPFlags uint8

const (
	TCPFin TCPFlags = 1 << iota
	TCPSyn
	TCPRst
	TCPPsh
	TCPAck
	TCPUrg
)

var errIPLength = errors.New("ip length does not match frame size")

// InternetChecksum returns the one's complement checksum of the concatenation of parts.
// A buffer that already contains a correct checksum field sums to zero.
func InternetChecksum(parts ...[]byte) uint16 {
	var sum uint32
	odd := false
	for _, p := range parts {
		for _, b := range p {
			if odd {
				sum += uint32(b)
			} else {
				sum += uint32(b) << 8
			}
			odd = !odd
		}
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}

	return ^uint16(sum) //nolint:gosec // folded to 16 bits above
}

func pseudoHeader(src, dst netip.Addr, proto uint8, length int) []byte {
	b := make([]byte, 12)
	s, d := src.As4(), dst.As4()
	copy(b[0:4], s[:])
	copy(b[4:8], d[:])
	b[9] = proto
	binary.BigEndian.PutUint16(b[10:12], uint16(length)) //nolint:gosec // checked by callers

	return b
}

func checkAddrs(src, dst netip.Addr) error {
	if !src.Is4() || !dst.Is4() {
		return fmt.Errorf("%w: ipv4 addresses required, got %s and %s", ErrInvalidConfig, src, dst)
	}

	return nil
}

// BuildIPv4Header returns a 20 byte IPv4 header for a datagram of payloadLen bytes with the
// don't-fragment bit, TTL 255 and a valid header checksum.
func BuildIPv4Header(id uint16, src, dst netip.Addr, proto uint8, payloadLen int) ([]byte, error) {
	if err := checkAddrs(src, dst); err != nil {
		return nil, err
	}
	total := IPv4HeaderSize + payloadLen
	if payloadLen < 0 || total > maxIPLength {
		return nil, fmt.Errorf("%w: ip datagram of %d bytes", ErrPacketTooLarge, total)
	}

	h := make([]byte, IPv4HeaderSize)
	h[0] = ipVersion<<4 | IPv4HeaderSize>>2
	binary.BigEndian.PutUint16(h[2:4], uint16(total)) //nolint:gosec // checked above
	binary.BigEndian.PutUint16(h[4:6], id)
	binary.BigEndian.PutUint16(h[6:8], ipFlagDF)
	h[8] = ipTTL
	h[9] = proto
	s, d := src.As4(), dst.As4()
	copy(h[12:16], s[:])
	copy(h[16:20], d[:])
	binary.BigEndian.PutUint16(h[10:12], InternetChecksum(h))

	return h, nil
}

// BuildUDP returns a UDP header followed by payload. The checksum covers the pseudo
// header; a computed value of zero is sent as 0xFFFF because zero means "no checksum".
func BuildUDP(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	if err := checkAddrs(src, dst); err != nil {
		return nil, err
	}
	length := UDPHeaderSize + len(payload)
	if length+IPv4HeaderSize > maxIPLength {
		return nil, fmt.Errorf("%w: udp datagram of %d bytes", ErrPacketTooLarge, length)
	}

	seg := make([]byte, length)
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(length)) //nolint:gosec // checked above
	copy(seg[UDPHeaderSize:], payload)

	ck := InternetChecksum(pseudoHeader(src, dst, ProtoUDP, length), seg)
	if ck == 0 {
		ck = 0xFFFF
	}
	binary.BigEndian.PutUint16(seg[6:8], ck)

	return seg, nil
}

// TCPHeader holds the variable fields of a TCP segment header.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   TCPFlags
	Window  uint16
}

// BuildTCP returns a TCP header without options followed by payload, with the pseudo
// header checksum filled in.
func BuildTCP(src, dst netip.Addr, hdr TCPHeader, payload []byte) ([]byte, error) {
	if err := checkAddrs(src, dst); err != nil {
		return nil, err
	}
	length := TCPHeaderSize + len(payload)
	if length+IPv4HeaderSize > maxIPLength {
		return nil, fmt.Errorf("%w: tcp segment of %d bytes", ErrPacketTooLarge, length)
	}

	seg := make([]byte, length)
	binary.BigEndian.PutUint16(seg[0:2], hdr.SrcPort)
	binary.BigEndian.PutUint16(seg[2:4], hdr.DstPort)
	binary.BigEndian.PutUint32(seg[4:8], hdr.Seq)
	binary.BigEndian.PutUint32(seg[8:12], hdr.Ack)
	seg[12] = TCPHeaderSize >> 2 << 4
	seg[13] = byte(hdr.Flags)
	binary.BigEndian.PutUint16(seg[14:16], hdr.Window)
	copy(seg[TCPHeaderSize:], payload)

	binary.BigEndian.PutUint16(seg[16:18], InternetChecksum(pseudoHeader(src, dst, ProtoTCP, length), seg))

	return seg, nil
}

// RawPacket describes a complete IPv4 datagram carrying a UDP or TCP segment.
type RawPacket struct {
	Protocol uint8 // ProtoUDP or ProtoTCP
	ID       uint16
	Src      netip.Addr
	Dst      netip.Addr
	SrcPort  uint16
	DstPort  uint16
	// TCP only.
	Seq    uint32
	Ack    uint32
	Window uint16
	Flags  TCPFlags

	Payload []byte
}

// Build returns the wire bytes of the datagram.
func (p *RawPacket) Build() ([]byte, error) {
	var (
		seg []byte
		err error
	)

	switch p.Protocol {
	case ProtoUDP:
		seg, err = BuildUDP(p.Src, p.Dst, p.SrcPort, p.DstPort, p.Payload)
	case ProtoTCP:
		seg, err = BuildTCP(p.Src, p.Dst, TCPHeader{
			SrcPort: p.SrcPort,
			DstPort: p.DstPort,
			Seq:     p.Seq,
			Ack:     p.Ack,
			Flags:   p.Flags,
			Window:  p.Window,
		}, p.Payload)
	default:
		return nil, fmt.Errorf("%w: unsupported protocol %d", ErrInvalidConfig, p.Protocol)
	}
	if err != nil {
		return nil, err
	}

	hdr, err := BuildIPv4Header(p.ID, p.Src, p.Dst, p.Protocol, len(seg))
	if err != nil {
		return nil, err
	}

	return append(hdr, seg...), nil
}

// Datagram is a parsed IPv4/UDP datagram.
type Datagram struct {
	ID      uint16
	TTL     uint8
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// ParseIPv4UDP validates and parses a received IPv4/UDP datagram.
//
// The IP total length must equal len(b); both the IP header checksum and the UDP
// checksum (when non-zero) must verify. Checksum failures are reported as ErrBadChecksum,
// everything else as ErrBadIPPacket. The payload aliases b.
func ParseIPv4UDP(b []byte) (*Datagram, error) {
	if len(b) < IPv4HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadIPPacket, len(b))
	}
	if total := int(binary.BigEndian.Uint16(b[2:4])); total != len(b) {
		return nil, fmt.Errorf("%w: %w: header %d, frame %d", ErrBadIPPacket, errIPLength, total, len(b))
	}
	if b[0]>>4 != ipVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadIPPacket, b[0]>>4)
	}
	hlen := int(b[0]&0x0F) << 2
	if hlen < IPv4HeaderSize || hlen > len(b) {
		return nil, fmt.Errorf("%w: header length %d", ErrBadIPPacket, hlen)
	}
	if InternetChecksum(b[:hlen]) != 0 {
		return nil, fmt.Errorf("%w: ip header", ErrBadChecksum)
	}
	if b[9] != ProtoUDP {
		return nil, fmt.Errorf("%w: protocol %d", ErrBadIPPacket, b[9])
	}

	d := &Datagram{
		ID:  binary.BigEndian.Uint16(b[4:6]),
		TTL: b[8],
		Src: netip.AddrFrom4([4]byte(b[12:16])),
		Dst: netip.AddrFrom4([4]byte(b[16:20])),
	}

	seg := b[hlen:]
	if len(seg) < UDPHeaderSize {
		return nil, fmt.Errorf("%w: udp header truncated", ErrBadIPPacket)
	}
	ulen := int(binary.BigEndian.Uint16(seg[4:6]))
	if ulen < UDPHeaderSize || ulen > len(seg) {
		return nil, fmt.Errorf("%w: udp length %d", ErrBadIPPacket, ulen)
	}
	seg = seg[:ulen]
	if binary.BigEndian.Uint16(seg[6:8]) != 0 &&
		InternetChecksum(pseudoHeader(d.Src, d.Dst, ProtoUDP, ulen), seg) != 0 {
		return nil, fmt.Errorf("%w: udp", ErrBadChecksum)
	}

	d.SrcPort = binary.BigEndian.Uint16(seg[0:2])
	d.DstPort = binary.BigEndian.Uint16(seg[2:4])
	d.Payload = seg[UDPHeaderSize:]

	return d, nil
}
