package transport

// SLIP special characters.
const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

// EncodeSLIP returns pkt escaped and enclosed in frame delimiters.
func EncodeSLIP(pkt []byte) []byte {
	out := make([]byte, 0, len(pkt)+len(pkt)/8+2)
	out = append(out, slipEnd)
	for _, c := range pkt {
		switch c {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, c)
		}
	}

	return append(out, slipEnd)
}

// SLIPDecoder rebuilds frames from a SLIP byte stream.
//
// Bytes are ignored until the first delimiter is seen. After a frame was accepted as a
// packet the decoder again waits for a delimiter, which skips the line noise between a
// closing and the next opening delimiter.
type SLIPDecoder struct {
	buf        []byte
	max        int
	escPending bool
	needFrame  bool
}

// NewSLIPDecoder returns a decoder for frames of at most maxFrame unescaped bytes.
func NewSLIPDecoder(maxFrame int) *SLIPDecoder {
	return &SLIPDecoder{
		buf:       make([]byte, 0, maxFrame),
		max:       maxFrame,
		needFrame: true,
	}
}

// Feed decodes chunk. deliver is called with every completed non-empty frame; the frame
// is only valid during the call. deliver returns true when the frame was a packet.
//
// Feed returns the number of frames discarded because they overflowed the buffer.
func (d *SLIPDecoder) Feed(chunk []byte, deliver func(frame []byte) bool) int {
	overflows := 0
	for _, c := range chunk {
		if c != slipEnd && d.needFrame {
			continue
		}

		switch c {
		case slipEnd:
			d.escPending = false
			d.needFrame = false
			if len(d.buf) > 0 && deliver(d.buf) {
				d.needFrame = true
			}
			d.buf = d.buf[:0]
		case slipEsc:
			d.escPending = true
		case slipEscEnd:
			if d.escPending {
				d.escPending = false
				c = slipEnd
			}
			d.buf = append(d.buf, c)
		case slipEscEsc:
			if d.escPending {
				d.escPending = false
				c = slipEsc
			}
			d.buf = append(d.buf, c)
		default:
			d.buf = append(d.buf, c)
		}

		if len(d.buf) > d.max {
			d.buf = d.buf[:0]
			overflows++
		}
	}

	return overflows
}

// Reset discards any partial frame and waits for the next delimiter.
func (d *SLIPDecoder) Reset() {
	d.buf = d.buf[:0]
	d.escPending = false
	d.needFrame = true
}
