package qdp

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	b96Offset = 0x20
	b96Max    = 0x5F
)

// EncodeBase96 converts data to Base-96 text using mask.
//
// The output starts with the mask as two upper-case hex characters followed by one
// 4-character group per 3 input bytes. data is zero padded to a multiple of 3 bytes;
// the decoder of a QDP packet tolerates that padding as slack.
func EncodeBase96(data []byte, mask byte) []byte {
	groups := (len(data) + 2) / 3
	out := make([]byte, 0, 2+groups*4)
	out = append(out, strings.ToUpper(hex.EncodeToString([]byte{mask}))...)

	var in [3]byte
	for g := range groups {
		in = [3]byte{}
		copy(in[:], data[g*3:min(len(data), g*3+3)])
		x0, x1, x2 := in[0]^mask, in[1]^mask, in[2]^mask
		out = append(out,
			(x0&0x3F)+b96Offset,
			(x1&0x3F)+b96Offset,
			(x2&0x3F)+b96Offset,
			((x0>>6)<<4|(x1>>6)<<2|x2>>6)+b96Offset,
		)
	}

	return out
}

// DecodeBase96 converts Base-96 text back to bytes.
func DecodeBase96(enc []byte) ([]byte, error) {
	if len(enc) < 2 || (len(enc)-2)%4 != 0 {
		return nil, fmt.Errorf("%w: size %d", ErrBase96Format, len(enc))
	}

	var mask [1]byte
	if _, err := hex.Decode(mask[:], enc[:2]); err != nil {
		return nil, fmt.Errorf("%w: mask: %w", ErrBase96Format, err)
	}

	body := enc[2:]
	out := make([]byte, 0, len(body)/4*3)
	for i := 0; i < len(body); i += 4 {
		for _, c := range body[i : i+4] {
			if c < b96Offset || c > b96Max {
				return nil, fmt.Errorf("%w: character 0x%02X at %d", ErrBase96Format, c, i+2)
			}
		}
		m := body[i+3] - b96Offset
		out = append(out,
			(body[i]-b96Offset+(m&0x30)<<2)^mask[0],
			(body[i+1]-b96Offset+(m&0x0C)<<4)^mask[0],
			(body[i+2]-b96Offset+(m&0x03)<<6)^mask[0],
		)
	}

	return out, nil
}

// Decoder decodes packets from a link that may carry either binary or Base-96 frames.
//
// The negotiated mode is tried first. When it fails the other mode is tried, and if that
// one succeeds the decoder switches over, so a link whose peer changed mode recovers on
// the next packet.
type Decoder struct {
	base96   bool
	switched bool
}

// NewDecoder returns a decoder starting in the given mode.
func NewDecoder(base96 bool) *Decoder {
	return &Decoder{base96: base96}
}

// Base96 reports the current negotiated mode.
func (d *Decoder) Base96() bool { return d.base96 }

// SwitchedMode reports whether the last successful Decode switched modes.
func (d *Decoder) SwitchedMode() bool { return d.switched }

// Decode decodes b using the negotiated mode with fallback to the other one.
// When both fail the error of the negotiated mode is returned.
func (d *Decoder) Decode(b []byte) (*Packet, error) {
	d.switched = false

	p, err := decodeMode(b, d.base96)
	if err == nil {
		return p, nil
	}

	if alt, altErr := decodeMode(b, !d.base96); altErr == nil {
		d.base96 = !d.base96
		d.switched = true
		return alt, nil
	}

	return nil, err
}

func decodeMode(b []byte, base96 bool) (*Packet, error) {
	if !base96 {
		return Decode(b)
	}

	raw, err := DecodeBase96(b)
	if err != nil {
		return nil, err
	}

	return Decode(raw)
}

// IsIntegrityError reports whether err is a framing integrity failure of a packet,
// the kind that is counted and dropped rather than propagated.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrLengthMismatch) ||
		errors.Is(err, ErrShortPacket) ||
		errors.Is(err, ErrBase96Format)
}
