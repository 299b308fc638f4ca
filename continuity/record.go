package continuity

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/arloliu/go-q330/qdp"
)

// RecordType is the type tag of a checkpoint record.
type RecordType uint16

const (
	TypeStatic  RecordType = 0
	TypeSystem  RecordType = 1
	TypeChannel RecordType = 9
	TypePurged  RecordType = 86
)

func (t RecordType) String() string {
	switch t {
	case TypeStatic:
		return "static"
	case TypeSystem:
		return "system"
	case TypeChannel:
		return "channel"
	case TypePurged:
		return "purged"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

// FormatVersion is the version byte leading static and system payloads.
const FormatVersion = 1

// RecordHeaderSize is the size of [type:u16][size:u16][crc:u32].
const RecordHeaderSize = 8

// byteOrder is the host byte order; checkpoints are a local cache, not an interchange
// format.
var byteOrder = binary.NativeEndian

// Record is one typed checkpoint record.
type Record struct {
	Type    RecordType
	Payload []byte
}

// MarshalRecord frames payload with its type, size and CRC.
func MarshalRecord(typ RecordType, payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrFormat, len(payload))
	}
	b := make([]byte, RecordHeaderSize+len(payload))
	byteOrder.PutUint16(b[0:], uint16(typ))
	byteOrder.PutUint16(b[2:], uint16(len(payload)))
	byteOrder.PutUint32(b[4:], qdp.Checksum(payload))
	copy(b[RecordHeaderSize:], payload)

	return b, nil
}

// ReadRecord reads the next record from r and verifies its CRC.
//
// io.EOF is returned at a clean end of input. A record cut short returns
// io.ErrUnexpectedEOF; a CRC failure returns ErrCRC together with the record so that
// callers can report its type.
func ReadRecord(r io.Reader) (Record, error) {
	var hdr [RecordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Record{}, err
	}
	rec := Record{Type: RecordType(byteOrder.Uint16(hdr[0:]))}
	size := byteOrder.Uint16(hdr[2:])
	crc := byteOrder.Uint32(hdr[4:])

	rec.Payload = make([]byte, size)
	if _, err := io.ReadFull(r, rec.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return rec, err
	}
	if got := qdp.Checksum(rec.Payload); got != crc {
		return rec, fmt.Errorf("%w: %s record stored=%08X computed=%08X", ErrCRC, rec.Type, crc, got)
	}

	return rec, nil
}

// encodePayload writes v in host byte order.
func encodePayload(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(binary.Size(v))
	if err := binary.Write(&buf, byteOrder, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decodePayload fills v from payload, which must have exactly the size of v.
func decodePayload(payload []byte, v any) error {
	if want := binary.Size(v); want != len(payload) {
		return fmt.Errorf("%w: payload of %d bytes, want %d", ErrFormat, len(payload), want)
	}

	return binary.Read(bytes.NewReader(payload), byteOrder, v)
}
