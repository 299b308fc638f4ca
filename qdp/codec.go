package qdp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Writer appends big-endian fields to a payload buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with room for capacity bytes.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }
func (w *Writer) U16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *Writer) U32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *Writer) U64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *Writer) I16(v int16) { w.U16(uint16(v)) } //nolint:gosec // two's complement on the wire
func (w *Writer) I32(v int32) { w.U32(uint32(v)) } //nolint:gosec // two's complement on the wire
func (w *Writer) F32(v float32) {
	w.U32(math.Float32bits(v))
}

// Raw appends b unchanged.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Pad appends n zero bytes.
func (w *Writer) Pad(n int) { w.buf = append(w.buf, make([]byte, n)...) }

// FixedString appends s truncated or zero padded to exactly n bytes.
func (w *Writer) FixedString(s string, n int) {
	b := make([]byte, n)
	copy(b, s)
	w.buf = append(w.buf, b...)
}

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Reader consumes big-endian fields from a payload.
//
// The first short read sets a sticky error; later reads return zero values, so a record
// decoder can read all of its fields and check Err once.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortRecord, n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n

	return b
}

func (r *Reader) U8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) U16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) U32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) U64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *Reader) I16() int16 { return int16(r.U16()) } //nolint:gosec // two's complement on the wire
func (r *Reader) I32() int32 { return int32(r.U32()) } //nolint:gosec // two's complement on the wire
func (r *Reader) F32() float32 { return math.Float32frombits(r.U32()) }

// Raw returns a copy of the next n bytes.
func (r *Reader) Raw(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}

	return bytes.Clone(b)
}

// Skip discards n bytes.
func (r *Reader) Skip(n int) { r.take(n) }

// FixedString reads n bytes and trims trailing NUL and space characters.
func (r *Reader) FixedString(n int) string {
	b := r.take(n)
	return string(bytes.TrimRight(b, "\x00 "))
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.buf) - r.off
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }
