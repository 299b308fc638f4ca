package transport

import "sync/atomic"

// Metrics contains atomic link counters.
// The values can back a prometheus CounterFunc or be copied into session statistics.
type Metrics struct {
	// PacketsSent is the number of QDP packets handed to the link.
	PacketsSent atomic.Uint64
	// PacketsReceived is the number of complete frames received.
	PacketsReceived atomic.Uint64
	// BytesSent counts link bytes written, including framing.
	BytesSent atomic.Uint64
	// BytesReceived counts link bytes read, including framing.
	BytesReceived atomic.Uint64
	// ChecksumErrors counts frames dropped for a bad IP/UDP checksum or SLIP overflow.
	ChecksumErrors atomic.Uint64
	// IOErrors counts failed reads and writes.
	IOErrors atomic.Uint64
	// MalformedFrames counts rejected TCP sub-headers.
	MalformedFrames atomic.Uint64
}

// MetricsSnapshot is a plain copy of Metrics.
type MetricsSnapshot struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	ChecksumErrors  uint64
	IOErrors        uint64
	MalformedFrames uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		PacketsSent:     m.PacketsSent.Load(),
		PacketsReceived: m.PacketsReceived.Load(),
		BytesSent:       m.BytesSent.Load(),
		BytesReceived:   m.BytesReceived.Load(),
		ChecksumErrors:  m.ChecksumErrors.Load(),
		IOErrors:        m.IOErrors.Load(),
		MalformedFrames: m.MalformedFrames.Load(),
	}
}

func (m *Metrics) incSent(bytes int) {
	m.PacketsSent.Add(1)
	m.BytesSent.Add(uint64(bytes)) //nolint:gosec // byte counts are never negative
}

func (m *Metrics) incReceived() {
	m.PacketsReceived.Add(1)
}

func (m *Metrics) addBytesReceived(bytes int) {
	m.BytesReceived.Add(uint64(bytes)) //nolint:gosec // byte counts are never negative
}

func (m *Metrics) incChecksumErrors() {
	m.ChecksumErrors.Add(1)
}

func (m *Metrics) incIOErrors() {
	m.IOErrors.Add(1)
}

func (m *Metrics) incMalformedFrames() {
	m.MalformedFrames.Add(1)
}
