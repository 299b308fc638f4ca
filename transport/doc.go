// Package transport moves QDP packets between the host and a Q330.
//
// Three links are supported behind the Transport interface:
//
//   - UDP: one connected socket per channel (control and data).
//   - TCP: a single stream carrying both channels, each packet prefixed by a 4-byte
//     sub-header. The Reassembler rebuilds packets from arbitrary read chunks.
//   - Serial: SLIP framing of hand-built IPv4/UDP datagrams over a serial port.
//
// Raw IPv4, UDP and TCP packet construction (with header and pseudo-header checksums) is
// exposed for packet injection and sniffing tools.
//
// Receive never blocks longer than the given timeout and returns ErrTimeout when nothing
// arrived. Fatal link errors (reset, closed stream, malformed TCP sub-frame) are reported
// once by Receive and can be classified with IsFatal; the session reacts by closing the
// transport and waiting before it reconnects.
package transport
