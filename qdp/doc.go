// Package qdp implements the framing and marshaling layer of the Q330 Data Protocol (QDP).
//
// A QDP packet on the wire is a 12-byte header followed by a variable payload:
//
//	[crc:u32][command:u8][version:u8][length:u16][sequence:u16][ack:u16][payload...]
//
// All fields are big-endian. The CRC covers every byte after the CRC field, header and
// payload alike, and a packet is only ever returned to the caller after both the length
// and the CRC have been verified.
//
// Links that cannot carry arbitrary binary (legacy serial setups) use the Base-96 text
// encoding, a reversible mapping of every 3 bytes onto 4 printable characters. The
// Decoder type accepts both forms and falls back from the negotiated one to the other,
// so a mode change on the device side never deadlocks the link.
//
// Payload layouts are expressed as record types (ServerChallenge, Status, MemorySegment,
// ...) marshaled through the Writer and Reader cursors. Quantities that the device only
// reports when the matching status block was requested decode into Optional values.
package qdp
