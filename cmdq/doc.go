// Package cmdq implements the single outstanding command queue of a QDP session.
//
// Commands are queued in FIFO order and sent one at a time. Each entry moves through the
// phases Idle, Need and Wait:
//
//	Idle -> Need   an entry is queued and nothing is in flight
//	Need -> Wait   the entry was handed to the link, a timeout is armed
//	Wait -> Idle   the device acknowledged the last sent sequence number
//	Wait -> Need   the timeout expired, the entry is resent from the same slot
//
// The retry timeout adapts to the link: every acknowledged exchange records a throughput
// sample (request plus reply bytes over the round trip time) in a fixed size history ring.
// With enough samples the timeout is derived from the average throughput and multiplied by
// the number of retries so far; otherwise a configured default applies. Ping and serial
// number polls use short fixed timeouts. Timeouts are always clamped to the configured
// minimum and maximum.
//
// A Queue is not safe for concurrent use. The session mutates it only while holding its
// own lock, which also makes Snapshot consistent for status readers.
package cmdq
