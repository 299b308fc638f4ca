package transport

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrTimeout is returned by Receive when no frame arrived in time.
	ErrTimeout = errors.New("transport: receive timeout")
	// ErrConnectionReset is returned when the device refused or reset the link.
	ErrConnectionReset = errors.New("transport: connection reset")
	// ErrConnectionClosed is returned when the peer closed the TCP stream.
	ErrConnectionClosed = errors.New("transport: connection closed")
	// ErrMalformedFrame is returned for an implausible TCP sub-header.
	ErrMalformedFrame = errors.New("transport: malformed tcp frame")
	// ErrClosed is returned when the transport was closed locally.
	ErrClosed = errors.New("transport: transport closed")
	// ErrWouldBlock is a transient condition of a non-blocking link.
	ErrWouldBlock = errors.New("transport: operation would block")
	// ErrPacketTooLarge is returned when a packet exceeds the link MTU.
	ErrPacketTooLarge = errors.New("transport: packet too large")
	// ErrBadIPPacket is returned by ParseIPv4UDP for datagrams that are not valid IPv4/UDP.
	ErrBadIPPacket = errors.New("transport: invalid ip packet")
	// ErrBadChecksum is returned by ParseIPv4UDP when a header checksum does not verify.
	ErrBadChecksum = errors.New("transport: bad ip checksum")
	// ErrInvalidConfig is returned for unusable transport settings.
	ErrInvalidConfig = errors.New("transport: invalid config")
)

// IsFatal reports whether err requires the link to be torn down.
//
// Timeouts and would-block conditions are transient; resets, closed links and malformed
// TCP sub-frames are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrWouldBlock):
		return false
	case errors.Is(err, ErrConnectionReset),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrMalformedFrame),
		errors.Is(err, ErrClosed),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	return true
}

// isResetErr reports whether a socket error comes from an ICMP unreachable or RST.
func isResetErr(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}
