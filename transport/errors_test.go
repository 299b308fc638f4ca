package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", ErrTimeout, false},
		{"would block", fmt.Errorf("udp: %w", ErrWouldBlock), false},
		{"deadline", os.ErrDeadlineExceeded, false},
		{"reset", fmt.Errorf("%w: icmp", ErrConnectionReset), true},
		{"closed", ErrConnectionClosed, true},
		{"malformed", ErrMalformedFrame, true},
		{"local close", ErrClosed, true},
		{"net closed", net.ErrClosed, true},
		{"eof", io.EOF, true},
		{"econnreset", syscall.ECONNRESET, true},
		{"econnrefused", &net.OpError{Op: "read", Err: syscall.ECONNREFUSED}, true},
		{"other", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestKindAndChannelString(t *testing.T) {
	assert.Equal(t, "udp", KindUDP.String())
	assert.Equal(t, "tcp", KindTCP.String())
	assert.Equal(t, "serial", KindSerial.String())
	assert.Equal(t, "unknown", Kind(9).String())
	assert.Equal(t, "control", Control.String())
	assert.Equal(t, "data", Data.String())
}
