package transport

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/qdp"
)

var (
	testHostIP   = netip.MustParseAddr("192.168.1.10")
	testDeviceIP = netip.MustParseAddr("192.168.1.20")
)

// makeTestPacket returns an encoded QDP packet with payloadLen bytes of payload.
func makeTestPacket(t *testing.T, cmd qdp.Opcode, seq uint16, payloadLen int) []byte {
	t.Helper()

	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	pkt, err := qdp.Encode(cmd, seq, 0, payload)
	require.NoError(t, err)

	return pkt
}

// newTestTCP creates a TCPTransport on the local end of net.Pipe and returns the remote
// end for the simulated device.
func newTestTCP(t *testing.T) (*TCPTransport, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	tr, err := NewTCPTransport(context.Background(), local, logger.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tr.Close()
		_ = remote.Close()
	})

	return tr, remote
}

// newTestSerialConfig returns a serial config with fixed addresses and ports.
func newTestSerialConfig() SerialConfig {
	return SerialConfig{
		Device:            "pipe",
		HostIP:            testHostIP,
		DeviceIP:          testDeviceIP,
		DeviceControlPort: 5330,
		DeviceDataPort:    5331,
	}
}

// readExactly reads exactly n bytes from r, failing the test on error.
func readExactly(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("readExactly: %v", err)
	}

	return buf
}

// mustWrite writes data to w in a goroutine so a synchronous pipe cannot deadlock the test.
func mustWrite(t *testing.T, w io.Writer, data []byte) {
	t.Helper()

	errc := make(chan error, 1)
	go func() {
		_, err := w.Write(data)
		errc <- err
	}()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("mustWrite: timeout")
	}
}

// mustReceive waits for the next frame.
func mustReceive(t *testing.T, tr Transport) Frame {
	t.Helper()

	f, err := tr.Receive(2 * time.Second)
	require.NoError(t, err)

	return f
}
