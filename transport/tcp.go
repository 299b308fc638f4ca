package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/arloliu/go-q330/internal/pool"
	"github.com/arloliu/go-q330/internal/task"
	"github.com/arloliu/go-q330/internal/util"
	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/qdp"
)

const (
	// TCPSubHeaderSize is the size of the [channel:u16][length:u16] prefix of a TCP frame.
	TCPSubHeaderSize = 4
	// MaxTCPFrameSize is the largest sub-frame length accepted from the stream. Packets
	// sent by the host stay within the link MTU.
	MaxTCPFrameSize = 2048
)

// EncodeTCPFrame prefixes pkt with the TCP sub-header for ch.
func EncodeTCPFrame(ch Channel, pkt []byte) []byte {
	b := make([]byte, TCPSubHeaderSize, TCPSubHeaderSize+len(pkt))
	binary.BigEndian.PutUint16(b[0:2], uint16(ch))
	binary.BigEndian.PutUint16(b[2:4], uint16(len(pkt))) //nolint:gosec // checked by Send

	return append(b, pkt...)
}

// Reassembler rebuilds TCP frames from stream reads of arbitrary size.
//
// It is not safe for concurrent use.
type Reassembler struct {
	buf []byte
}

// Feed appends chunk to the stream and returns the frames it completed.
//
// A sub-header with a channel above 1, or a length below the QDP header size or above
// MaxTCPFrameSize, returns ErrMalformedFrame. The stream cannot be resynchronized after
// that: the reassembler is reset and the link must be reopened.
func (r *Reassembler) Feed(chunk []byte) ([]Frame, error) {
	r.buf = append(r.buf, chunk...)

	var frames []Frame
	for len(r.buf) >= TCPSubHeaderSize {
		ch := binary.BigEndian.Uint16(r.buf[0:2])
		n := int(binary.BigEndian.Uint16(r.buf[2:4]))
		if ch > uint16(Data) || n < qdp.HeaderSize || n > MaxTCPFrameSize {
			r.Reset()
			return frames, fmt.Errorf("%w: channel=%d, length=%d", ErrMalformedFrame, ch, n)
		}
		if len(r.buf) < TCPSubHeaderSize+n {
			break
		}

		frames = append(frames, Frame{
			Channel: Channel(ch), //nolint:gosec // checked above
			Data:    util.CloneSlice(r.buf[TCPSubHeaderSize:TCPSubHeaderSize+n], 0),
		})
		r.buf = r.buf[TCPSubHeaderSize+n:]
	}

	if len(r.buf) == 0 {
		r.buf = nil
	}

	return frames, nil
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Reset drops buffered bytes.
func (r *Reassembler) Reset() {
	r.buf = nil
}

// TCPConfig configures a TCP link.
type TCPConfig struct {
	// Address is the host name or IP of the device or its serial server.
	Address string
	// Port is the TCP port.
	Port int
	// DialTimeout bounds the connection attempt. Zero means no timeout.
	DialTimeout time.Duration
}

// TCPTransport carries both QDP channels over one TCP stream.
type TCPTransport struct {
	conn      net.Conn
	in        *inbox
	tasks     *task.Manager
	metrics   Metrics
	logger    logger.Logger
	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ Transport = (*TCPTransport)(nil)

// DialTCP connects to cfg.Address:cfg.Port.
func DialTCP(ctx context.Context, cfg TCPConfig, l logger.Logger) (*TCPTransport, error) {
	if cfg.Address == "" || cfg.Port <= 0 || cfg.Port > 0xFFFF {
		return nil, fmt.Errorf("%w: tcp address %q port %d", ErrInvalidConfig, cfg.Address, cfg.Port)
	}

	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp: %w", err)
	}

	return NewTCPTransport(ctx, conn, l)
}

// NewTCPTransport wraps an established stream.
func NewTCPTransport(ctx context.Context, conn net.Conn, l logger.Logger) (*TCPTransport, error) {
	t := &TCPTransport{
		conn:   conn,
		in:     newInbox(),
		tasks:  task.NewManager(ctx, l),
		logger: l,
	}

	var asm Reassembler
	if err := t.tasks.Start("tcp_reader", func() bool { return t.readOnce(&asm) }); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return t, nil
}

func (t *TCPTransport) readOnce(asm *Reassembler) bool {
	buf := pool.GetFrame()
	defer pool.PutFrame(buf)

	n, err := t.conn.Read(*buf)
	if n > 0 {
		t.metrics.addBytesReceived(n)
		frames, ferr := asm.Feed((*buf)[:n])
		for _, f := range frames {
			t.metrics.incReceived()
			if !t.in.push(f) {
				return false
			}
		}
		if ferr != nil {
			t.metrics.incMalformedFrames()
			t.in.fail(ferr)
			return false
		}
	}

	if err != nil {
		switch {
		case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			t.in.fail(ErrClosed)
		case errors.Is(err, io.EOF):
			t.in.fail(ErrConnectionClosed)
		default:
			t.metrics.incIOErrors()
			t.in.fail(fmt.Errorf("%w: %w", ErrConnectionReset, err))
		}
		return false
	}

	return true
}

func (t *TCPTransport) Kind() Kind { return KindTCP }

func (t *TCPTransport) Send(ch Channel, pkt []byte) error {
	if len(pkt) > qdp.MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(pkt))
	}
	frame := EncodeTCPFrame(ch, pkt)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.conn.Write(frame); err != nil {
		t.metrics.incIOErrors()
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return fmt.Errorf("%w: %w", ErrConnectionReset, err)
	}
	t.metrics.incSent(len(frame))

	return nil
}

func (t *TCPTransport) Receive(timeout time.Duration) (Frame, error) {
	return t.in.receive(timeout)
}

func (t *TCPTransport) Metrics() *Metrics { return &t.metrics }

func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.in.close()
		t.tasks.Stop()
		err = t.conn.Close()
		t.tasks.Wait()
	})

	return err
}
