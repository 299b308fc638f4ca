package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/arloliu/go-q330/internal/pool"
	"github.com/arloliu/go-q330/internal/task"
	"github.com/arloliu/go-q330/logger"
)

const (
	// DefaultBaud is the serial speed used when SerialConfig.Baud is zero.
	DefaultBaud = 19200
	// DefaultSerialReadTimeout bounds a single read so the reader observes Close.
	DefaultSerialReadTimeout = 100 * time.Millisecond

	serialReadSize = 700
	serialIdle     = 25 * time.Millisecond
	// hostPortOffset is added to the device control port when no host port is set.
	hostPortOffset = 1024
)

var broadcastIP = netip.AddrFrom4([4]byte{0xFF, 0xFF, 0xFF, 0xFF})

// SerialConfig configures a SLIP serial link.
type SerialConfig struct {
	// Device is the serial device, e.g. /dev/ttyS0.
	Device string
	// Baud is the line speed.
	Baud int
	// ReadTimeout bounds one read of the port.
	ReadTimeout time.Duration

	// HostIP is the address of the host on the SLIP link.
	HostIP netip.Addr
	// DeviceIP is the address of the Q330 serial interface.
	DeviceIP netip.Addr

	DeviceControlPort uint16
	DeviceDataPort    uint16
	// HostControlPort defaults to DeviceControlPort+1024, HostDataPort to HostControlPort+1.
	HostControlPort uint16
	HostDataPort    uint16
}

func (c *SerialConfig) normalize() error {
	if !c.HostIP.Is4() || !c.DeviceIP.Is4() {
		return fmt.Errorf("%w: serial link needs ipv4 host and device addresses", ErrInvalidConfig)
	}
	if c.DeviceControlPort == 0 {
		return fmt.Errorf("%w: serial device control port not set", ErrInvalidConfig)
	}
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultSerialReadTimeout
	}
	if c.HostControlPort == 0 {
		c.HostControlPort = c.DeviceControlPort + hostPortOffset
	}
	if c.HostDataPort == 0 {
		c.HostDataPort = c.HostControlPort + 1
	}

	return nil
}

// SerialTransport carries QDP packets as IPv4/UDP datagrams in SLIP frames.
type SerialTransport struct {
	cfg       SerialConfig
	port      io.ReadWriteCloser
	in        *inbox
	tasks     *task.Manager
	decoder   *SLIPDecoder
	metrics   Metrics
	logger    logger.Logger
	ipID      atomic.Uint32
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Transport = (*SerialTransport)(nil)

// OpenSerial opens cfg.Device and starts the link.
func OpenSerial(ctx context.Context, cfg SerialConfig, l logger.Logger) (*SerialTransport, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: open serial %s: %w", cfg.Device, err)
	}

	return NewSerialTransport(ctx, port, cfg, l)
}

// NewSerialTransport runs the link over an already opened port.
func NewSerialTransport(ctx context.Context, port io.ReadWriteCloser, cfg SerialConfig, l logger.Logger) (*SerialTransport, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	t := &SerialTransport{
		cfg:     cfg,
		port:    port,
		in:      newInbox(),
		tasks:   task.NewManager(ctx, l),
		decoder: NewSLIPDecoder(pool.FrameSize),
		logger:  l,
	}

	if err := t.tasks.StartReceiver("serial_reader", serialReadSize, t.readOnce, nil); err != nil {
		_ = port.Close()
		return nil, err
	}

	return t, nil
}

func (t *SerialTransport) readOnce(buf []byte) bool {
	n, err := t.port.Read(buf)
	if t.closed.Load() {
		return false
	}

	if n > 0 {
		t.metrics.addBytesReceived(n)
		overflows := t.decoder.Feed(buf[:n], t.deliver)
		for range overflows {
			t.metrics.incChecksumErrors()
		}
	}

	switch {
	case err == nil:
		if n == 0 {
			time.Sleep(serialIdle)
		}
		return true
	case errors.Is(err, io.ErrClosedPipe), errors.Is(err, os.ErrClosed), errors.Is(err, net.ErrClosed):
		t.in.fail(ErrClosed)
		return false
	case errors.Is(err, io.EOF):
		// a read timeout of the port
		time.Sleep(serialIdle)
		return true
	default:
		t.metrics.incIOErrors()
		t.logger.Warn("serial read error", "device", t.cfg.Device, "error", err)
		time.Sleep(serialIdle)
		return true
	}
}

// deliver handles one SLIP frame. It returns false when the frame is not an IP packet at
// all, so the decoder keeps collecting without waiting for another delimiter.
func (t *SerialTransport) deliver(frame []byte) bool {
	d, err := ParseIPv4UDP(frame)
	if err != nil {
		switch {
		case errors.Is(err, errIPLength):
			return false
		case errors.Is(err, ErrBadChecksum):
			t.metrics.incChecksumErrors()
		}
		return true
	}

	if d.Dst != t.cfg.HostIP && d.Dst != broadcastIP {
		return true
	}

	var ch Channel
	switch d.DstPort {
	case t.cfg.HostControlPort:
		ch = Control
	case t.cfg.HostDataPort:
		ch = Data
	default:
		return true
	}

	t.metrics.incReceived()
	t.in.push(Frame{Channel: ch, Data: append([]byte(nil), d.Payload...)})

	return true
}

func (t *SerialTransport) Kind() Kind { return KindSerial }

func (t *SerialTransport) Send(ch Channel, pkt []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}

	src, dst := t.cfg.HostControlPort, t.cfg.DeviceControlPort
	if ch == Data {
		src, dst = t.cfg.HostDataPort, t.cfg.DeviceDataPort
	}

	raw := RawPacket{
		Protocol: ProtoUDP,
		ID:       uint16(t.ipID.Add(1) - 1), //nolint:gosec // wraps like the IP id field
		Src:      t.cfg.HostIP,
		Dst:      t.cfg.DeviceIP,
		SrcPort:  src,
		DstPort:  dst,
		Payload:  pkt,
	}
	datagram, err := raw.Build()
	if err != nil {
		return err
	}
	frame := EncodeSLIP(datagram)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	n, err := t.port.Write(frame)
	if err != nil || n != len(frame) {
		t.metrics.incIOErrors()
		if err == nil {
			err = io.ErrShortWrite
		}
		return fmt.Errorf("transport: serial write: %w", err)
	}
	t.metrics.incSent(n)

	return nil
}

func (t *SerialTransport) Receive(timeout time.Duration) (Frame, error) {
	return t.in.receive(timeout)
}

func (t *SerialTransport) Metrics() *Metrics { return &t.metrics }

func (t *SerialTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.in.close()
		t.tasks.Stop()
		err = t.port.Close()
		t.tasks.Wait()
	})

	return err
}
