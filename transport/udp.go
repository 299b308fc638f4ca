package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/arloliu/go-q330/internal/task"
	"github.com/arloliu/go-q330/internal/util"
	"github.com/arloliu/go-q330/logger"
)

// udpReadSize leaves room for Base-96 encoded datagrams.
const udpReadSize = 2048

// UDPConfig configures a UDP link.
type UDPConfig struct {
	// Address is the host name or IP of the device.
	Address string
	// ControlPort is the device control port.
	ControlPort int
	// DataPort is the device data port. Zero opens the control channel only.
	DataPort int
	// LocalControlPort and LocalDataPort bind the host side; zero picks an ephemeral port.
	LocalControlPort int
	LocalDataPort    int
}

func (c UDPConfig) validate() error {
	ports := []int{c.ControlPort, c.DataPort, c.LocalControlPort, c.LocalDataPort}
	if c.Address == "" || c.ControlPort == 0 {
		return fmt.Errorf("%w: udp address %q control port %d", ErrInvalidConfig, c.Address, c.ControlPort)
	}
	for _, p := range ports {
		if p < 0 || p > 0xFFFF {
			return fmt.Errorf("%w: udp port %d out of range", ErrInvalidConfig, p)
		}
	}

	return nil
}

// UDPTransport uses one connected UDP socket per channel.
type UDPTransport struct {
	conns     [2]net.Conn
	in        *inbox
	tasks     *task.Manager
	metrics   Metrics
	logger    logger.Logger
	closeOnce sync.Once
}

var _ Transport = (*UDPTransport)(nil)

// DialUDP opens the channel sockets described by cfg.
func DialUDP(ctx context.Context, cfg UDPConfig, l logger.Logger) (*UDPTransport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	t := &UDPTransport{
		in:     newInbox(),
		tasks:  task.NewManager(ctx, l),
		logger: l,
	}

	type endpoint struct {
		ch     Channel
		remote int
		local  int
	}
	endpoints := []endpoint{{Control, cfg.ControlPort, cfg.LocalControlPort}}
	if cfg.DataPort != 0 {
		endpoints = append(endpoints, endpoint{Data, cfg.DataPort, cfg.LocalDataPort})
	}

	for _, ep := range endpoints {
		d := net.Dialer{LocalAddr: &net.UDPAddr{Port: ep.local}}
		conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(cfg.Address, strconv.Itoa(ep.remote)))
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("transport: dial udp %s channel: %w", ep.ch, err)
		}
		t.conns[ep.ch] = conn

		if err := t.tasks.StartReceiver("udp_"+ep.ch.String(), udpReadSize, t.recvLoop(ep.ch, conn), nil); err != nil {
			_ = t.Close()
			return nil, err
		}
	}

	return t, nil
}

// LocalAddr returns the host address of ch, or nil when the channel is not open.
func (t *UDPTransport) LocalAddr(ch Channel) net.Addr {
	if c := t.conns[ch]; c != nil {
		return c.LocalAddr()
	}

	return nil
}

func (t *UDPTransport) recvLoop(ch Channel, conn net.Conn) task.RecvFunc {
	return func(buf []byte) bool {
		n, err := conn.Read(buf)
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed):
				return false
			case isResetErr(err):
				t.in.fail(fmt.Errorf("%w: %s channel: %w", ErrConnectionReset, ch, err))
				return false
			default:
				t.metrics.incIOErrors()
				t.logger.Warn("udp receive error", "channel", ch.String(), "error", err)
				time.Sleep(25 * time.Millisecond)
				return true
			}
		}

		t.metrics.addBytesReceived(n)
		t.metrics.incReceived()

		return t.in.push(Frame{Channel: ch, Data: util.CloneSlice(buf[:n], 0)})
	}
}

func (t *UDPTransport) Kind() Kind { return KindUDP }

func (t *UDPTransport) Send(ch Channel, pkt []byte) error {
	if int(ch) >= len(t.conns) || t.conns[ch] == nil {
		return fmt.Errorf("%w: %s channel not open", ErrInvalidConfig, ch)
	}

	if _, err := t.conns[ch].Write(pkt); err != nil {
		switch {
		case errors.Is(err, net.ErrClosed):
			return ErrClosed
		case isResetErr(err):
			return fmt.Errorf("%w: %w", ErrConnectionReset, err)
		default:
			t.metrics.incIOErrors()
			return fmt.Errorf("transport: udp send: %w", err)
		}
	}
	t.metrics.incSent(len(pkt))

	return nil
}

func (t *UDPTransport) Receive(timeout time.Duration) (Frame, error) {
	return t.in.receive(timeout)
}

func (t *UDPTransport) Metrics() *Metrics { return &t.metrics }

func (t *UDPTransport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		t.in.close()
		t.tasks.Stop()
		for _, c := range t.conns {
			if c != nil {
				errs = append(errs, c.Close())
			}
		}
		t.tasks.Wait()
	})

	return errors.Join(errs...)
}
