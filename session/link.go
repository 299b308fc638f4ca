package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/opstat"
	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/transport"
)

// LinkConfig describes the link of one registration attempt.
type LinkConfig struct {
	Mode    HostMode
	Address string
	// ControlPort and DataPort are the device ports. DataPort is ignored for unregistered
	// links.
	ControlPort int
	DataPort    int
	// HostControlPort and HostDataPort bind the host side, zero picks a default.
	HostControlPort int
	HostDataPort    int
	SerialDevice    string
	Baud            int
	HostIP          netip.Addr
	DialTimeout     time.Duration
	// Unregistered marks the configuration port link of an unregistered ping.
	Unregistered bool
}

// TransportFactory opens the link described by cfg.
type TransportFactory func(ctx context.Context, cfg LinkConfig, l logger.Logger) (transport.Transport, error)

// DefaultTransportFactory dials UDP, TCP or opens the serial device by cfg.Mode.
func DefaultTransportFactory(ctx context.Context, cfg LinkConfig, l logger.Logger) (transport.Transport, error) {
	switch cfg.Mode {
	case HostTCP:
		t, err := transport.DialTCP(ctx, transport.TCPConfig{
			Address:     cfg.Address,
			Port:        cfg.ControlPort,
			DialTimeout: cfg.DialTimeout,
		}, l)
		if err != nil {
			return nil, err
		}

		return t, nil

	case HostSerial:
		deviceIP, err := netip.ParseAddr(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: serial device address %q", ErrInvalidConfig, cfg.Address)
		}
		t, err := transport.OpenSerial(ctx, transport.SerialConfig{
			Device:            cfg.SerialDevice,
			Baud:              cfg.Baud,
			HostIP:            cfg.HostIP,
			DeviceIP:          deviceIP,
			DeviceControlPort: uint16(cfg.ControlPort),     //nolint:gosec // validated port
			DeviceDataPort:    uint16(cfg.DataPort),        //nolint:gosec // validated port
			HostControlPort:   uint16(cfg.HostControlPort), //nolint:gosec // validated port
			HostDataPort:      uint16(cfg.HostDataPort),    //nolint:gosec // validated port
		}, l)
		if err != nil {
			return nil, err
		}

		return t, nil

	default:
		udp := transport.UDPConfig{
			Address:          cfg.Address,
			ControlPort:      cfg.ControlPort,
			DataPort:         cfg.DataPort,
			LocalControlPort: cfg.HostControlPort,
			LocalDataPort:    cfg.HostDataPort,
		}
		if cfg.Unregistered {
			udp.DataPort = 0
			udp.LocalDataPort = 0
		}
		t, err := transport.DialUDP(ctx, udp, l)
		if err != nil {
			return nil, err
		}

		return t, nil
	}
}


type dialResult struct {
	link transport.Transport
	err  error
}

// openLink opens the link of the next registration or ping.
//
// TCP links are dialed in the background and reported through dialCh; openLink returns
// with connected false. Other links are opened synchronously.
func (s *Session) openLink(unregistered bool) (connected bool, err error) {
	s.closeLink()

	lc := s.cfg.linkConfig(unregistered)
	s.base96 = s.cfg.Base96()
	s.decoder = qdp.NewDecoder(s.base96)

	if lc.Mode == HostTCP && !unregistered {
		s.dialing = true
		s.dialGen++
		gen := s.dialGen
		ch := s.dialCh
		ctx := s.taskMgr.Context()
		factory := s.cfg.factory
		l := s.logger

		err := s.taskMgr.Start(fmt.Sprintf("dial-%d", gen), func() bool {
			link, err := factory(ctx, lc, l)
			select {
			case ch <- dialResult{link: link, err: err}:
			case <-ctx.Done():
				if link != nil {
					_ = link.Close()
				}
			}

			return false
		})
		if err != nil {
			s.dialing = false
			return false, err
		}

		return false, nil
	}

	link, err := s.cfg.factory(s.taskMgr.Context(), lc, s.logger)
	if err != nil {
		return false, err
	}
	s.link = link
	s.queue.SetBlocked(false)
	s.msg(MsgSocketOpen, fmt.Sprintf("%s %s:%d", link.Kind(), lc.Address, lc.ControlPort))

	return true, nil
}

// pollDial collects the result of a background dial.
func (s *Session) pollDial() {
	for {
		select {
		case res := <-s.dialCh:
			s.acceptDial(res)
		default:
			return
		}
	}
}

func (s *Session) acceptDial(res dialResult) {
	if !s.dialing || s.state != StateConnecting {
		// abandoned attempt
		if res.link != nil {
			_ = res.link.Close()
		}

		return
	}
	s.dialing = false

	if res.err != nil {
		s.msg(MsgSocketError, res.err.Error())
		s.stats.Add(opstat.IOErrors, 1)
		s.netFail(&TransportError{Op: "dial", Fatal: true, Err: res.err})

		return
	}

	s.link = res.link
	s.queue.SetBlocked(false)
	s.msg(MsgConnected, "")
	s.continueRegistration(s.now())
}

// closeLink drops the current link and any dial in progress.
func (s *Session) closeLink() {
	s.dialing = false
	s.queue.SetBlocked(true)
	if s.link == nil {
		return
	}
	if err := s.link.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		s.logger.Debug("close link failed", "error", err)
	}
	s.link = nil
}

// send writes one encoded packet on the current link.
func (s *Session) send(ch transport.Channel, pkt []byte) error {
	if s.link == nil {
		return &TransportError{Op: "send", Fatal: true, Err: transport.ErrClosed}
	}
	if err := s.link.Send(ch, pkt); err != nil {
		return &TransportError{Op: "send", Fatal: transport.IsFatal(err), Err: err}
	}
	s.stats.Add(opstat.Write, int32(len(pkt))) //nolint:gosec // bounded by packet size

	return nil
}

// handleLinkError reacts to a receive or send failure of the current link.
func (s *Session) handleLinkError(op string, err error) {
	if errors.Is(err, transport.ErrTimeout) || errors.Is(err, transport.ErrWouldBlock) {
		return
	}
	terr := &TransportError{Op: op, Fatal: transport.IsFatal(err), Err: err}
	s.stats.Add(opstat.IOErrors, 1)
	if !terr.Fatal {
		s.msg(MsgReceiveError, err.Error())
		return
	}

	s.logger.Warn("link failed", "op", op, "error", err)
	s.msg(MsgRouteFault, err.Error())
	s.closeLink()
	s.queue.Purge()
	clear(s.pending)

	switch {
	case s.state == StatePing:
		s.setTarget(StateIdle, ReasonNetFail, terr)
	case s.state == StateDereg:
		s.finishDeregistration(false)
	case s.state == StateRun || s.state == StateRunWait:
		// deallocation saves continuity and skips the deregistration
		s.waitFor(ReasonNetFail, s.cfg.NetFailWait(), terr)
	case s.state != StateIdle && s.state != StateWait && s.state != StateTerminated:
		s.registered = false
		s.waitFor(ReasonNetFail, s.cfg.NetFailWait(), terr)
		s.newState(StateWait)
	}
}

// netFail handles a link that could not be opened.
func (s *Session) netFail(err error) {
	s.closeLink()
	wait := s.cfg.NetFailWait()
	s.msg(MsgNotRegistered, formatMinutes(wait))
	s.waitFor(ReasonNetFail, wait, err)
	s.newState(StateWait)
}

func formatMinutes(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d Minutes", int(d/time.Minute))
	}

	return fmt.Sprintf("%d Seconds", int(d/time.Second))
}
