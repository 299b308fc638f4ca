package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/arloliu/go-q330/cmdq"
	"github.com/arloliu/go-q330/opstat"
	"github.com/arloliu/go-q330/qdp"
)

// requests are recorded by the control methods and executed by the worker on its next
// fast tick.
type requests struct {
	abort       bool
	statusNow   bool
	extraStatus qdp.StatusBits
	fetch       [qdp.NumBlocks]bool
	sets        []blockSet

	// ping is the payload of the next unregistered ping, regPing of a registered one.
	ping    *qdp.Ping
	regPing *qdp.Ping

	userMsg    string
	userMsgSet bool
	tunnel     *tunnelState
	poc        *pointOfContact
}

type blockSet struct {
	op      qdp.Opcode
	payload []byte
}

type pointOfContact struct {
	addr     string
	basePort int
}

// tunnelState is the tunneled command in flight. Only one may be outstanding.
type tunnelState struct {
	busy    bool
	cmd     qdp.Opcode
	resp    qdp.Opcode
	payload []byte
}

// canCommand reports whether commands other than the registration may be sent.
func (s *Session) canCommand() bool {
	return s.registered && s.link != nil && s.state >= StateReadConfig && s.state <= StateRun
}

// processRequests executes the requests recorded by the control methods.
func (s *Session) processRequests(now time.Time) {
	if s.req.abort {
		s.req.abort = false
		if e, ok := s.queue.Abort(); ok {
			if !e.Tunneled {
				delete(s.pending, e.Op)
			}
			s.msg(MsgCommandAborted, e.Op.String())
		}
	}
	if s.tun.busy && !s.queue.ContainsTunneled() {
		s.failTunnel()
	}
	if poc := s.req.poc; poc != nil {
		s.req.poc = nil
		s.handlePOC(now, poc)
	}
	if !s.canCommand() {
		return
	}

	if s.req.userMsgSet {
		s.req.userMsgSet = false
		s.enqueueRecord(&qdp.UserMessage{Text: s.req.userMsg}, 0)
	}
	if ping := s.req.regPing; ping != nil {
		s.req.regPing = nil
		s.enqueuePing(ping.ID, ping.Data)
	}
	if s.req.statusNow {
		s.req.statusNow = false
		s.enqueueStatus(s.cfg.StatusBitmap() | s.req.extraStatus)
	}
	for i, want := range s.req.fetch {
		if !want {
			continue
		}
		s.req.fetch[i] = false
		s.enqueueBlockRequest(qdp.Block(i)) //nolint:gosec // bounded by NumBlocks
	}
	for _, set := range s.req.sets {
		s.enqueueCommand(set.op, set.payload, 0)
	}
	s.req.sets = s.req.sets[:0]

	if t := s.req.tunnel; t != nil && !s.tun.busy {
		s.req.tunnel = nil
		if s.queue.Enqueue(t.cmd, qdp.MaxPayload, true) {
			s.tun = *t
			s.tun.busy = true
		} else {
			s.logger.Warn("tunneled command not queued", "op", t.cmd.String())
		}
	}
}

func (s *Session) enqueueBlockRequest(blk qdp.Block) {
	op := blk.RequestOpcode()
	switch blk {
	case qdp.BlockFlags, qdp.BlockLog:
		s.enqueueRecord(&qdp.DataPortRequest{
			Op:   op,
			Port: uint16(s.cfg.DataPort() - 1), //nolint:gosec // validated data port
		}, blk.EstimatedSize())
	default:
		s.enqueueCommand(op, nil, blk.EstimatedSize())
	}
}

// handlePOC applies a point of contact: a new address for a dynamic address session.
func (s *Session) handlePOC(now time.Time, poc *pointOfContact) {
	changed := poc.addr != s.cfg.Address()
	s.cfg.setContact(poc.addr, poc.basePort)
	s.stats.Add(opstat.POCs, 1)
	s.noIPLogged = false
	s.msg(MsgPOCReceived, net.JoinHostPort(poc.addr, strconv.Itoa(s.cfg.BasePort())))
	if !changed {
		if s.state == StateWait && s.target == StateWait {
			s.waitUntil = now
		}

		return
	}

	s.stats.Add(opstat.NewIP, 1)
	switch s.state {
	case StateIdle, StateTerminated, StatePing:
	case StateWait:
		s.waitUntil = now
	default:
		// re-register at the new address
		s.waitFor(ReasonNone, 0, nil)
	}
}

func (s *Session) completeTunnel(p *qdp.Packet) {
	s.tunnel.Store(s.tun.resp, p)
	s.logger.Debug("tunneled command completed", "op", s.tun.cmd.String(), "reply", p.Command.String())
	s.event(StateEvent{Type: EventTunnel, Info: uint32(p.Command)})
	s.tun = tunnelState{}
}

func (s *Session) failTunnel() {
	s.logger.Debug("tunneled command failed", "op", s.tun.cmd.String())
	s.event(StateEvent{Type: EventTunnel, Err: ReasonCommandTimeout})
	s.tun = tunnelState{}
}

// Register asks the session to register and stream data.
func (s *Session) Register() error {
	return s.ChangeState(StateRunWait, ReasonNone)
}

// Deregister asks the session to deregister and stay idle.
func (s *Session) Deregister() error {
	return s.ChangeState(StateIdle, ReasonClosed)
}

// ChangeState sets the target state. Collaborators may target Idle, Wait, RunWait and,
// from RunWait, Run. A Wait target uses the registration retry as cooldown.
func (s *Session) ChangeState(target State, reason Reason) error {
	switch target {
	case StateIdle, StateWait, StateRunWait, StateRun:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.target == StateTerminated || s.state == StateTerminated {
		return ErrClosed
	}
	switch target {
	case StateRun:
		if s.state != StateRunWait && s.state != StateRun {
			return fmt.Errorf("%w: run from %s", ErrInvalidState, s.state)
		}
		s.setTarget(target, reason, nil)
	case StateWait:
		s.waitFor(reason, s.cfg.RegisterRetry(), nil)
	default:
		s.setTarget(target, reason, nil)
	}

	return nil
}

// Terminate asks the session to deregister, save its continuity and stop. It does not
// wait; see Close and WaitState.
func (s *Session) Terminate() {
	s.mu.Lock()
	s.setTarget(StateTerminated, ReasonClosed, nil)
	s.mu.Unlock()
}

// WaitState blocks until the session reaches state or ctx is done.
func (s *Session) WaitState(ctx context.Context, state State) error {
	return s.stateMgr.WaitState(ctx, state)
}

// State returns the current state.
func (s *Session) State() State {
	return s.stateMgr.State()
}

// Snapshot is a copy of the session state.
type Snapshot struct {
	ID         string
	Station    string
	Serial     uint64
	Address    string
	DataPort   int
	State      State
	Target     State
	Reason     Reason
	Registered bool
	Configured bool
	Base96     bool
	Queue      cmdq.Snapshot
	Stats      [opstat.NumAccTypes]opstat.Totals
	Channels   int
	LastStatus time.Time
	LastData   time.Time
	DataTime   time.Time

	// DataSequence is the extended sequence of the last data packet.
	DataSequence uint32
}

// Snapshot copies the session state under the session lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		ID:           s.id,
		Station:      s.stationLabel(),
		Serial:       s.cfg.Serial(),
		Address:      s.cfg.Address(),
		DataPort:     s.cfg.DataPort(),
		State:        s.state,
		Target:       s.target,
		Reason:       s.reason,
		Registered:   s.registered,
		Configured:   s.haveConfig,
		Base96:       s.base96,
		Queue:        s.queue.Snapshot(),
		Stats:        s.stats.Summary(),
		Channels:     len(s.channels.All()),
		LastStatus:   s.lastStatus,
		LastData:     s.lastData,
		DataTime:     s.dataTime,
		DataSequence: s.system.LastSequence,
	}
}

// RequestStatus changes the periodic status poll and requests a status now.
func (s *Session) RequestStatus(bits qdp.StatusBits, interval time.Duration) error {
	if err := s.cfg.Update(WithStatusBitmap(bits), WithStatusInterval(interval)); err != nil {
		return err
	}
	s.mu.Lock()
	s.req.statusNow = true
	s.nextStatus = s.now().Add(interval)
	s.mu.Unlock()

	return nil
}

// Status returns the last status reply carrying bit. Before one arrived it returns
// ErrNotAvailable and schedules a request.
func (s *Session) Status(bit qdp.StatusBits) (*qdp.Status, error) {
	if st, ok := s.status.Load(bit); ok {
		return st, nil
	}
	s.mu.Lock()
	s.req.extraStatus |= bit
	s.req.statusNow = true
	s.mu.Unlock()

	return nil, ErrNotAvailable
}

// Config returns the payload of a cached configuration block. Before the block was read
// it returns ErrNotAvailable and schedules a read.
func (s *Session) Config(blk qdp.Block) ([]byte, error) {
	if !blk.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, blk)
	}
	if b, ok := s.blocks.Load(blk); ok {
		return b, nil
	}
	s.mu.Lock()
	s.req.fetch[blk] = true
	s.mu.Unlock()

	return nil, ErrNotAvailable
}

// SetConfig writes a configuration block. The cache is updated when the device
// acknowledged it.
func (s *Session) SetConfig(blk qdp.Block, payload []byte) error {
	if !blk.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, blk)
	}
	op, ok := blk.SetOpcode()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSettable, blk)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return ErrNotRegistered
	}
	s.req.sets = append(s.req.sets, blockSet{op: op, payload: payload})

	return nil
}

// AbortCommand drops the command in flight.
func (s *Session) AbortCommand() {
	s.mu.Lock()
	s.req.abort = true
	s.mu.Unlock()
}

// Ping sends a ping over the registration. The reply is reported by an EventPing.
func (s *Session) Ping(id uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return ErrNotRegistered
	}
	s.req.regPing = &qdp.Ping{Type: qdp.PingEcho, ID: id, Data: data}

	return nil
}

// UnregisteredPing pings the configuration port of an idle session without registering.
// The reply is reported by an EventPing and the session returns to Idle.
func (s *Session) UnregisteredPing(id uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || s.target != StateIdle {
		return fmt.Errorf("%w: ping from %s", ErrInvalidState, s.state)
	}
	s.req.ping = &qdp.Ping{Type: qdp.PingEcho, ID: id, Data: data}
	s.setTarget(StatePing, ReasonNone, nil)

	return nil
}

// SendTunneled sends an opaque command. The reply, expected with opcode resp or as an
// error, is fetched with TunnelResponse after an EventTunnel.
func (s *Session) SendTunneled(cmd, resp qdp.Opcode, payload []byte) error {
	if len(payload) > qdp.MaxPayload {
		return fmt.Errorf("%w: tunneled payload of %d bytes", ErrInvalidConfig, len(payload))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return ErrNotRegistered
	}
	if s.tun.busy || s.req.tunnel != nil {
		return ErrTunnelBusy
	}
	s.tunnel.Delete(resp)
	s.req.tunnel = &tunnelState{cmd: cmd, resp: resp, payload: payload}

	return nil
}

// TunnelResponse returns and clears the reply of the tunneled command expecting resp.
func (s *Session) TunnelResponse(resp qdp.Opcode) (*qdp.Packet, error) {
	if p, ok := s.tunnel.LoadAndDelete(resp); ok {
		return p, nil
	}

	return nil, ErrNotAvailable
}

// SendUserMessage sends a line of text to the device log.
func (s *Session) SendUserMessage(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return ErrNotRegistered
	}
	s.req.userMsg = text
	s.req.userMsgSet = true

	return nil
}

// SetVerbosity replaces the verbosity and returns the previous one.
func (s *Session) SetVerbosity(v Verbosity) Verbosity {
	old := s.cfg.Verbosity()
	if err := s.cfg.Update(WithVerbosity(v)); err != nil {
		s.logger.Warn("set verbosity failed", "error", err)
	}

	return old
}

// PointOfContact supplies the device address of a dynamic address session. A basePort
// of zero keeps the configured one.
func (s *Session) PointOfContact(addr string, basePort int) error {
	if addr == "" || basePort < 0 || basePort > 0xFFFF-2*MaxDataPort-1 {
		return fmt.Errorf("%w: point of contact %q:%d", ErrInvalidConfig, addr, basePort)
	}

	s.mu.Lock()
	s.req.poc = &pointOfContact{addr: addr, basePort: basePort}
	s.mu.Unlock()

	return nil
}

// UpdateOptions applies runtime options to the session configuration.
func (s *Session) UpdateOptions(opts ...Option) error {
	return s.cfg.Update(opts...)
}
