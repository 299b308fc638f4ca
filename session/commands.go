package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-q330/cmdq"
	"github.com/arloliu/go-q330/opstat"
	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/transport"
)

// enqueueCommand queues op with payload. The queue only tracks opcodes, so the payload
// is kept until the command completes; a coalesced request replaces it.
func (s *Session) enqueueCommand(op qdp.Opcode, payload []byte, estSize int) bool {
	if !s.queue.Enqueue(op, estSize, false) {
		s.logger.Warn("command not queued", "op", op.String(), "link_down", s.queue.Snapshot().Blocked)
		return false
	}
	s.pending[op] = payload

	return true
}

func (s *Session) enqueueRecord(rec qdp.Record, estSize int) bool {
	return s.enqueueCommand(rec.Opcode(), qdp.MarshalRecord(rec), estSize)
}

func (s *Session) enqueueStatus(bits qdp.StatusBits) bool {
	return s.enqueueRecord(&qdp.StatusRequest{Bitmap: bits}, qdp.StatusEstimate(bits))
}

func (s *Session) enqueuePing(id uint16, data []byte) bool {
	ping := &qdp.Ping{Type: qdp.PingEcho, ID: id, Data: data}
	return s.enqueueRecord(ping, len(data)+4)
}

// sendCommand is the cmdq.SendFunc of the session.
func (s *Session) sendCommand(e *cmdq.Entry, seq uint16) (int, error) {
	payload := s.pending[e.Op]
	if e.Tunneled {
		payload = s.tun.payload
	}

	pkt, err := qdp.Encode(e.Op, seq, 0, payload)
	if err != nil {
		return 0, err
	}
	if s.base96 {
		pkt = qdp.EncodeBase96(pkt, 0)
	}
	s.msg(MsgPacketOut, fmt.Sprintf("%s seq=%d len=%d", e.Op, seq, len(payload)))

	return len(payload), s.send(transport.Control, pkt)
}

// sendData writes a packet on the data channel.
func (s *Session) sendData(pkt []byte) error {
	return s.send(transport.Data, pkt)
}

// tickQueue expires and sends commands.
func (s *Session) tickQueue(now time.Time) {
	if s.link == nil {
		return
	}
	s.handleQueueResult(s.queue.Tick(now, s.sendCommand))
}

// dispatchQueue sends a command enqueued during this tick without waiting for the next.
func (s *Session) dispatchQueue(now time.Time) {
	if s.link == nil {
		return
	}
	s.handleQueueResult(s.queue.Dispatch(now, s.sendCommand))
}

func (s *Session) handleQueueResult(res cmdq.Result) {
	switch {
	case res.PingTimeout && res.Tunneled:
		s.stats.Add(opstat.CmdTimeouts, 1)
		return

	case res.PingTimeout:
		s.stats.Add(opstat.CmdTimeouts, 1)
		delete(s.pending, qdp.OpPing)
		s.event(StateEvent{Type: EventPing, Info: PingTimedOut})
		if s.state == StatePing {
			s.setTarget(StateIdle, ReasonNone, nil)
		}

		return

	case res.Exhausted:
		s.stats.Add(opstat.CmdTimeouts, 1)
		clear(s.pending)
		s.commandTimeout(res.Op, res.Err)

		return

	case res.Expired:
		s.stats.Add(opstat.CmdTimeouts, 1)
		s.msg(MsgRetry, res.Op.String())
	}

	if res.Err != nil {
		s.handleSendError(res.Err)
	}
}

// handleSendError reports a failed transmission. The command queue already forced the
// retry counter of the command to its cap.
func (s *Session) handleSendError(err error) {
	s.stats.Add(opstat.IOErrors, 1)
	s.msg(MsgCantSend, err.Error())

	var terr *TransportError
	if errors.As(err, &terr) && terr.Fatal && s.link != nil {
		s.handleLinkError("send", terr.Err)
	}
}

// commandTimeout leaves the current attempt after a command exceeded its retries.
func (s *Session) commandTimeout(op qdp.Opcode, err error) {
	s.logger.Warn("command timed out", "op", op.String(), "state", s.state.String(), "error", err)
	if s.tun.busy {
		s.failTunnel()
	}

	switch s.state {
	case StateDereg:
		s.finishDeregistration(false)
	case StatePing:
		s.setTarget(StateIdle, ReasonCommandTimeout, err)
	case StateIdle, StateWait, StateTerminated:
	default:
		s.waitFor(ReasonCommandTimeout, s.cfg.RegisterRetry(), err)
	}
}

// protocolError counts and drops a packet that failed validation.
func (s *Session) protocolError(ch transport.Channel, err error) {
	perr := &ProtocolError{Channel: ch, Err: err}
	if qdp.IsIntegrityError(err) {
		s.stats.Add(opstat.Checksum, 1)
	} else {
		s.stats.Add(opstat.IOErrors, 1)
	}
	s.logger.Debug("packet dropped", "error", perr)
}
