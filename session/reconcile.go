package session

import (
	"time"

	"github.com/arloliu/go-q330/opstat"
	"github.com/arloliu/go-q330/qdp"
)

// deregTimeout bounds the wait for the acknowledgment of a deregistration.
const deregTimeout = 20 * time.Second

// reconcile moves the session one step from its current state towards the target.
func (s *Session) reconcile(now time.Time) {
	if s.state == s.target {
		return
	}

	switch s.target {
	case StateWait, StateIdle:
		s.leave(now, s.target)

	case StateRunWait:
		switch s.state {
		case StateDecodeTokens:
			s.decodeTokens(now)
		case StateRun:
			s.startDeallocation(now)
		case StateIdle:
			s.restoreChannels()
			s.startRegistration(now)
		case StateWait:
			s.startRegistration(now)
		}

	case StateRun:
		if s.state == StateRunWait {
			s.sendDataOpen(now)
			s.stats.Add(opstat.CommSuccess, 1)
			s.regFails = 0
			s.runStart = now
			s.lastData = now
			s.newState(StateRun)
		}

	case StatePing:
		if s.state == StateIdle {
			s.startPing(now)
		}

	case StateTerminated:
		s.leave(now, StateTerminated)
	}
}

// leave winds the session down towards a resting state: Wait, Idle or Terminated.
func (s *Session) leave(now time.Time, target State) {
	switch s.state {
	case StateIdle, StateWait:
		if s.state == StateIdle {
			s.restoreChannels()
		}
		s.enter(target)
	case StateConnecting, StateRegistering, StateAnnounce:
		s.queue.Purge()
		clear(s.pending)
		s.closeLink()
		s.enter(target)
	case StateReadConfig, StateReadTokens, StateDecodeTokens:
		s.startDeregistration(now)
	case StateRunWait, StateRun:
		s.startDeallocation(now)
	case StatePing:
		s.registered = false
		s.queue.Purge()
		clear(s.pending)
		s.closeLink()
		s.enter(target)
	}
}

// enter moves to a resting state.
func (s *Session) enter(state State) {
	if state == StateTerminated {
		s.finishTerminate()
		return
	}
	s.newState(state)
}

// startDeallocation releases the acquisition state of a configured session.
func (s *Session) startDeallocation(now time.Time) {
	s.newState(StateDealloc)
	s.msg(MsgDealloc, "")
	s.saveContinuity()

	switch s.reason {
	case ReasonTokensChanged:
		if s.target != StateTerminated {
			s.haveConfig = false
			s.startConfigRead(now)
			return
		}
		s.startDeregistration(now)
	case ReasonNotRegistered, ReasonTMServ, ReasonDataTimeout, ReasonNetFail:
		// the device no longer considers us registered
		s.registered = false
		s.queue.Purge()
		clear(s.pending)
		s.closeLink()
		s.haveConfig = false
		if s.target == StateTerminated {
			s.finishTerminate()
			return
		}
		s.newState(StateWait)
	default:
		s.startDeregistration(now)
	}
}

// startDeregistration asks the device to drop the registration.
func (s *Session) startDeregistration(now time.Time) {
	s.newState(StateDereg)
	s.queue.Purge()
	clear(s.pending)
	s.haveConfig = false
	s.deregStart = now

	if s.link == nil {
		s.finishDeregistration(false)
		return
	}

	if s.cfg.Verbosity()&VerbRegMsg != 0 {
		s.enqueuePing(0, nil)
		if s.req.userMsgSet {
			s.enqueueRecord(&qdp.UserMessage{Text: s.req.userMsg}, 0)
			s.req.userMsgSet = false
		}
	}
	serial := s.cfg.Serial()
	if s.cfg.BalerAnnounce() {
		s.enqueueCommand(qdp.OpBackOff, qdp.MarshalRecord(&qdp.Deregister{Serial: serial}), 0)
	} else {
		s.enqueueRecord(&qdp.Deregister{Serial: serial}, 0)
	}
	s.msg(MsgDeregWait, "")
}

// finishDeregistration completes Dereg after the acknowledgment, a timeout or a lost
// link.
func (s *Session) finishDeregistration(acked bool) {
	s.registered = false
	s.queue.Purge()
	clear(s.pending)
	if acked {
		s.msg(MsgDeregistered, "")
	}
	s.closeLink()

	switch s.target {
	case StateWait, StateIdle, StateTerminated:
		s.enter(s.target)
	default:
		s.waitFor(s.reason, s.cfg.RegisterRetry(), s.reasonErr)
		s.newState(StateWait)
	}
}

// finishTerminate saves the continuity, closes the link and enters Terminated.
func (s *Session) finishTerminate() {
	s.queue.Purge()
	clear(s.pending)
	s.saveContinuity()
	s.closeLink()
	s.registered = false
	s.target = StateTerminated
	s.newState(StateTerminated)
}

// startRegistration opens the link and starts the registration.
func (s *Session) startRegistration(now time.Time) {
	s.registered = false
	s.haveConfig = false
	s.regStart = now
	s.queue.Purge()
	s.queue.ResetHistory()
	clear(s.pending)
	s.reason = ReasonNone
	s.reasonErr = nil
	s.stats.Add(opstat.CommAttempts, 1)

	connected, err := s.openLink(false)
	if err != nil {
		s.msg(MsgSocketError, err.Error())
		s.netFail(&TransportError{Op: "open", Fatal: true, Err: err})
		return
	}
	if !connected {
		s.newState(StateConnecting)
		return
	}
	s.continueRegistration(now)
}

// continueRegistration starts the challenge exchange on an open link.
func (s *Session) continueRegistration(now time.Time) {
	s.regStart = now
	if s.cfg.BalerAnnounce() {
		s.newState(StateAnnounce)
		return
	}
	s.newState(StateRegistering)
	s.enqueueRecord(&qdp.ServerRequest{Serial: s.cfg.Serial()}, 0)
}

// startConfigRead reads the configuration blocks after registration.
func (s *Session) startConfigRead(now time.Time) {
	s.newState(StateReadConfig)
	s.lastStatus = now
	s.flags = nil
	s.enqueueRecord(&qdp.DataPortRequest{
		Op:   qdp.OpRequestFlags,
		Port: uint16(s.cfg.DataPort() - 1), //nolint:gosec // validated data port
	}, qdp.BlockFlags.EstimatedSize())
	s.enqueueCommand(qdp.OpRequestGlobalIDs, nil, qdp.BlockGlobalIDs.EstimatedSize())
	s.enqueueStatus(s.cfg.StatusBitmap() | s.req.extraStatus)
}

// startPing opens the configuration port link unregistered and sends a ping.
func (s *Session) startPing(now time.Time) {
	s.registered = false
	s.queue.Purge()
	clear(s.pending)

	if _, err := s.openLink(true); err != nil {
		s.msg(MsgSocketError, err.Error())
		s.setTarget(StateIdle, ReasonNetFail, &TransportError{Op: "open", Fatal: true, Err: err})
		return
	}
	s.regStart = now
	s.newState(StatePing)
	ping := s.req.ping
	if ping == nil {
		ping = &qdp.Ping{Type: qdp.PingEcho}
	}
	s.req.ping = nil
	s.enqueuePing(ping.ID, ping.Data)
}

// sendDataOpen asks the device to start streaming on the data port.
func (s *Session) sendDataOpen(now time.Time) {
	s.lastOpen = now
	s.data.reset()
	s.msg(MsgDataOpen, "")
	pkt, err := qdp.EncodeRecord(&qdp.DataOpen{}, 0, 0)
	if err != nil {
		s.logger.Error("encode data open failed", "error", err)
		return
	}
	if err := s.sendData(pkt); err != nil {
		s.handleSendError(err)
	}
}
