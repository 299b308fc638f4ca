package session

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/arloliu/go-q330/cmdq"
	"github.com/arloliu/go-q330/continuity"
	"github.com/arloliu/go-q330/opstat"
	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/transport"
)

// qdpEpoch is the origin of device time tags.
var qdpEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// memoryRead tracks the token memory read of ReadTokens.
type memoryRead struct {
	offset uint32
	buf    []byte
}

// handleFrame validates one received frame and dispatches the packet.
func (s *Session) handleFrame(f transport.Frame) {
	s.stats.Add(opstat.Read, int32(len(f.Data))) //nolint:gosec // bounded by frame size

	var (
		p   *qdp.Packet
		err error
	)
	if f.Channel == transport.Data {
		p, err = qdp.Decode(f.Data)
	} else {
		p, err = s.decoder.Decode(f.Data)
		if err == nil && s.decoder.SwitchedMode() {
			s.base96 = s.decoder.Base96()
			s.logger.Info("link encoding switched", "base96", s.base96)
		}
	}
	if err != nil {
		s.protocolError(f.Channel, err)
		return
	}
	s.msg(MsgPacketIn, fmt.Sprintf("%s seq=%d ack=%d len=%d", p.Command, p.Sequence, p.Ack, len(p.Payload)))

	if f.Channel == transport.Data || p.Command.IsData() {
		s.handleData(p)
		return
	}
	s.handleControl(p)
}

// handleControl handles a control channel packet.
func (s *Session) handleControl(p *qdp.Packet) {
	now := s.now()

	switch {
	case p.Command == qdp.OpBalerReady:
		s.handleBalerReady(p)
		return
	case !p.Command.Known() || !p.Command.IsResponse():
		s.stats.Add(opstat.IOErrors, 1)
		s.msg(MsgUnknownCommand, fmt.Sprintf("%02X", uint8(p.Command)))
		return
	case s.queue.Phase() != cmdq.PhaseWait || p.Ack != s.queue.LastSeq():
		s.stats.Add(opstat.SeqErrors, 1)
		s.logger.Debug("unexpected acknowledgment", "op", p.Command.String(), "ack", p.Ack, "last_seq", s.queue.LastSeq())
		return
	}

	if p.Command == qdp.OpCommandError {
		entry, ok := s.queue.OnError(p.Ack)
		if !ok {
			return
		}
		if !entry.Tunneled {
			delete(s.pending, entry.Op)
		}
		var cerr qdp.CommandError
		if err := qdp.UnmarshalRecord(p, &cerr); err != nil {
			s.protocolError(transport.Control, err)
			return
		}
		if entry.Tunneled {
			s.completeTunnel(p)
			return
		}
		s.handleCommandError(entry.Op, cerr.Code)

		return
	}

	entry, ok := s.queue.OnAck(p.Ack, len(p.Payload), now)
	if !ok {
		return
	}
	if entry.Tunneled {
		s.completeTunnel(p)
		return
	}
	sent := s.pending[entry.Op]
	delete(s.pending, entry.Op)

	switch p.Command {
	case qdp.OpServerChallenge:
		s.handleChallenge(p)
	case qdp.OpCommandAck:
		s.handleAck(now, entry.Op, sent)
	case qdp.OpFlags:
		s.handleFlags(now, p)
	case qdp.OpStatus:
		s.handleStatus(now, p)
	case qdp.OpMemory:
		s.handleMemory(now, p)
	case qdp.OpPing:
		s.handlePing(now, entry.Sent, p)
	case qdp.OpFixed, qdp.OpGlobal, qdp.OpPhysical, qdp.OpLog, qdp.OpGlobalIDs:
		blk, _ := qdp.BlockForReply(p.Command)
		s.cacheBlock(blk, p.Payload)
	case qdp.OpMySerial:
		var sn qdp.MySerial
		if err := qdp.UnmarshalRecord(p, &sn); err != nil {
			s.protocolError(transport.Control, err)
			return
		}
		s.logger.Debug("serial number reply", "serial", formatSerial(sn.Serial))
	default:
		s.logger.Debug("reply ignored", "op", p.Command.String(), "request", entry.Op.String())
	}
}

// handleAck handles a CACK for the command op whose payload was sent.
func (s *Session) handleAck(now time.Time, op qdp.Opcode, sent []byte) {
	switch op {
	case qdp.OpServerResponse:
		if s.state == StateRegistering {
			s.handleRegistered(now)
		}
	case qdp.OpDeregister, qdp.OpBackOff:
		if s.state == StateDereg {
			s.finishDeregistration(true)
		}
	case qdp.OpUserMessage:
		s.logger.Debug("user message delivered")
	default:
		if blk, ok := qdp.BlockForSet(op); ok {
			s.cacheBlock(blk, sent)
		}
	}
}

func (s *Session) cacheBlock(blk qdp.Block, payload []byte) {
	s.blocks.Store(blk, bytes.Clone(payload))
	s.event(StateEvent{Type: EventConfig, Block: blk})
}

// handleCommandError reacts to a CERR reply to op.
func (s *Session) handleCommandError(op qdp.Opcode, code qdp.ErrorCode) {
	cerr := &CommandError{Op: op, Code: code}
	reason := ReasonFromErrorCode(code)
	s.logger.Warn("command rejected", "op", op.String(), "code", code.String(), "state", s.state.String())

	switch code {
	case qdp.ErrCodeTooManyServers:
		wait := s.cfg.RegisterRetry()
		s.msg(MsgPortInUse, formatMinutes(wait))
		s.waitFor(ReasonTMServ, wait, cerr)
	case qdp.ErrCodeNotRegistered:
		wait := s.cfg.NotRegisteredWait()
		s.msg(MsgNotRegistered, formatMinutes(wait))
		s.registered = false
		s.waitFor(ReasonNotRegistered, wait, cerr)
	case qdp.ErrCodeInvalidRegister:
		s.msg(MsgInvalidRegistration, "")
		s.registered = false
		s.setTarget(StateIdle, ReasonInvalidRegistration, &AuthError{Reason: ReasonInvalidRegistration})
	case qdp.ErrCodeStructNotValid:
		if s.state == StateReadTokens {
			s.msg(MsgInvalidTokens, "")
			s.waitFor(ReasonInvalidTokens, s.cfg.NotRegisteredWait(), cerr)
		} else {
			s.msg(MsgStructNotValid, op.String())
		}
	case qdp.ErrCodePermission:
		s.msg(MsgPermission, "")
	case qdp.ErrCodeParameter:
		s.msg(MsgParameterError, op.String())
	case qdp.ErrCodeControlOnly:
		s.msg(MsgControlOnly, "")
	case qdp.ErrCodeSpecialOnly:
		s.msg(MsgSpecialOnly, "")
	case qdp.ErrCodeConsoleOnly:
		s.msg(MsgConsoleOnly, "")
	case qdp.ErrCodeMemoryBusy:
		s.msg(MsgMemoryBusy, "")
	case qdp.ErrCodeCalibrating:
		s.msg(MsgCalibrating, "")
	default:
		s.msg(MsgParameterError, fmt.Sprintf("%s: %s", op, reason))
	}

	if s.state == StateDereg {
		s.finishDeregistration(false)
	}
}

// handleFlags handles FGLS: the fixed values and the logical port block of the data port.
func (s *Session) handleFlags(now time.Time, p *qdp.Packet) {
	var fl qdp.Flags
	if err := qdp.UnmarshalRecord(p, &fl); err != nil {
		s.protocolError(transport.Control, err)
		return
	}
	prev := s.flags
	s.flags = &fl
	s.blocks.Store(qdp.BlockFixed, qdp.MarshalRecord(&fl.Fixed))
	s.cacheBlock(qdp.BlockFlags, p.Payload)

	if s.system.Reboots != 0 && fl.Fixed.Reboots != s.system.Reboots {
		s.stats.Add(opstat.Boots, 1)
	}
	s.system.Serial = fl.Fixed.Serial
	s.system.Reboots = fl.Fixed.Reboots

	if !fl.DataPortEnabled() {
		s.msg(MsgDataDisabled, "")
		s.waitFor(ReasonInvalidConfig, s.cfg.NotRegisteredWait(), ReasonInvalidConfig)
		return
	}

	switch s.state {
	case StateReadConfig:
		s.newState(StateReadTokens)
		s.msg(MsgReadTokens, "")
		s.mem = memoryRead{}
		s.requestMemory()
	case StateRun, StateRunWait:
		if prev != nil && !bytes.Equal(prev.DataPort, fl.DataPort) {
			s.msg(MsgLogChange, "")
			s.setTarget(StateRunWait, ReasonTokensChanged, nil)
			if s.state == StateRunWait {
				s.startDeallocation(now)
			}
		}
	}
}

func (s *Session) requestMemory() {
	s.enqueueRecord(&qdp.MemoryRequest{
		Start: s.mem.offset,
		Count: qdp.MaxMemorySegment,
		Type:  qdp.TokenMemory(s.cfg.DataPort()),
	}, qdp.MaxMemorySegment+12)
}

// handleMemory collects the token memory segments.
func (s *Session) handleMemory(now time.Time, p *qdp.Packet) {
	var seg qdp.MemorySegment
	if err := qdp.UnmarshalRecord(p, &seg); err != nil {
		s.protocolError(transport.Control, err)
		return
	}
	if s.state != StateReadTokens {
		s.logger.Debug("memory segment outside token read", "state", s.state.String())
		return
	}
	s.mem.buf = append(s.mem.buf, seg.Data...)
	s.mem.offset = seg.Start + uint32(len(seg.Data)) //nolint:gosec // bounded by MaxMemorySegment

	if !seg.Last() && len(seg.Data) > 0 {
		s.requestMemory()
		return
	}
	s.rawToken = s.mem.buf
	s.mem = memoryRead{}
	s.msg(MsgTokensRead, fmt.Sprintf("%d", len(s.rawToken)))
	s.lastStatus = now
	s.newState(StateDecodeTokens)
	s.setTarget(StateRunWait, ReasonNone, nil)
}

// decodeTokens applies the token memory to the channel table and the station identity.
func (s *Session) decodeTokens(now time.Time) {
	tokens, err := qdp.DecodeTokens(s.rawToken)
	if err != nil {
		s.msg(MsgInvalidTokens, err.Error())
		s.waitFor(ReasonInvalidTokens, s.cfg.NotRegisteredWait(), err)
		s.startDeregistration(now)

		return
	}
	if prev := s.tokens; prev != nil && prev.Ident() != tokens.Ident() {
		s.msg(MsgTokensChanged, tokens.Ident())
	}
	s.tokens = tokens
	s.ident = tokens.Ident()
	s.applyChannels(tokens)
	s.haveConfig = true

	s.msg(MsgStation, s.ident+", "+s.cfg.HostSoftware())
	if s.cfg.Verbosity()&VerbSDump != 0 {
		s.dumpTokens(tokens)
	}

	s.newState(StateRunWait)
	if s.cfg.AutoRun() {
		s.setTarget(StateRun, ReasonNone, nil)
	}
	s.nextStatus = now
}

// applyChannels updates the channel table from tokens: existing channels keep their
// counters, new ones are added and channels no longer configured are invalidated.
func (s *Session) applyChannels(t *qdp.Tokens) {
	keep := make(map[continuity.ChannelHandle]bool)
	add := func(ch continuity.Channel) {
		if h, ok := s.channels.Lookup(ch.Location, ch.Name); ok {
			cur, _ := s.channels.Get(h)
			cur.Source = ch.Source
			cur.Options = ch.Options
			cur.FrameLimit = ch.FrameLimit
			cur.GapThreshold = ch.GapThreshold
			cur.Valid = true
			keep[h] = true

			return
		}
		keep[s.channels.Add(ch)] = true
	}

	if t.MessageName != "" {
		add(continuity.Channel{
			Location: strings.TrimSpace(t.MessageLocation),
			Name:     strings.TrimSpace(t.MessageName),
			Source:   continuity.SourceMessage,
		})
	}
	for i := range t.DPChannels {
		tc := &t.DPChannels[i]
		add(continuity.Channel{
			Location:     strings.TrimSpace(tc.Location),
			Name:         strings.TrimSpace(tc.Name),
			Source:       tc.Source,
			Options:      tc.Options,
			FrameLimit:   uint16(tc.FrameLimit),
			GapThreshold: tc.GapThreshold,
		})
	}

	for h := range s.channels.Len() {
		if !keep[continuity.ChannelHandle(h)] {
			s.channels.Invalidate(continuity.ChannelHandle(h))
		}
	}
}

func (s *Session) dumpTokens(t *qdp.Tokens) {
	s.logger.Info("tokens", "version", t.Version, "network", t.Network, "station", t.Station,
		"channels", len(t.Channels), "dp_channels", len(t.DPChannels), "skipped", t.Skipped)
	for i := range t.DPChannels {
		ch := &t.DPChannels[i]
		s.logger.Info("dp channel", "name", ch.Key(), "source", ch.Source, "rate", ch.Rate,
			"options", fmt.Sprintf("%08X", ch.Options))
	}
}

// handleStatus caches a STAT reply per status block.
func (s *Session) handleStatus(now time.Time, p *qdp.Packet) {
	st := &qdp.Status{}
	if err := qdp.UnmarshalRecord(p, st); err != nil {
		s.protocolError(transport.Control, err)
		return
	}
	s.lastStatus = now
	for bit := qdp.StatusGlobal; bit <= qdp.StatusDataPort; bit <<= 1 {
		if st.Bitmap.Has(bit) {
			s.status.Store(bit, st)
		}
	}
	if g, ok := st.Global.Get(); ok {
		s.dataTime = qdpEpoch.Add(time.Duration(g.SecondsOffset) * time.Second)
		s.system.LastQuality = g.ClockQuality
	}
	s.req.extraStatus = 0
	s.event(StateEvent{Type: EventStatus, Info: uint32(st.Bitmap)})
}

// handlePing reports the round trip of a ping reply.
func (s *Session) handlePing(now, sent time.Time, p *qdp.Packet) {
	var ping qdp.Ping
	if err := qdp.UnmarshalRecord(p, &ping); err != nil {
		s.protocolError(transport.Control, err)
		return
	}
	rtt := now.Sub(sent)
	s.logger.Debug("ping reply", "id", ping.ID, "rtt", rtt)
	s.event(StateEvent{Type: EventPing, Info: uint32(rtt.Milliseconds())}) //nolint:gosec // bounded by the ping timeout
	if s.state == StatePing {
		s.setTarget(StateIdle, ReasonNone, nil)
	}
}
