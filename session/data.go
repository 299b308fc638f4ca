package session

import (
	"fmt"

	"github.com/arloliu/go-q330/opstat"
	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/transport"
)

// dataWindow tracks the data packet sequence of the open data port. Sequence numbers
// are extended to 32 bits across wraps of the 16-bit header field.
type dataWindow struct {
	synced bool
	last   uint16
	ext    uint32
	ackDue bool
}

func (w *dataWindow) reset() {
	*w = dataWindow{}
}

// accept records seq. It returns the extended sequence, the number of packets skipped
// before seq and whether seq was already seen. The first packet after a reset syncs the
// window.
func (w *dataWindow) accept(seq uint16) (ext uint32, missing int, dup bool) {
	if !w.synced {
		w.synced = true
		w.last = seq
		w.ext = uint32(seq)

		return w.ext, 0, false
	}

	diff := seq - w.last
	if diff == 0 || diff >= 0x8000 {
		return 0, 0, true
	}
	w.last = seq
	w.ext += uint32(diff)

	return w.ext, int(diff) - 1, false
}

// handleData handles a packet of the data channel.
func (s *Session) handleData(p *qdp.Packet) {
	switch p.Command {
	case qdp.OpData, qdp.OpDataFill:
	default:
		s.logger.Debug("data channel packet ignored", "op", p.Command.String())
		return
	}
	if s.state != StateRun {
		s.logger.Debug("data outside run", "state", s.state.String(), "seq", p.Sequence)
		return
	}

	now := s.now()
	s.lastData = now
	ext, missing, dup := s.data.accept(p.Sequence)
	s.data.ackDue = true
	if dup {
		s.logger.Debug("duplicate data packet", "seq", p.Sequence)
		return
	}
	if missing > 0 {
		s.stats.Add(opstat.Gaps, 1)
		s.stats.Add(opstat.Missing, int32(missing)) //nolint:gosec // below 0x8000
		s.msg(MsgSequenceGap, fmt.Sprintf("%d packets before %d", missing, ext))
	}

	s.stats.Add(opstat.Packets, 1)
	s.stats.Add(opstat.Throughput, int32(len(p.Payload))) //nolint:gosec // bounded by MaxPayload
	s.system.LastSequence = ext
	if !s.dataTime.IsZero() {
		s.system.LastData = s.dataTime
	}

	if p.Command == qdp.OpDataFill {
		s.stats.Add(opstat.Fill, 1)
		return
	}

	var rec qdp.DataRecord
	if err := qdp.UnmarshalRecord(p, &rec); err != nil {
		s.protocolError(transport.Data, err)
		return
	}
	for _, blk := range rec.Blocks {
		s.notices.pushData(DataRecord{
			Sequence: ext,
			Channel:  blk.Channel,
			Flags:    blk.Flags,
			Data:     blk.Data,
			Time:     now,
		})
	}
}

// flushAck acknowledges the data received since the last fast tick with one DT_DACK.
func (s *Session) flushAck() {
	if !s.data.ackDue || s.link == nil || s.state != StateRun {
		return
	}
	s.data.ackDue = false

	pkt, err := qdp.EncodeRecord(&qdp.DataAck{}, 0, s.data.last)
	if err != nil {
		s.logger.Error("encode data ack failed", "error", err)
		return
	}
	if err := s.sendData(pkt); err != nil {
		s.handleSendError(err)
	}
}
