package cmdq

import (
	"fmt"
	"time"

	"github.com/arloliu/go-q330/qdp"
)

// Phase is the command phase of the queue.
type Phase uint8

const (
	// PhaseIdle means no command is pending or in flight.
	PhaseIdle Phase = iota
	// PhaseNeed means the head entry must be sent.
	PhaseNeed
	// PhaseWait means the head entry was sent and awaits its acknowledgment.
	PhaseWait
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseNeed:
		return "need"
	case PhaseWait:
		return "wait"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Size overheads of one packet on the link.
const (
	// PacketOverhead is the IP, UDP and QDP header size added to every payload.
	PacketOverhead = qdp.IPHeaderSize + qdp.UDPHeaderSize + qdp.HeaderSize
	// tunneledEstimate is the reply estimate of a tunneled command, whose reply size is
	// unknown to the host.
	tunneledEstimate = qdp.MaxPacketSize
)

// Entry is one queued command.
type Entry struct {
	// Op is the command opcode.
	Op qdp.Opcode
	// Tunneled marks an opaque command supplied by a collaborator.
	Tunneled bool
	// SendSize is the size of the last transmission including headers.
	SendSize int
	// EstSize is the estimated reply size including headers.
	EstSize int
	// RetSize accumulates the received reply bytes including headers.
	RetSize int
	// Sent is the time of the last transmission.
	Sent time.Time
}

func newEntry(op qdp.Opcode, estSize int, tunneled bool) *Entry {
	e := &Entry{Op: op, Tunneled: tunneled}
	if tunneled {
		e.EstSize = tunneledEstimate
	} else {
		e.EstSize = estSize + PacketOverhead
	}

	return e
}
