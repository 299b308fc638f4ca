package session

import (
	"time"

	"github.com/arloliu/go-q330/qdp"
)

// EventType identifies the kind of a StateEvent.
type EventType uint8

const (
	// EventState reports a change of the session state.
	EventState EventType = iota
	// EventStatus reports new status blocks; Info holds the status bitmap received.
	EventStatus
	// EventConfig reports a configuration block read from the device.
	EventConfig
	// EventStall reports the link stall flag; Info is 1 when raised and 0 when cleared.
	EventStall
	// EventPing reports a ping reply; Info is 0xFFFFFFFF when the ping timed out.
	EventPing
	// EventTick is raised once per second while a link is open.
	EventTick
	// EventOpStat is raised after every statistics minute roll.
	EventOpStat
	// EventTunnel reports that the reply of a tunneled command arrived.
	EventTunnel
	// EventBalerReady reports a baler ready announcement of the device.
	EventBalerReady
)

var eventNames = [...]string{
	EventState:      "state",
	EventStatus:     "status",
	EventConfig:     "config",
	EventStall:      "stall",
	EventPing:       "ping",
	EventTick:       "tick",
	EventOpStat:     "opstat",
	EventTunnel:     "tunnel",
	EventBalerReady: "baler-ready",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}

	return "unknown"
}

// PingTimedOut is the Info of an EventPing without reply.
const PingTimedOut uint32 = 0xFFFFFFFF

// StateEvent is delivered to Handler.HandleState.
type StateEvent struct {
	Type EventType
	// Station is the "NN-SSSSS" identifier once tokens were read, else the configured name.
	Station string
	// State and Reason are the session state and reason at the time of the event.
	State  State
	Reason Reason
	// Prev is the previous state of an EventState.
	Prev State
	// Err is the error behind the reason, if any.
	Err error
	// Info carries the event specific value.
	Info uint32
	// Block is the configuration block of an EventConfig.
	Block qdp.Block
	Time  time.Time
}

// DataRecord is one validated data packet handed to Handler.HandleData.
type DataRecord struct {
	// Sequence is the extended data packet sequence number.
	Sequence uint32
	Channel  uint8
	Flags    uint8
	Data     []byte
	Time     time.Time
}

// Handler receives the callbacks of a session. The methods are called from the session
// worker after it released the session lock, so they may call back into the session.
// They must not block for long.
type Handler interface {
	HandleState(ev StateEvent)
	HandleMessage(msg Message)
	HandleData(rec DataRecord)
}

// NopHandler ignores all callbacks. Embed it to implement only some of them.
type NopHandler struct{}

func (NopHandler) HandleState(StateEvent) {}
func (NopHandler) HandleMessage(Message) {}
func (NopHandler) HandleData(DataRecord) {}

var _ Handler = NopHandler{}
