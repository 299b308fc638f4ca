package qdp

import "fmt"

// Record is a payload layout bound to one opcode.
type Record interface {
	Opcode() Opcode
	MarshalQDP(w *Writer)
}

// Unmarshaler is implemented by records that can be decoded from a payload.
type Unmarshaler interface {
	UnmarshalQDP(r *Reader) error
}

// MarshalRecord returns the payload bytes of rec.
func MarshalRecord(rec Record) []byte {
	w := NewWriter(64)
	rec.MarshalQDP(w)

	return w.Bytes()
}

// EncodeRecord builds a complete packet carrying rec.
func EncodeRecord(rec Record, seq, ack uint16) ([]byte, error) {
	return Encode(rec.Opcode(), seq, ack, MarshalRecord(rec))
}

// UnmarshalRecord decodes the payload of p into rec after checking the opcode.
func UnmarshalRecord[R interface {
	Record
	Unmarshaler
}](p *Packet, rec R) error {
	if p.Command != rec.Opcode() {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedOpcode, p.Command, rec.Opcode())
	}

	return rec.UnmarshalQDP(NewReader(p.Payload))
}

// ServerRequest starts a registration (RQSRV).
type ServerRequest struct {
	Serial uint64
}

func (*ServerRequest) Opcode() Opcode { return OpRequestServer }
func (m *ServerRequest) MarshalQDP(w *Writer) { w.U64(m.Serial) }
func (m *ServerRequest) UnmarshalQDP(r *Reader) error {
	m.Serial = r.U64()
	return r.Err()
}

// ServerChallenge is the device's registration challenge (SRVCH).
type ServerChallenge struct {
	Challenge uint64
	DPAddr    uint32 // data processor address as seen by the device
	DPPort    uint16
	DPReg     uint16 // registration number
}

func (*ServerChallenge) Opcode() Opcode { return OpServerChallenge }

func (m *ServerChallenge) MarshalQDP(w *Writer) {
	w.U64(m.Challenge)
	w.U32(m.DPAddr)
	w.U16(m.DPPort)
	w.U16(m.DPReg)
}

func (m *ServerChallenge) UnmarshalQDP(r *Reader) error {
	m.Challenge = r.U64()
	m.DPAddr = r.U32()
	m.DPPort = r.U16()
	m.DPReg = r.U16()

	return r.Err()
}

// ServerResponse answers a challenge (SRVRSP).
type ServerResponse struct {
	Serial           uint64
	Challenge        uint64
	DPAddr           uint32
	DPPort           uint16
	DPReg            uint16
	CounterChallenge uint64
	MD5              [16]byte
}

func (*ServerResponse) Opcode() Opcode { return OpServerResponse }

func (m *ServerResponse) MarshalQDP(w *Writer) {
	w.U64(m.Serial)
	w.U64(m.Challenge)
	w.U32(m.DPAddr)
	w.U16(m.DPPort)
	w.U16(m.DPReg)
	w.U64(m.CounterChallenge)
	w.Raw(m.MD5[:])
}

func (m *ServerResponse) UnmarshalQDP(r *Reader) error {
	m.Serial = r.U64()
	m.Challenge = r.U64()
	m.DPAddr = r.U32()
	m.DPPort = r.U16()
	m.DPReg = r.U16()
	m.CounterChallenge = r.U64()
	copy(m.MD5[:], r.Raw(16))

	return r.Err()
}

// Deregister releases the data port (DSRV).
type Deregister struct {
	Serial uint64
}

func (*Deregister) Opcode() Opcode { return OpDeregister }
func (m *Deregister) MarshalQDP(w *Writer) { w.U64(m.Serial) }
func (m *Deregister) UnmarshalQDP(r *Reader) error {
	m.Serial = r.U64()
	return r.Err()
}

// CommandError is a device error reply (CERR).
type CommandError struct {
	Code ErrorCode
}

func (*CommandError) Opcode() Opcode { return OpCommandError }
func (m *CommandError) MarshalQDP(w *Writer) { w.U16(uint16(m.Code)) }
func (m *CommandError) UnmarshalQDP(r *Reader) error {
	m.Code = ErrorCode(r.U16())
	return r.Err()
}

// PollSerial asks devices matching mask to report their serial number (POLLSN).
type PollSerial struct {
	SerialMask uint64
	Serial     uint64
}

func (*PollSerial) Opcode() Opcode { return OpPollSerial }

func (m *PollSerial) MarshalQDP(w *Writer) {
	w.U64(m.SerialMask)
	w.U64(m.Serial)
}

func (m *PollSerial) UnmarshalQDP(r *Reader) error {
	m.SerialMask = r.U64()
	m.Serial = r.U64()

	return r.Err()
}

// MySerial is the reply to PollSerial (MYSN).
type MySerial struct {
	Serial  uint64
	Kind    uint16
	Version uint16
}

func (*MySerial) Opcode() Opcode { return OpMySerial }

func (m *MySerial) MarshalQDP(w *Writer) {
	w.U64(m.Serial)
	w.U16(m.Kind)
	w.U16(m.Version)
}

func (m *MySerial) UnmarshalQDP(r *Reader) error {
	m.Serial = r.U64()
	m.Kind = r.U16()
	m.Version = r.U16()

	return r.Err()
}

// Fixed holds the fixed values of a device (FIX, also embedded in FGLS).
type Fixed struct {
	Serial        uint64
	PropertyTag   uint32
	LastReboot    uint32 // seconds since 2000
	Reboots       uint32
	SystemVersion uint16
	SlaveVersion  uint16
}

const fixedSize = 24

func (*Fixed) Opcode() Opcode { return OpFixed }

func (m *Fixed) MarshalQDP(w *Writer) {
	w.U64(m.Serial)
	w.U32(m.PropertyTag)
	w.U32(m.LastReboot)
	w.U32(m.Reboots)
	w.U16(m.SystemVersion)
	w.U16(m.SlaveVersion)
}

func (m *Fixed) UnmarshalQDP(r *Reader) error {
	m.Serial = r.U64()
	m.PropertyTag = r.U32()
	m.LastReboot = r.U32()
	m.Reboots = r.U32()
	m.SystemVersion = r.U16()
	m.SlaveVersion = r.U16()

	return r.Err()
}

// Flags is the combined configuration reply (FGLS) read right after registration.
type Flags struct {
	// DataPortOffset is the offset of the logical port block of the registered data
	// port; zero means the port is disabled on the device.
	DataPortOffset uint16
	Fixed          Fixed
	DataPort       []byte // logical port block, opaque to the engine
}

func (*Flags) Opcode() Opcode { return OpFlags }

// DataPortEnabled reports whether the registered data port may stream data.
func (m *Flags) DataPortEnabled() bool { return m.DataPortOffset != 0 }

func (m *Flags) MarshalQDP(w *Writer) {
	w.U16(m.DataPortOffset)
	w.U16(uint16(len(m.DataPort))) //nolint:gosec // bounded by packet size
	m.Fixed.MarshalQDP(w)
	w.Raw(m.DataPort)
}

func (m *Flags) UnmarshalQDP(r *Reader) error {
	m.DataPortOffset = r.U16()
	n := int(r.U16())
	if err := m.Fixed.UnmarshalQDP(r); err != nil {
		return err
	}
	m.DataPort = r.Raw(n)

	return r.Err()
}

// MemoryType selects the device memory region read with RQMEM.
type MemoryType uint16

const (
	MemoryFlash   MemoryType = 0
	MemoryTokens1 MemoryType = 1 // data port 1 tokens, 2..4 follow
)

// TokenMemory returns the token memory type of dataPort (1..4).
func TokenMemory(dataPort int) MemoryType {
	return MemoryTokens1 + MemoryType(dataPort-1) //nolint:gosec // validated by configuration
}

// MaxMemorySegment is the largest block of memory returned by one MEM reply.
const MaxMemorySegment = 438

// MemoryRequest asks for a memory segment (RQMEM).
type MemoryRequest struct {
	Start uint32
	Count uint16
	Type  MemoryType
}

func (*MemoryRequest) Opcode() Opcode { return OpRequestMemory }

func (m *MemoryRequest) MarshalQDP(w *Writer) {
	w.U32(m.Start)
	w.U16(m.Count)
	w.U16(uint16(m.Type))
}

func (m *MemoryRequest) UnmarshalQDP(r *Reader) error {
	m.Start = r.U32()
	m.Count = r.U16()
	m.Type = MemoryType(r.U16())

	return r.Err()
}

// MemorySegment is one segment of a memory read (MEM).
type MemorySegment struct {
	Start    uint32
	Type     MemoryType
	Segment  uint16 // 1 based
	Segments uint16
	Data     []byte
}

func (*MemorySegment) Opcode() Opcode { return OpMemory }

// Last reports whether this is the final segment.
func (m *MemorySegment) Last() bool { return m.Segment >= m.Segments }

func (m *MemorySegment) MarshalQDP(w *Writer) {
	w.U32(m.Start)
	w.U16(uint16(len(m.Data))) //nolint:gosec // bounded by MaxMemorySegment
	w.U16(uint16(m.Type))
	w.U16(m.Segment)
	w.U16(m.Segments)
	w.Raw(m.Data)
}

func (m *MemorySegment) UnmarshalQDP(r *Reader) error {
	m.Start = r.U32()
	n := int(r.U16())
	m.Type = MemoryType(r.U16())
	m.Segment = r.U16()
	m.Segments = r.U16()
	m.Data = r.Raw(n)

	return r.Err()
}

// Ping types.
const (
	PingEcho      uint16 = 0
	PingEchoReply uint16 = 1
)

// Ping is both the ping request and its reply (PING).
type Ping struct {
	Type uint16
	ID   uint16
	Data []byte
}

func (*Ping) Opcode() Opcode { return OpPing }

func (m *Ping) MarshalQDP(w *Writer) {
	w.U16(m.Type)
	w.U16(m.ID)
	w.Raw(m.Data)
}

func (m *Ping) UnmarshalQDP(r *Reader) error {
	m.Type = r.U16()
	m.ID = r.U16()
	m.Data = r.Raw(r.Remaining())

	return r.Err()
}

// UserMessageSize is the fixed text size of a user message.
const UserMessageSize = 80

// UserMessage sends a text line to the device log (UMSG).
type UserMessage struct {
	Text string
}

func (*UserMessage) Opcode() Opcode { return OpUserMessage }
func (m *UserMessage) MarshalQDP(w *Writer) { w.FixedString(m.Text, UserMessageSize) }
func (m *UserMessage) UnmarshalQDP(r *Reader) error {
	m.Text = r.FixedString(UserMessageSize)
	return r.Err()
}

// DataAck acknowledges data packets (DT_DACK). The acknowledged sequence travels in the
// packet header.
type DataAck struct {
	Throttle uint16
	Window   [4]uint32
}

func (*DataAck) Opcode() Opcode { return OpDataAck }

func (m *DataAck) MarshalQDP(w *Writer) {
	w.U16(m.Throttle)
	w.Pad(2)
	for _, v := range m.Window {
		w.U32(v)
	}
	w.Pad(4)
}

func (m *DataAck) UnmarshalQDP(r *Reader) error {
	m.Throttle = r.U16()
	r.Skip(2)
	for i := range m.Window {
		m.Window[i] = r.U32()
	}
	r.Skip(4)

	return r.Err()
}

// DataBlock is one source-channel block of a data packet.
type DataBlock struct {
	Channel uint8
	Flags   uint8
	Data    []byte
}

// DataRecord is the payload of a DT_DATA packet.
type DataRecord struct {
	Blocks []DataBlock
}

func (*DataRecord) Opcode() Opcode { return OpData }

func (m *DataRecord) MarshalQDP(w *Writer) {
	for _, b := range m.Blocks {
		w.U8(b.Channel)
		w.U8(b.Flags)
		w.U16(uint16(len(b.Data))) //nolint:gosec // bounded by packet size
		w.Raw(b.Data)
	}
}

func (m *DataRecord) UnmarshalQDP(r *Reader) error {
	m.Blocks = m.Blocks[:0]
	for r.Remaining() > 0 {
		var b DataBlock
		b.Channel = r.U8()
		b.Flags = r.U8()
		b.Data = r.Raw(int(r.U16()))
		if r.Err() != nil {
			return r.Err()
		}
		m.Blocks = append(m.Blocks, b)
	}

	return r.Err()
}

// BalerReady is sent by a baler that wants the host to register (C2_BRDY).
type BalerReady struct {
	Serial uint64
	Addr   uint32
}

func (*BalerReady) Opcode() Opcode { return OpBalerReady }

func (m *BalerReady) MarshalQDP(w *Writer) {
	w.U64(m.Serial)
	w.U32(m.Addr)
}

func (m *BalerReady) UnmarshalQDP(r *Reader) error {
	m.Serial = r.U64()
	m.Addr = r.U32()

	return r.Err()
}

// DataOpen asks the device to (re)start sending on the data port (DT_OPEN). It has no
// payload.
type DataOpen struct{}

func (*DataOpen) Opcode() Opcode { return OpDataOpen }
func (*DataOpen) MarshalQDP(*Writer) {}
func (*DataOpen) UnmarshalQDP(*Reader) error { return nil }
