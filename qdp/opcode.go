package qdp

import "fmt"

// Opcode is the QDP command byte.
type Opcode uint8

// Command opcodes. Requests sent by the host use the 0x1x-0x4x range, device replies the
// 0xAx-0xBx range.
const (
	OpRequestServer    Opcode = 0x10 // C1_RQSRV
	OpServerResponse   Opcode = 0x11 // C1_SRVRSP
	OpDeregister       Opcode = 0x12 // C1_DSRV
	OpPollSerial       Opcode = 0x14 // C1_POLLSN
	OpSetPhysical      Opcode = 0x15 // C1_SPHY
	OpRequestPhysical  Opcode = 0x16 // C1_RQPHY
	OpSetLog           Opcode = 0x17 // C1_SLOG
	OpRequestLog       Opcode = 0x18 // C1_RQLOG
	OpSetGlobal        Opcode = 0x1A // C1_SGLOB
	OpRequestGlobal    Opcode = 0x1B // C1_RQGLOB
	OpRequestFixed     Opcode = 0x1C // C1_RQFIX
	OpRequestStatus    Opcode = 0x1F // C1_RQSTAT
	OpRequestGlobalIDs Opcode = 0x28 // C1_RQGID
	OpUserMessage      Opcode = 0x30 // C1_UMSG
	OpRequestFlags     Opcode = 0x34 // C1_RQFGLS
	OpPing             Opcode = 0x38 // C1_PING
	OpRequestMemory    Opcode = 0x41 // C1_RQMEM
	OpBackOff          Opcode = 0x4F // C2_BOFF

	OpCommandAck      Opcode = 0xA0 // C1_CACK
	OpServerChallenge Opcode = 0xA1 // C1_SRVCH
	OpCommandError    Opcode = 0xA2 // C1_CERR
	OpMySerial        Opcode = 0xA3 // C1_MYSN
	OpPhysical        Opcode = 0xA4 // C1_PHY
	OpLog             Opcode = 0xA5 // C1_LOG
	OpGlobal          Opcode = 0xA6 // C1_GLOB
	OpFixed           Opcode = 0xA7 // C1_FIX
	OpStatus          Opcode = 0xA9 // C1_STAT
	OpGlobalIDs       Opcode = 0xAC // C1_GID
	OpFlags           Opcode = 0xB1 // C1_FGLS
	OpMemory          Opcode = 0xB8 // C1_MEM
	OpBalerReady      Opcode = 0xBA // C2_BRDY
)

// Data channel opcodes.
const (
	OpData     Opcode = 0x00 // DT_DATA
	OpDataFill Opcode = 0x06 // DT_FILL
	OpDataAck  Opcode = 0x0A // DT_DACK
	OpDataOpen Opcode = 0x0B // DT_OPEN
)

var opcodeNames = map[Opcode]string{
	OpRequestServer:    "RQSRV",
	OpServerResponse:   "SRVRSP",
	OpDeregister:       "DSRV",
	OpPollSerial:       "POLLSN",
	OpSetPhysical:      "SPHY",
	OpRequestPhysical:  "RQPHY",
	OpSetLog:           "SLOG",
	OpRequestLog:       "RQLOG",
	OpSetGlobal:        "SGLOB",
	OpRequestGlobal:    "RQGLOB",
	OpRequestFixed:     "RQFIX",
	OpRequestStatus:    "RQSTAT",
	OpRequestGlobalIDs: "RQGID",
	OpUserMessage:      "UMSG",
	OpRequestFlags:     "RQFGLS",
	OpPing:             "PING",
	OpRequestMemory:    "RQMEM",
	OpBackOff:          "BOFF",
	OpCommandAck:       "CACK",
	OpServerChallenge:  "SRVCH",
	OpCommandError:     "CERR",
	OpMySerial:         "MYSN",
	OpPhysical:         "PHY",
	OpLog:              "LOG",
	OpGlobal:           "GLOB",
	OpFixed:            "FIX",
	OpStatus:           "STAT",
	OpGlobalIDs:        "GID",
	OpFlags:            "FGLS",
	OpMemory:           "MEM",
	OpBalerReady:       "BRDY",
	OpData:             "DT_DATA",
	OpDataFill:         "DT_FILL",
	OpDataAck:          "DT_DACK",
	OpDataOpen:         "DT_OPEN",
}

// String returns the protocol mnemonic of the opcode.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(op))
}

// Known reports whether op is part of the supported opcode set.
func (op Opcode) Known() bool {
	_, ok := opcodeNames[op]
	return ok
}

// IsData reports whether op travels on the data channel.
func (op Opcode) IsData() bool {
	switch op {
	case OpData, OpDataFill, OpDataAck, OpDataOpen:
		return true
	default:
		return false
	}
}

// IsResponse reports whether op may arrive from the device on the control channel.
// PING is both a command and, with an echo reply type, its own response.
func (op Opcode) IsResponse() bool {
	return op == OpPing || (op >= 0xA0 && op.Known())
}
