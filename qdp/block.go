package qdp

import "fmt"

// Block identifies a configuration block of the device that the host reads into its cache.
type Block uint8

const (
	BlockFixed Block = iota
	BlockGlobal
	BlockPhysical
	BlockLog
	BlockGlobalIDs
	BlockFlags
)

// NumBlocks is the number of configuration blocks.
const NumBlocks = 6

type blockInfo struct {
	name    string
	request Opcode
	reply   Opcode
	set     Opcode
	est     int
}

var blockTable = [NumBlocks]blockInfo{
	BlockFixed:     {"fixed", OpRequestFixed, OpFixed, 0, 80},
	BlockGlobal:    {"global", OpRequestGlobal, OpGlobal, OpSetGlobal, 120},
	BlockPhysical:  {"physical", OpRequestPhysical, OpPhysical, OpSetPhysical, 80},
	BlockLog:       {"log", OpRequestLog, OpLog, OpSetLog, 64},
	BlockGlobalIDs: {"gps-ids", OpRequestGlobalIDs, OpGlobalIDs, 0, 288},
	BlockFlags:     {"flags", OpRequestFlags, OpFlags, 0, 400},
}

func (b Block) String() string {
	if b < NumBlocks {
		return blockTable[b].name
	}

	return fmt.Sprintf("block(%d)", uint8(b))
}

// Valid reports whether b is a known block.
func (b Block) Valid() bool { return b < NumBlocks }

// RequestOpcode returns the command that reads the block.
func (b Block) RequestOpcode() Opcode { return blockTable[b].request }

// ReplyOpcode returns the reply that carries the block.
func (b Block) ReplyOpcode() Opcode { return blockTable[b].reply }

// SetOpcode returns the command that writes the block, if the host may write it.
func (b Block) SetOpcode() (Opcode, bool) {
	op := blockTable[b].set
	return op, op != 0
}

// EstimatedSize returns the expected reply payload size.
func (b Block) EstimatedSize() int { return blockTable[b].est }

// BlockForReply returns the block carried by a reply opcode.
func BlockForReply(op Opcode) (Block, bool) {
	for i, info := range blockTable {
		if info.reply == op {
			return Block(i), true //nolint:gosec // bounded by NumBlocks
		}
	}

	return 0, false
}

// BlockForRequest returns the block read by a request opcode.
func BlockForRequest(op Opcode) (Block, bool) {
	for i, info := range blockTable {
		if info.request == op {
			return Block(i), true //nolint:gosec // bounded by NumBlocks
		}
	}

	return 0, false
}

// BlockForSet returns the block written by a set opcode.
func BlockForSet(op Opcode) (Block, bool) {
	for i, info := range blockTable {
		if info.set != 0 && info.set == op {
			return Block(i), true //nolint:gosec // bounded by NumBlocks
		}
	}

	return 0, false
}

// DataPortRequest is the payload of requests scoped to one data port (RQFGLS, RQLOG).
type DataPortRequest struct {
	Op Opcode
	// Port is the zero based data port.
	Port uint16
}

func (m *DataPortRequest) Opcode() Opcode { return m.Op }
func (m *DataPortRequest) MarshalQDP(w *Writer) { w.U16(m.Port) }
func (m *DataPortRequest) UnmarshalQDP(r *Reader) error {
	m.Port = r.U16()
	return r.Err()
}

// StatusEstimate returns the expected STAT payload size for bitmap.
func StatusEstimate(bitmap StatusBits) int {
	n := 4
	if bitmap.Has(StatusGlobal) {
		n += 24
	}
	if bitmap.Has(StatusGPS) {
		n += 16
	}
	if bitmap.Has(StatusBoom) {
		n += 18
	}
	if bitmap.Has(StatusDataPort) {
		n += 20
	}

	return n
}
