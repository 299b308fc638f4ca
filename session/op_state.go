package session

import "sync/atomic"

// opState is the lifecycle of a Session object, separate from the protocol State.
type opState uint32

const (
	opNew opState = iota
	opRunning
	opClosing
	opClosed
)

type atomicOpState struct {
	state atomic.Uint32
}

func (st *atomicOpState) String() string {
	switch st.Get() {
	case opNew:
		return "New"
	case opRunning:
		return "Running"
	case opClosing:
		return "Closing"
	case opClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

func (st *atomicOpState) Get() opState {
	return opState(st.state.Load())
}

func (st *atomicOpState) IsRunning() bool {
	return st.Get() == opRunning
}

func (st *atomicOpState) IsClosed() bool {
	return st.Get() == opClosed
}

// ToRunning succeeds once, for the first Start.
func (st *atomicOpState) ToRunning() bool {
	return st.state.CompareAndSwap(uint32(opNew), uint32(opRunning))
}

// ToClosing succeeds for the first Close of a started or never started session.
func (st *atomicOpState) ToClosing() bool {
	if st.state.CompareAndSwap(uint32(opRunning), uint32(opClosing)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(opNew), uint32(opClosing))
}

func (st *atomicOpState) ToClosed() {
	st.state.Store(uint32(opClosed))
}
