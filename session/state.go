package session

import (
	"fmt"

	"github.com/arloliu/go-q330/qdp"
)

// State is the state of a session.
type State uint8

// The order of the states matters: the status watchdog covers StateReadConfig through
// StateDealloc.
const (
	// StateIdle is not connected and not trying to.
	StateIdle State = iota
	// StateTerminated is final; the worker has exited.
	StateTerminated
	// StatePing is an unregistered ping exchange.
	StatePing
	// StateConnecting waits for a TCP connection.
	StateConnecting
	// StateAnnounce waits for the baler ready announcement of the device.
	StateAnnounce
	// StateRegistering runs the challenge/response registration.
	StateRegistering
	// StateReadConfig reads the configuration blocks after registration.
	StateReadConfig
	// StateReadTokens reads the data port tokens from device memory.
	StateReadTokens
	// StateDecodeTokens applies the tokens to the channel table.
	StateDecodeTokens
	// StateRunWait is registered and configured but the data port is not open.
	StateRunWait
	// StateRun receives data.
	StateRun
	// StateDealloc releases the acquisition state before deregistering.
	StateDealloc
	// StateDereg waits for the deregistration acknowledgment.
	StateDereg
	// StateWait is a cooldown before the next registration attempt.
	StateWait
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateTerminated:   "terminated",
	StatePing:         "ping",
	StateConnecting:   "connecting",
	StateAnnounce:     "announce",
	StateRegistering:  "registering",
	StateReadConfig:   "read-config",
	StateReadTokens:   "read-tokens",
	StateDecodeTokens: "decode-tokens",
	StateRunWait:      "run-wait",
	StateRun:          "run",
	StateDealloc:      "dealloc",
	StateDereg:        "dereg",
	StateWait:         "wait",
}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("state(%d)", uint8(s))
}

// IsRegistering reports whether s is one of the registration states.
func (s State) IsRegistering() bool {
	return s == StateConnecting || s == StateAnnounce || s == StateRegistering
}

// IsConfigured reports whether s lies between registration and deallocation, the range
// covered by the status watchdog.
func (s State) IsConfigured() bool {
	return s >= StateReadConfig && s <= StateDealloc
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil //nolint:gosec // bounded by stateNames
		}
	}

	return StateIdle, fmt.Errorf("%w: unknown state %q", ErrInvalidConfig, name)
}

// Reason is the library error code attached to a state change.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonPerm
	ReasonTMServ
	ReasonNotRegistered
	ReasonInvalidRegistration
	ReasonParameter
	ReasonStructNotValid
	ReasonControlOnly
	ReasonSpecialOnly
	ReasonMemBusy
	ReasonCalInProgress
	ReasonDataNotAvailable
	ReasonConsoleOnly
	ReasonMemEraseWrite
	ReasonRegistrationTimeout
	ReasonStatusTimeout
	ReasonDataTimeout
	ReasonNoStatus
	ReasonInvalidStatus
	ReasonConfigWait
	ReasonInvalidConfig
	ReasonTokensChanged
	ReasonInvalidTokens
	ReasonBufferShutdown
	ReasonConnectionShutdown
	ReasonClosed
	ReasonNetFail
	ReasonTunnelBusy
	ReasonCommandTimeout
)

var reasonText = [...]string{
	ReasonNone:                "no error",
	ReasonPerm:                "no permission",
	ReasonTMServ:              "port in use",
	ReasonNotRegistered:       "not registered",
	ReasonInvalidRegistration: "invalid registration request",
	ReasonParameter:           "parameter error",
	ReasonStructNotValid:      "structure not valid",
	ReasonControlOnly:         "control port only",
	ReasonSpecialOnly:         "special port only",
	ReasonMemBusy:             "memory operation already in progress",
	ReasonCalInProgress:       "calibration in progress",
	ReasonDataNotAvailable:    "data not available",
	ReasonConsoleOnly:         "console port only",
	ReasonMemEraseWrite:       "memory erase or write error",
	ReasonRegistrationTimeout: "registration timeout",
	ReasonStatusTimeout:       "status timeout",
	ReasonDataTimeout:         "data timeout",
	ReasonNoStatus:            "no status",
	ReasonInvalidStatus:       "invalid status",
	ReasonConfigWait:          "waiting for configuration",
	ReasonInvalidConfig:       "invalid configuration",
	ReasonTokensChanged:       "tokens changed",
	ReasonInvalidTokens:       "invalid tokens",
	ReasonBufferShutdown:      "buffer shutdown",
	ReasonConnectionShutdown:  "connection time limit",
	ReasonClosed:              "closed by host",
	ReasonNetFail:             "network failure",
	ReasonTunnelBusy:          "tunnel busy",
	ReasonCommandTimeout:      "command timeout",
}

// String returns a short description of the reason.
func (r Reason) String() string {
	if int(r) < len(reasonText) {
		return reasonText[r]
	}

	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Error implements error so a reason can be returned and matched with errors.Is.
func (r Reason) Error() string {
	return "session: " + r.String()
}

// ReasonFromErrorCode maps a device error code onto a reason.
func ReasonFromErrorCode(code qdp.ErrorCode) Reason {
	if code > qdp.ErrCodeMemoryErase {
		return ReasonParameter
	}

	return ReasonPerm + Reason(code) //nolint:gosec // bounded above
}
