package session

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/transport"
)

var (
	// ErrInvalidConfig is returned for options out of range.
	ErrInvalidConfig = errors.New("session: invalid config")
	// ErrNotRuntime is returned by UpdateOptions for options that need a new session.
	ErrNotRuntime = errors.New("session: option cannot change at runtime")
	// ErrNotAvailable is returned by cache readers before the device reported the value.
	// A fetch has been scheduled.
	ErrNotAvailable = errors.New("session: not available")
	// ErrNotRegistered is returned for requests that need a registered session.
	ErrNotRegistered = errors.New("session: not registered")
	// ErrNotSettable is returned by SetConfig for read-only blocks.
	ErrNotSettable = errors.New("session: block is read only")
	// ErrTunnelBusy is returned while a tunneled command is outstanding.
	ErrTunnelBusy = errors.New("session: tunnel busy")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session: already started")
	// ErrClosed is returned after the session terminated.
	ErrClosed = errors.New("session: closed")
	// ErrInvalidState is returned by ChangeState for targets a collaborator may not set.
	ErrInvalidState = errors.New("session: invalid target state")
)

// ProtocolError is a packet that failed framing validation. It is counted and dropped.
type ProtocolError struct {
	Channel transport.Channel
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("session: %s packet dropped: %v", e.Channel, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CommandError is an error reply of the device to a command.
type CommandError struct {
	Op   qdp.Opcode
	Code qdp.ErrorCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("session: %s rejected: %s", e.Op, e.Code)
}

func (e *CommandError) Unwrap() error { return e.Code }

// TransportError is a link failure. Fatal errors tear the link down.
type TransportError struct {
	Op    string
	Fatal bool
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ContinuityError is a checkpoint that could not be used. The session starts cold.
type ContinuityError struct {
	Op  string
	Err error
}

func (e *ContinuityError) Error() string {
	return fmt.Sprintf("session: continuity %s: %v", e.Op, e.Err)
}

func (e *ContinuityError) Unwrap() error { return e.Err }

// AuthError is a rejected registration. The session stays idle until told otherwise.
type AuthError struct {
	Reason Reason
}

func (e *AuthError) Error() string {
	return "session: registration rejected: " + e.Reason.String()
}

func (e *AuthError) Unwrap() error { return e.Reason }
