package continuity

import "errors"

var (
	// ErrNotFound is returned when no checkpoint file exists.
	ErrNotFound = errors.New("continuity: no checkpoint")
	// ErrPurged is returned for a checkpoint that was already consumed.
	ErrPurged = errors.New("continuity: checkpoint already used")
	// ErrFormat is returned for a record of an unexpected type or size.
	ErrFormat = errors.New("continuity: format mismatch")
	// ErrVersion is returned for a checkpoint written by another format version.
	ErrVersion = errors.New("continuity: version mismatch")
	// ErrCRC is returned when a record fails its CRC check.
	ErrCRC = errors.New("continuity: crc error")
	// ErrIdentity is returned when a checkpoint belongs to another digitizer.
	ErrIdentity = errors.New("continuity: identity mismatch")
	// ErrNoHeader is returned by RestoreChannels before a header was restored.
	ErrNoHeader = errors.New("continuity: header not restored")
	// ErrAlreadyRestored is returned by a second RestoreChannels call.
	ErrAlreadyRestored = errors.New("continuity: channels already restored")
	// ErrDisabled is returned by a Store without a file name.
	ErrDisabled = errors.New("continuity: disabled")
)

