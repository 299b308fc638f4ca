package cmdq

import "errors"

var (
	// ErrRetriesExhausted is reported when a command timed out more often than allowed.
	ErrRetriesExhausted = errors.New("cmdq: retries exhausted")
	// ErrInvalidConfig is returned by New for inconsistent retry settings.
	ErrInvalidConfig = errors.New("cmdq: invalid config")
)
