package storybuddy

import (
	"fmt"

	"github.com/howie/storybuddy-sub001/pkg/core"
)

// Error is the canonical API error returned by the gateway.
type Error = core.Error

// Error types, re-exported so callers do not need to import pkg/core.
const (
	ErrValidation    = core.ErrValidation
	ErrNotFound      = core.ErrNotFound
	ErrInvalidState  = core.ErrInvalidState
	ErrLimitExceeded = core.ErrLimitExceeded
	ErrTimeout       = core.ErrTimeout
	ErrUnauthorized  = core.ErrUnauthorized
	ErrInternal      = core.ErrInternal
)

// TransportError represents HTTP or WebSocket transport failures (DNS,
// timeouts, connection reset, refused upgrades) while talking to the
// gateway.
//
// Use errors.As to distinguish transport failures from canonical API errors
// (*Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, e.URL, e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
