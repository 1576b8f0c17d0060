package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/howie/storybuddy-sub001/pkg/core"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrTimeout,
			Message:   "request timeout",
			Code:      "timeout",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrTimeout,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		return &out, statusFromType(coreErr.Type)
	}

	// Unknown errors: treat as internal (do not leak details by default).
	return &core.Error{
		Type:      core.ErrInternal,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrValidation:
		return http.StatusUnprocessableEntity
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrInvalidState:
		return http.StatusBadRequest
	case core.ErrLimitExceeded:
		return http.StatusBadRequest
	case core.ErrTimeout:
		return http.StatusRequestTimeout
	case core.ErrUnauthorized:
		return http.StatusUnauthorized
	case core.ErrTranscriptionFailed, core.ErrGenerationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
