package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/gateway/apierror"
	"github.com/howie/storybuddy-sub001/pkg/gateway/mw"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err through the gateway taxonomy and writes the canonical
// error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	coreErr, status := apierror.FromError(err, reqID)
	writeJSON(w, status, apierror.Envelope{Error: coreErr})
}

// decodeBody reads a size-capped JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return core.NewLimitExceededError("request body too large")
		}
		return core.NewValidationError("invalid json body")
	}
	return nil
}

// rejectionReason labels an error for the rejection counter.
func rejectionReason(err error) string {
	var ce *core.Error
	if errors.As(err, &ce) {
		return string(ce.Type)
	}
	return string(core.ErrInternal)
}
