package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/draft"
)

const maxJSONBody = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// WriteJSON encodes v to a buffer first so a failed encode never leaves a
// partial response behind. It reports whether the body was written.
func WriteJSON(w http.ResponseWriter, log zerolog.Logger, status int, v any) bool {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
		return false
	}
	return true
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are rejected.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("body", "", fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

// WriteError maps domain errors to status codes: validation failures to 422
// with the offending field, missing resources to 404, everything else to 500.
func WriteError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var validation *apperr.ValidationError
	switch {
	case errors.As(err, &validation):
		WriteJSON(w, log, http.StatusUnprocessableEntity, errorResponse{Error: validation.Error(), Field: validation.Field})
	case errors.Is(err, apperr.ErrNoActiveDraft),
		errors.Is(err, draft.ErrAttachmentNotFound),
		errors.Is(err, apperr.ErrAccountNotFound),
		errors.Is(err, db.ErrThreadNotFound),
		errors.Is(err, db.ErrTopicNotFound):
		WriteJSON(w, log, http.StatusNotFound, errorResponse{Error: err.Error()})
	case apperr.IsTransient(err):
		log.Warn().Err(err).Msg("upstream unavailable")
		WriteJSON(w, log, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		log.Error().Err(err).Msg("request failed")
		WriteJSON(w, log, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
