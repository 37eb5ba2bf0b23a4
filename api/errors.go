package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/ironpki/engine"
	"github.com/jmcleod/ironpki/storage"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError maps engine and storage errors to HTTP status codes.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidationFailure):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrCANotFound),
		errors.Is(err, engine.ErrCSRNotFound),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrArchiveConflict),
		errors.Is(err, engine.ErrCSRAlreadyAuthorized),
		errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrSigningTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
