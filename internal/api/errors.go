package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chaz8081/gira-bridge/internal/ble"
	"github.com/chaz8081/gira-bridge/internal/device"
)

// Error codes returned in the "code" field of error responses.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotFound      = "not_found"
	ErrCodeNotSent       = "not_sent"
	ErrCodeWrongProfile  = "wrong_profile"
	ErrCodeCommandFailed = "command_failed"
	ErrCodeUnavailable   = "unavailable"
	ErrCodeInternal      = "internal_error"
)

// Error is the JSON body of every error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // connection may already be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

// writeCommandError maps a device command error onto a status code.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrNotSent):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeNotSent, err.Error())
	case errors.Is(err, device.ErrClosed), errors.Is(err, ble.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, ble.ErrCommandFailed):
		writeError(w, http.StatusBadGateway, ErrCodeCommandFailed, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
