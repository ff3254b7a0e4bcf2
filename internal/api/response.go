package api

import (
	"encoding/json"
	"net/http"

	"codeberg.org/mutker/pvctl/internal/errors"
)

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// statusCodes maps lifecycle error kinds to HTTP statuses, checked in order.
var statusCodes = []struct {
	code   errors.ErrorCode
	status int
}{
	{errors.ErrValidation, http.StatusBadRequest},
	{errors.ErrNotFound, http.StatusNotFound},
	{errors.ErrInvalidTransition, http.StatusConflict},
	{errors.ErrNotImplemented, http.StatusNotImplemented},
}

// StatusFor returns the HTTP status and error code reported for err.
func StatusFor(err error) (int, errors.ErrorCode) {
	for _, sc := range statusCodes {
		if errors.HasCode(err, sc.code) {
			return sc.status, sc.code
		}
	}
	return http.StatusInternalServerError, errors.ErrInternal
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("error_code", string(errors.CodeOf(err))).Msg("Request failed")
		msg = errors.GetErrorMessage(errors.ErrInternal)
	}

	writeError(w, status, string(code), msg)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
