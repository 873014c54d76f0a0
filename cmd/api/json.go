package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/response"
)

func writeJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) error {
	return writeJSON(w, status, &response.ErrorResponse{Error: message, Code: string(apperr.CodeInvalidInput)})
}

func readJSON(w http.ResponseWriter, r *http.Request, data any) error {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	return dec.Decode(data)
}

// statusFor maps the error taxonomy to HTTP statuses.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindInvariant:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindExternal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeAppError renders err with its code. Errors outside the taxonomy are
// logged and hidden behind a generic message.
func (app *application) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	var e *apperr.Error
	if !errors.As(err, &e) {
		app.log.Error("API", "%s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, status, &response.ErrorResponse{Error: "internal server error"})
		return
	}
	if status >= http.StatusInternalServerError || status == http.StatusBadGateway {
		app.log.Error("API", "%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, &response.ErrorResponse{Error: e.Error(), Code: string(e.Code), Field: e.Field})
}
