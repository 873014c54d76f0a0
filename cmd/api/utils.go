package main

import (
	"net/http"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func parseTime(dateStr string) (time.Time, error) {
	return time.Parse("2006-01-02", dateStr)
}

// urlID reads a uuid path parameter.
func urlID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation(name, "invalid id %q", raw)
	}
	return id, nil
}

// decodeBody reads a JSON body, mapping decode failures to validation errors.
func decodeBody(w http.ResponseWriter, r *http.Request, data any) error {
	if err := readJSON(w, r, data); err != nil {
		return apperr.Validation("body", "invalid request payload: %v", err)
	}
	return nil
}
