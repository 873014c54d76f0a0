package main

import (
	"context"
	"net/http"
	"time"
)

const version = "0.1.0"

// healthCheck probes one backing service.
type healthCheck func(ctx context.Context) error

func (app *application) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "available", http.StatusOK
	deps := make(map[string]string, len(app.checks))
	for name, check := range app.checks {
		if err := check(ctx); err != nil {
			app.log.Warn("API", "health check %s failed: %v", name, err)
			deps[name] = "unavailable"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	data := map[string]any{
		"status":       status,
		"version":      version,
		"dependencies": deps,
	}
	if err := writeJSON(w, code, data); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
