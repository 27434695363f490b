// SPDX-License-Identifier: MIT

// Package health serves the diagnostics listener: liveness and prometheus
// metrics. The job lifecycle has no HTTP surface here.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the diagnostics handler.
func Router() http.Handler {
	start := time.Now()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"uptime_ms": time.Since(start).Milliseconds(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
