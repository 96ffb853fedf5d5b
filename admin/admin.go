// Package admin serves the operational HTTP endpoint of the KMIP server:
// liveness, readiness and Prometheus metrics.
package admin

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check reports nil when the named component is ready
type Check func() error

type status struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewHandler returns the admin router
//
//	GET /healthz  always 200 while the process runs
//	GET /readyz   200 when every check passes, 503 otherwise
//	GET /metrics  Prometheus metrics
func NewHandler(checks map[string]Check) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, status{Status: "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)

		resp := status{Status: "ok", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK

		for _, name := range names {
			if err := checks[name](); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
			} else {
				resp.Checks[name] = "ok"
			}
		}

		writeJSON(w, code, resp)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
