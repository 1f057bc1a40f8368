// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"maps"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.astrophena.name/tgdeploy/internal/syncx"
)

// CheckTimeout bounds the time all health checks of one request may take.
const CheckTimeout = 5 * time.Second

// Health returns the [HealthHandler] registered on mux at /health, creating it
// if necessary.
func Health(mux *http.ServeMux) *HealthHandler {
	h, pat := mux.Handler(&http.Request{URL: &url.URL{Path: "/health"}})
	if hh, ok := h.(*HealthHandler); ok && pat == "/health" {
		return hh
	}
	ret := &HealthHandler{
		checks: syncx.Protect(make(checksMap)),
	}
	mux.Handle("/health", ret)
	return ret
}

// HealthHandler is an HTTP handler that reports whether the service and its
// dependencies, like the database, are usable.
type HealthHandler struct{ checks *syncx.Protected[checksMap] }

type checksMap = map[string]HealthFunc

// HealthFunc reports the state of a subsystem. It should give up when ctx is
// done.
type HealthFunc func(ctx context.Context) (status string, ok bool)

// RegisterFunc registers the health check function by the given name. It
// panics if a function with this name is already registered.
//
// Checks run concurrently, so f must be safe for concurrent use.
func (h *HealthHandler) RegisterFunc(name string, f HealthFunc) {
	h.checks.Access(func(checks checksMap) {
		if _, dup := checks[name]; dup {
			panic("health: health check function with this name already exists")
		}
		checks[name] = f
	})
}

// HealthResponse represents a response of the /health endpoint.
type HealthResponse struct {
	OK     bool                     `json:"ok"`
	Checks map[string]CheckResponse `json:"checks"`
}

// CheckResponse represents a status of an individual check.
type CheckResponse struct {
	Status string `json:"status"`
	OK     bool   `json:"ok"`
}

// ServeHTTP implements the [http.Handler] interface.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var checks checksMap
	h.checks.RAccess(func(m checksMap) { checks = maps.Clone(m) })

	ctx, cancel := context.WithTimeout(r.Context(), CheckTimeout)
	defer cancel()

	hr := &HealthResponse{
		OK:     true,
		Checks: make(map[string]CheckResponse, len(checks)),
	}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, f := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, ok := f(ctx)
			mu.Lock()
			defer mu.Unlock()
			hr.OK = hr.OK && ok
			hr.Checks[name] = CheckResponse{Status: status, OK: ok}
		}()
	}
	wg.Wait()

	w.Header().Set("Content-Type", "application/json")
	if hr.OK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	respondJSON(w, hr, true)
}
