// Package health exposes liveness, readiness and per-source status over
// HTTP for operators and the administration surface.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/warfeedhq/ingest/pkg/types"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the result of one component check.
type ComponentHealth struct {
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Check reports the health of one component.
type Check func(ctx context.Context) ComponentHealth

// StatusSource provides per-source status snapshots.
type StatusSource interface {
	Snapshot() []types.SourceStatus
}

// Checker runs component checks and serves the status endpoints.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration

	sources StatusSource
}

// NewChecker creates a checker. sources may be nil when the status endpoint
// is not wanted.
func NewChecker(timeout time.Duration, sources StatusSource) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		checks:  make(map[string]Check),
		timeout: timeout,
		sources: sources,
	}
}

// Register adds a component check.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// CheckAll runs every registered check.
func (c *Checker) CheckAll(ctx context.Context) map[string]ComponentHealth {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(checks))
	var wg sync.WaitGroup
	var resMu sync.Mutex

	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			result := check(checkCtx)
			result.LastChecked = time.Now()

			resMu.Lock()
			results[name] = result
			resMu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return results
}

func overall(results map[string]ComponentHealth) Status {
	status := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// Handler returns the HTTP mux with /healthz, /readyz and /sources.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", c.livenessHandler)
	mux.HandleFunc("/readyz", c.readinessHandler)
	mux.HandleFunc("/sources", c.sourcesHandler)
	return mux
}

func (c *Checker) livenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (c *Checker) readinessHandler(w http.ResponseWriter, r *http.Request) {
	results := c.CheckAll(r.Context())
	status := overall(results)

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": results,
		"timestamp":  time.Now(),
	})
}

// sourcesHandler serves the per-source status snapshot: lifecycle state,
// tenant links, counters and last error.
func (c *Checker) sourcesHandler(w http.ResponseWriter, _ *http.Request) {
	if c.sources == nil {
		http.Error(w, "source status not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources":   c.sources.Snapshot(),
		"timestamp": time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// CheckFunc builds a Check from a boolean function.
func CheckFunc(check func() (bool, string)) Check {
	return func(ctx context.Context) ComponentHealth {
		ok, msg := check()
		status := StatusHealthy
		if !ok {
			status = StatusUnhealthy
		}
		return ComponentHealth{Status: status, Message: msg}
	}
}
