// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints for daemon mode.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of a single health check.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// CheckFunc performs a health check.
type CheckFunc func(ctx context.Context) error

// ReadyFunc reports readiness; for the bridge that means a synced session.
type ReadyFunc func() bool

// Checker manages health checks.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	ready  ReadyFunc
}

// NewChecker creates a new health checker.
func NewChecker() *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetReady installs the readiness probe.
func (c *Checker) SetReady(ready ReadyFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// Run executes all registered checks.
func (c *Checker) Run(ctx context.Context) (Status, []Check) {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	overall := StatusHealthy
	results := make([]Check, 0, len(checks))
	for name, fn := range checks {
		result := Check{Name: name, Status: StatusHealthy, LastChecked: time.Now()}
		if err := fn(ctx); err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			overall = StatusUnhealthy
		}
		results = append(results, result)
	}
	return overall, results
}

// Handler serves GET /healthz with the aggregated check results.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		overall, checks := c.Run(ctx)

		w.Header().Set("Content-Type", "application/json")
		if overall != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": overall,
			"checks": checks,
		})
	})
}

// ReadyHandler serves GET /readyz. Ready means the session reached Synced.
func (c *Checker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.RLock()
		ready := c.ready
		c.mu.RUnlock()

		if ready == nil || !ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
}
