// Package health provides health check functionality for the webhook server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is operational but with issues.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus represents the health status of a single component.
type ComponentStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response represents the health check response.
type Response struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	ActiveRuns int                        `json:"active_runs"`
}

// Pinger is an interface for components that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

type check struct {
	name     string
	pinger   Pinger
	critical bool
}

// Checker aggregates the health of named backends.
type Checker struct {
	mu        sync.RWMutex
	checks    []check
	active    func() int
	startTime time.Time
	version   string
	timeout   time.Duration
}

// NewChecker creates a new health checker with no backends.
func NewChecker(version string) *Checker {
	return &Checker{
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
	}
}

// Register adds a backend. A failing critical backend makes the service
// unhealthy; any other failure only degrades it.
func (c *Checker) Register(name string, pinger Pinger, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check{name: name, pinger: pinger, critical: critical})
	sort.Slice(c.checks, func(i, j int) bool { return c.checks[i].name < c.checks[j].name })
}

// SetActiveRuns reports the number of in-flight runs in each response.
func (c *Checker) SetActiveRuns(fn func() int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = fn
}

// SetTimeout sets the timeout for health checks.
func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Check pings every backend concurrently and returns the aggregated response.
func (c *Checker) Check(ctx context.Context) *Response {
	c.mu.RLock()
	checks := append([]check(nil), c.checks...)
	timeout := c.timeout
	active := c.active
	c.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statuses := make([]ComponentStatus, len(checks))
	var wg sync.WaitGroup
	for i, ch := range checks {
		wg.Add(1)
		go func(i int, ch check) {
			defer wg.Done()
			statuses[i] = ping(checkCtx, ch)
		}(i, ch)
	}
	wg.Wait()

	overall := StatusHealthy
	components := make(map[string]ComponentStatus, len(checks))
	for i, ch := range checks {
		components[ch.name] = statuses[i]
		switch statuses[i].Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	resp := &Response{
		Status:     overall,
		Components: components,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
	}
	if active != nil {
		resp.ActiveRuns = active()
	}
	return resp
}

func ping(ctx context.Context, ch check) ComponentStatus {
	failed := StatusDegraded
	if ch.critical {
		failed = StatusUnhealthy
	}
	if ch.pinger == nil {
		return ComponentStatus{Status: failed, Message: ch.name + " not configured"}
	}
	if err := ch.pinger.Ping(ctx); err != nil {
		return ComponentStatus{Status: failed, Message: ch.name + " ping failed: " + err.Error()}
	}
	return ComponentStatus{Status: StatusHealthy, Message: "connected"}
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")

		if response.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(response)
	}
}
