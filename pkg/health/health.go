package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"icebreaker/backend/pkg/logger"
)

// Status represents the health status of a component
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Component is the last observed state of one checked dependency
type Component struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Critical    bool      `json:"critical"`
	Description string    `json:"description,omitempty"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Check probes one dependency
type Check func(ctx context.Context) (Status, string, error)

// Checker runs registered checks periodically and serves the result
type Checker struct {
	mu         sync.RWMutex
	checks     map[string]Check
	components map[string]*Component
	info       map[string]func() any
	period     time.Duration
	timeout    time.Duration
	log        *logger.Logger
	onChange   []func(healthy bool)
	healthy    bool
	ran        bool
}

// NewChecker creates a health checker that re-runs its checks every period
func NewChecker(log *logger.Logger, period time.Duration) *Checker {
	if log == nil {
		log = logger.Nop()
	}
	c := &Checker{
		checks:     make(map[string]Check),
		components: make(map[string]*Component),
		info:       make(map[string]func() any),
		period:     period,
		timeout:    5 * time.Second,
		log:        log.WithComponent("health"),
		healthy:    true,
	}
	c.RegisterCheck("self", false, func(context.Context) (Status, string, error) {
		return StatusUp, "health checker is running", nil
	})
	return c
}

// RegisterCheck adds a check. A critical component that is down makes the
// whole system unhealthy.
func (c *Checker) RegisterCheck(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[name] = check
	c.components[name] = &Component{
		Name:        name,
		Status:      StatusDown,
		Critical:    critical,
		Description: "not checked yet",
	}
}

// RegisterPing registers a critical check backed by a ping function
func (c *Checker) RegisterPing(name string, ping func(ctx context.Context) error) {
	c.RegisterCheck(name, true, func(ctx context.Context) (Status, string, error) {
		if err := ping(ctx); err != nil {
			return StatusDown, name + " unreachable", err
		}
		return StatusUp, name + " reachable", nil
	})
}

// RegisterInfo adds a value reported verbatim in the HTTP output
func (c *Checker) RegisterInfo(name string, fn func() any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info[name] = fn
}

// OnChange registers fn to be called after the first run and whenever
// overall health flips
func (c *Checker) OnChange(fn func(healthy bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// RunChecks executes every registered check once
func (c *Checker) RunChecks(ctx context.Context) {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	type result struct {
		status Status
		desc   string
		err    error
	}
	results := make(map[string]result, len(checks))
	for name, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		status, desc, err := check(cctx)
		cancel()
		results[name] = result{status, desc, err}
	}

	c.mu.Lock()
	now := time.Now()
	for name, r := range results {
		comp := c.components[name]
		comp.Status = r.status
		comp.Description = r.desc
		comp.LastChecked = now
		comp.Error = ""
		if r.err != nil {
			comp.Error = r.err.Error()
			c.log.Warn("health check failed", "component", name, "status", string(r.status), "error", r.err.Error())
		}
	}
	healthy := c.healthyLocked()
	changed := !c.ran || healthy != c.healthy
	c.healthy = healthy
	c.ran = true
	listeners := append([]func(bool){}, c.onChange...)
	c.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(healthy)
		}
	}
}

// Start runs the checks immediately and then every period until ctx ends
func (c *Checker) Start(ctx context.Context) {
	go func() {
		c.RunChecks(ctx)
		if c.period <= 0 {
			return
		}
		ticker := time.NewTicker(c.period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.RunChecks(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// GetStatus returns a copy of every component
func (c *Checker) GetStatus() map[string]Component {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Component, len(c.components))
	for k, v := range c.components {
		out[k] = *v
	}
	return out
}

// IsSystemHealthy is false while any critical component is down
func (c *Checker) IsSystemHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthyLocked()
}

func (c *Checker) healthyLocked() bool {
	for _, comp := range c.components {
		if comp.Critical && comp.Status == StatusDown {
			return false
		}
	}
	return true
}

// HTTPHandler serves the component report; 503 when unhealthy
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthy := c.IsSystemHealthy()
		response := map[string]any{
			"status":     "ok",
			"timestamp":  time.Now(),
			"components": c.GetStatus(),
		}
		if !healthy {
			response["status"] = "unavailable"
		}

		c.mu.RLock()
		for name, fn := range c.info {
			response[name] = fn()
		}
		c.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			c.log.Error("failed to encode health response", "error", err.Error())
		}
	}
}
