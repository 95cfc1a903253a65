// Package health reports whether the editor can reach its manuscript
// store, both as a periodic connection monitor and as an aggregated
// component check served over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status is the state of one component or of the whole editor.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// defaultCheckTimeout applies to components registered without one.
const defaultCheckTimeout = 5 * time.Second

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check probes one component.
type Check func(ctx context.Context) CheckResult

// Component is a named check. A failing critical component makes the
// editor unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs the registered component checks and remembers the last
// result of each.
type Checker struct {
	started time.Time

	mu         sync.RWMutex
	components []*Component
	last       map[string]CheckResult
}

func NewChecker() *Checker {
	return &Checker{
		started: time.Now(),
		last:    make(map[string]CheckResult),
	}
}

// Register adds comp, replacing any component with the same name.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = defaultCheckTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.components {
		if existing.Name == comp.Name {
			c.components[i] = comp
			c.last[comp.Name] = CheckResult{Status: StatusUnknown}
			return
		}
	}
	c.components = append(c.components, comp)
	c.last[comp.Name] = CheckResult{Status: StatusUnknown}
}

func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Names lists the components in registration order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.components))
	for i, comp := range c.components {
		names[i] = comp.Name
	}
	return names
}

// Check runs every component concurrently and returns the results by name.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := append([]*Component(nil), c.components...)
	c.mu.RUnlock()

	out := make([]CheckResult, len(comps))
	var wg sync.WaitGroup
	for i, comp := range comps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = probe(ctx, comp)
		}()
	}
	wg.Wait()

	results := make(map[string]CheckResult, len(comps))
	c.mu.Lock()
	for i, comp := range comps {
		results[comp.Name] = out[i]
		c.last[comp.Name] = out[i]
	}
	c.mu.Unlock()
	return results
}

// probe runs one check under its timeout. A check that panics or outlives
// the timeout counts as unhealthy.
func probe(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		ch <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// OverallStatus folds the last results into one status. A critical
// component that has never been checked leaves the editor unknown.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return aggregate(c.components, c.last)
}

func aggregate(comps []*Component, last map[string]CheckResult) Status {
	status := StatusHealthy
	for _, comp := range comps {
		switch last[comp.Name].Status {
		case StatusHealthy:
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			if status == StatusHealthy {
				status = StatusDegraded
			}
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		default:
			if comp.Critical {
				status = StatusUnknown
			}
		}
	}
	return status
}

// Response is the body served by Handler.
type Response struct {
	Status     Status                 `json:"status"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Handler runs every check per request. It answers 200 while the editor
// is healthy or degraded and 503 otherwise.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := Response{
			Components: c.Check(r.Context()),
			Status:     c.OverallStatus(),
			Uptime:     time.Since(c.started).Round(time.Second).String(),
			Timestamp:  time.Now().UTC(),
		}

		code := http.StatusServiceUnavailable
		if resp.Status == StatusHealthy || resp.Status == StatusDegraded {
			code = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	})
}

// PingCheck adapts a ping function into a Check for the component what.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: what + " unreachable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " reachable"}
	}
}
