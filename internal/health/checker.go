// Package health runs periodic liveness checks for a running embedding job:
// the run ledger, the output directory, and optionally the inference backend.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultInterval is how often checks run while a job is active.
const DefaultInterval = 30 * time.Second

// Check is a single named probe.
type Check struct {
	Name    string
	CheckFn func(ctx context.Context) error
}

// Status is the latest result of one check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is satisfied by the sqlite ledger.
type Pinger interface {
	Ping() error
}

// ReadyProber is satisfied by backends that expose a readiness endpoint.
type ReadyProber interface {
	Ready(ctx context.Context) error
}

// Checker runs its checks on an interval and keeps the latest statuses.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker builds the standard checks. backend may be nil.
func NewChecker(ledger Pinger, outputDir string, backend ReadyProber) *Checker {
	c := &Checker{interval: DefaultInterval}
	c.Add(Check{
		Name:    "ledger",
		CheckFn: func(ctx context.Context) error { return ledger.Ping() },
	})
	c.Add(Check{
		Name:    "output_dir",
		CheckFn: func(ctx context.Context) error { return checkOutputDir(outputDir) },
	})
	if backend != nil {
		c.Add(Check{
			Name: "backend",
			CheckFn: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				return backend.Ready(ctx)
			},
		})
	}
	return c
}

// Add registers another check. Not safe to call once Run has started.
func (c *Checker) Add(check Check) {
	c.checks = append(c.checks, check)
}

// SetInterval overrides DefaultInterval. Non-positive values are ignored.
func (c *Checker) SetInterval(d time.Duration) {
	if d > 0 {
		c.interval = d
	}
}

// Run checks immediately and then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check once and records the results.
func (c *Checker) RunOnce(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{Name: check.Name, CheckedAt: time.Now(), Healthy: true}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns a copy of the latest results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy reports whether every check passed on the last round.
// It is vacuously true before the first round.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkOutputDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check output dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output path %s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("output dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
