// Package health serves liveness, readiness and dependency checks for the
// status server.
package health

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each dependency check.
const checkTimeout = 2 * time.Second

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc checks one dependency.
type CheckFunc func(ctx context.Context) error

// Checker tracks readiness and the registered dependency checks.
type Checker struct {
	version   string
	startTime time.Time
	ready     atomic.Bool

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewChecker(version string) *Checker {
	return &Checker{
		version:   version,
		startTime: time.Now(),
		checks:    map[string]CheckFunc{},
	}
}

// AddCheck registers a dependency check under name.
func (c *Checker) AddCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetReady is flipped once every dependency of the run has started.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

func (c *Checker) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1/health")
	g.GET("", c.Health)
	g.GET("/live", c.Live)
	g.GET("/ready", c.Ready)
}

type HealthStatus struct {
	Status     string                  `json:"status"`
	Ready      bool                    `json:"ready"`
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	ReportedAt time.Time               `json:"reported_at"`
}

type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Run checks every dependency concurrently.
func (c *Checker) Run(ctx context.Context) map[string]*CheckResult {
	c.mu.RLock()
	checks := maps.Clone(c.checks)
	c.mu.RUnlock()

	results := make(map[string]*CheckResult, len(checks))
	var mu sync.Mutex
	var g errgroup.Group
	for _, name := range slices.Sorted(maps.Keys(checks)) {
		check := checks[name]
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := check(ctx)
			res := &CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
			if err != nil {
				res.Status = StatusUnhealthy
				res.Message = err.Error()
			}

			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Health reports every check; any failure answers 503.
func (c *Checker) Health(ctx echo.Context) error {
	status := &HealthStatus{
		Status:     StatusHealthy,
		Ready:      c.ready.Load(),
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     c.Run(ctx.Request().Context()),
		ReportedAt: time.Now().UTC(),
	}
	for _, res := range status.Checks {
		if res.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
		}
	}

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return ctx.JSON(code, status)
}

func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

func (c *Checker) Ready(ctx echo.Context) error {
	if c.ready.Load() {
		return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
	return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "starting"})
}
