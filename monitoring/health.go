package monitoring

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
	Degraded  HealthStatus = "degraded"
)

type HealthCheck struct {
	Name        string        `json:"name"`
	Status      HealthStatus  `json:"status"`
	Message     string        `json:"message"`
	Duration    time.Duration `json:"duration"`
	LastChecked time.Time     `json:"last_checked"`
	Error       string        `json:"error,omitempty"`
}

type registeredCheck struct {
	fn       func(context.Context) error
	critical bool
}

// HealthChecker runs named checks. A failing critical check makes the service
// unhealthy; a failing optional one (cache, upstream breaker) only degrades it.
type HealthChecker struct {
	checks  map[string]registeredCheck
	timeout time.Duration
	mu      sync.RWMutex
}

func CreateHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		checks:  make(map[string]registeredCheck),
		timeout: timeout,
	}
}

func (hc *HealthChecker) AddCheck(name string, check func(context.Context) error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = registeredCheck{fn: check, critical: critical}
}

func (hc *HealthChecker) runCheck(ctx context.Context, name string, check registeredCheck) HealthCheck {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	err := check.fn(ctx)
	duration := time.Since(start)

	if err == nil {
		return HealthCheck{Name: name, Status: Healthy, Message: "OK", Duration: duration, LastChecked: time.Now()}
	}

	status := Degraded
	if check.critical {
		status = Unhealthy
	}
	return HealthCheck{
		Name:        name,
		Status:      status,
		Message:     "Failed",
		Duration:    duration,
		LastChecked: time.Now(),
		Error:       err.Error(),
	}
}

// RunAllChecks runs every check concurrently.
func (hc *HealthChecker) RunAllChecks(ctx context.Context) map[string]HealthCheck {
	hc.mu.RLock()
	checks := make(map[string]registeredCheck, len(hc.checks))
	for name, c := range hc.checks {
		checks[name] = c
	}
	hc.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]HealthCheck, len(checks))
		g       errgroup.Group
	)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			res := hc.runCheck(ctx, name, check)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (hc *HealthChecker) GetOverallStatus(checks map[string]HealthCheck) HealthStatus {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case Unhealthy:
			hasUnhealthy = true
		case Degraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return Unhealthy
	}
	if hasDegraded {
		return Degraded
	}
	return Healthy
}

type SystemHealth struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]HealthCheck `json:"checks"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
}

type HealthService struct {
	checker   *HealthChecker
	startTime time.Time
	version   string
}

func CreateHealthService(version string) *HealthService {
	return &HealthService{
		checker:   CreateHealthChecker(5 * time.Second),
		startTime: time.Now(),
		version:   version,
	}
}

func (hs *HealthService) AddCheck(name string, check func(context.Context) error, critical bool) {
	hs.checker.AddCheck(name, check, critical)
}

func (hs *HealthService) GetHealth(ctx context.Context) SystemHealth {
	checks := hs.checker.RunAllChecks(ctx)

	return SystemHealth{
		Status:    hs.checker.GetOverallStatus(checks),
		Timestamp: time.Now(),
		Checks:    checks,
		Uptime:    time.Since(hs.startTime).Round(time.Second).String(),
		Version:   hs.version,
	}
}
