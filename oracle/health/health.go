package health

import (
	"context"
	"sync"
	"time"

	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
)

type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

type HealthStatus struct {
	Healthy   bool
	LastCheck time.Time
	LastError error
}

// HealthChecker runs every registered check on a fixed interval.
type HealthChecker struct {
	checks   map[string]HealthCheck
	mutex    sync.RWMutex
	interval time.Duration
	timeout  time.Duration
	status   map[string]HealthStatus
}

func NewHealthChecker(interval, timeout time.Duration) *HealthChecker {
	return &HealthChecker{
		checks:   make(map[string]HealthCheck),
		status:   make(map[string]HealthStatus),
		interval: interval,
		timeout:  timeout,
	}
}

func (hc *HealthChecker) AddCheck(check HealthCheck) {
	hc.mutex.Lock()
	defer hc.mutex.Unlock()

	name := check.Name()
	hc.checks[name] = check
	hc.status[name] = HealthStatus{Healthy: true, LastCheck: time.Now()}

	log.Debugf("health: added check %s", name)
}

// Start blocks until ctx is done, running all checks once immediately.
func (hc *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			hc.RunChecks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunChecks executes every check concurrently and waits for all of them.
func (hc *HealthChecker) RunChecks(ctx context.Context) {
	hc.mutex.RLock()
	checks := make([]HealthCheck, 0, len(hc.checks))
	for _, check := range hc.checks {
		checks = append(checks, check)
	}
	hc.mutex.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, hc.timeout)
			err := check.Check(cctx)
			cancel()

			hc.mutex.Lock()
			prev := hc.status[check.Name()]
			hc.status[check.Name()] = HealthStatus{Healthy: err == nil, LastCheck: time.Now(), LastError: err}
			hc.mutex.Unlock()

			switch {
			case err != nil:
				log.Warnf("health check %s failed: %v", check.Name(), err)
			case !prev.Healthy:
				log.Infof("health check %s recovered", check.Name())
			}
		}(check)
	}
	wg.Wait()
}

func (hc *HealthChecker) GetStatus() map[string]HealthStatus {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()

	result := make(map[string]HealthStatus, len(hc.status))
	for name, status := range hc.status {
		result[name] = status
	}
	return result
}

func (hc *HealthChecker) IsHealthy() bool {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()

	for _, status := range hc.status {
		if !status.Healthy {
			return false
		}
	}
	return true
}

// CheckFunc adapts a function into a named HealthCheck.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func NewCheck(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Check(ctx context.Context) error {
	return c.fn(ctx)
}

func (c *CheckFunc) Name() string {
	return c.name
}
