package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clicktocall/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
	// Critical checks make the whole service unhealthy; others degrade it.
	Critical bool
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(name string, critical bool, timeout time.Duration, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Timeout:  timeout,
		Critical: critical,
	})
}

// AddRedisCheck pings the redis inbox connection.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", true, timeout, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// AddBreakerCheck degrades health while the named circuit breaker is
// open, reporting how long it has been open and the last failure.
func (h *HealthChecker) AddBreakerCheck(name string, stats func() circuitbreaker.Stats) {
	h.AddCheck(name, false, time.Second, func(ctx context.Context) error {
		st := stats()
		if st.State != circuitbreaker.StateOpen {
			return nil
		}
		return fmt.Errorf("circuit breaker %s since %s (last failure %s)",
			st.State,
			st.StateChangeTime.UTC().Format(time.RFC3339),
			st.LastFailureTime.UTC().Format(time.RFC3339),
		)
	})
}

// CheckAll runs every check, each bounded by its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	for _, check := range checks {
		err := runCheck(ctx, check)
		if err == nil {
			status.Checks[check.Name] = StatusHealthy
			continue
		}

		status.Checks[check.Name] = err.Error()
		if check.Critical {
			status.Status = StatusUnhealthy
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	return status
}

// IsReady reports whether no critical check is failing.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status != StatusUnhealthy
}

func runCheck(ctx context.Context, check HealthCheck) error {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return check.Check(checkCtx)
}
