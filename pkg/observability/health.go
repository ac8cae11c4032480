// Package observability serves health probes and Prometheus metrics for both services.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthStatus represents the health status of the service
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is one named probe. A failing critical check makes the service unhealthy;
// a failing non-critical one only degrades it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// CheckStatus is the result of one probe.
type CheckStatus struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Duration string       `json:"duration,omitempty"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Service   string                 `json:"service"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks"`
}

// HealthChecker runs the registered probes of one service.
type HealthChecker struct {
	service string
	started time.Time

	mu     sync.RWMutex
	checks map[string]*HealthCheck
}

// NewHealthChecker returns a checker with no probes.
func NewHealthChecker(service string) *HealthChecker {
	return &HealthChecker{
		service: service,
		started: time.Now(),
		checks:  make(map[string]*HealthCheck),
	}
}

// RegisterCheck adds or replaces a probe.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[check.Name] = check
}

// Check runs every probe concurrently and folds the results.
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	results := make([]CheckStatus, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c *HealthCheck) {
			defer wg.Done()
			results[i] = runCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Service:   hc.service,
		Timestamp: time.Now(),
		Uptime:    time.Since(hc.started).Round(time.Second).String(),
		Checks:    make(map[string]CheckStatus, len(checks)),
	}
	for i, c := range checks {
		st := results[i]
		resp.Checks[c.Name] = st
		switch {
		case st.Status == HealthStatusUnhealthy:
			resp.Status = HealthStatusUnhealthy
		case st.Status == HealthStatusDegraded && resp.Status == HealthStatusHealthy:
			resp.Status = HealthStatusDegraded
		}
	}
	return resp
}

func runCheck(ctx context.Context, c *HealthCheck) CheckStatus {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.CheckFunc(ctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}

	st := CheckStatus{Status: HealthStatusHealthy, Message: "OK", Duration: time.Since(start).String()}
	if err != nil {
		st.Status = HealthStatusDegraded
		if c.Critical {
			st.Status = HealthStatusUnhealthy
		}
		st.Message = err.Error()
	}
	return st
}

// Handler serves the full health report. Degraded still answers 200.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := hc.Check(r.Context())
		code := http.StatusOK
		if resp.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// LivenessHandler answers as long as the process serves HTTP.
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler answers 200 only when every probe passes.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hc.Check(r.Context()).Status == HealthStatusHealthy {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// RedisCheck creates a critical check that pings the broker backing the queue and bus.
func RedisCheck(client redis.UniversalClient) *HealthCheck {
	return &HealthCheck{
		Name: "redis",
		CheckFunc: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		Timeout:  5 * time.Second,
		Critical: true,
	}
}

// ExternalServiceCheck creates a non-critical check for an optional dependency.
func ExternalServiceCheck(name string, checkFunc func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Timeout:   10 * time.Second,
		Critical:  false,
	}
}
