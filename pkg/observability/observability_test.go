package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckerFoldsStatuses(t *testing.T) {
	tests := []struct {
		name     string
		critical error
		optional error
		want     HealthStatus
	}{
		{"all pass", nil, nil, HealthStatusHealthy},
		{"optional fails", nil, errors.New("down"), HealthStatusDegraded},
		{"critical fails", errors.New("down"), nil, HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker("test")
			hc.RegisterCheck(&HealthCheck{Name: "crit", Critical: true, CheckFunc: func(context.Context) error { return tt.critical }})
			hc.RegisterCheck(ExternalServiceCheck("opt", func(context.Context) error { return tt.optional }))

			resp := hc.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, 2)
		})
	}
}

func TestHealthCheckTimeout(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(&HealthCheck{
		Name:     "slow",
		Critical: true,
		Timeout:  20 * time.Millisecond,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["slow"].Message, "deadline")
}

func TestServerRoutes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hc := NewHealthChecker("orchestrator")
	hc.RegisterCheck(RedisCheck(client))
	srv := NewServer(0, hc)
	srv.Handle("/extra", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "orchestrator", body.Service)
	assert.Equal(t, HealthStatusHealthy, body.Checks["redis"].Status)

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)
	assert.Equal(t, http.StatusTeapot, get("/extra").Code)

	RecordTask("answered", time.Second)
	SetQueueDepth(3)
	RecordAgentCost("PLANNER_AGENT", "gpt-4o", 0.002)
	metrics := get("/metrics")
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "conductor_tasks_total")
	assert.Contains(t, metrics.Body.String(), "conductor_task_queue_depth 3")
	assert.Contains(t, metrics.Body.String(), `conductor_agent_cost_usd_total{agent="PLANNER_AGENT",model="gpt-4o"} 0.002`)

	mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
}
