package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/bizchat-gateway/internal/database"
	"github.com/NikhilSetiya/bizchat-gateway/internal/registry"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/config"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/logging"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/resilience"
)

type staticPool struct{ status database.PoolStatus }

func (p staticPool) GetPoolStatus() database.PoolStatus { return p.status }

type staticResources map[string]registry.ServerStatus

func (s staticResources) GetServerStatus(name string) (registry.ServerStatus, error) {
	status, ok := s[name]
	if !ok {
		return registry.ServerStatus{}, errors.NewResourceUnavailableError(name)
	}
	return status, nil
}

func healthyPool() database.PoolStatus {
	return database.PoolStatus{Name: "primary-store", Total: 2, Idle: 2, Max: 10, Healthy: true, CircuitState: "closed"}
}

func healthyResource(name string) registry.ServerStatus {
	return registry.ServerStatus{
		HealthRecord: registry.HealthRecord{ResourceName: name, Kind: config.KindSearch, Connected: true, Healthy: true},
		Circuit:      resilience.Snapshot{Name: name, State: resilience.StateClosed, StateName: "closed"},
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{Level: "debug", Format: "json"})
	require.NoError(t, err)
	logger.SetOutput(io.Discard)
	return NewService(logger, nil)
}

func TestPoolChecker(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*database.PoolStatus)
		want   Status
	}{
		{"healthy", func(*database.PoolStatus) {}, StatusHealthy},
		{"unhealthy", func(s *database.PoolStatus) { s.Healthy = false; s.LastError = "connection refused" }, StatusUnhealthy},
		{"breaker open", func(s *database.PoolStatus) { s.CircuitState = "open" }, StatusDegraded},
		{"pool pressure", func(s *database.PoolStatus) { s.InUse = 9 }, StatusDegraded},
		{"at threshold", func(s *database.PoolStatus) { s.InUse = 8 }, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := healthyPool()
			tt.mutate(&status)

			check := NewPoolChecker(staticPool{status}, "primary-store").Check(context.Background())
			assert.Equal(t, tt.want, check.Status)
			assert.True(t, check.Critical)
		})
	}
}

func TestPoolChecker_NilPool(t *testing.T) {
	check := NewPoolChecker(nil, "primary-store").Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
}

func TestResourceChecker(t *testing.T) {
	failover := healthyResource("web-search")
	failover.FailoverActive = true

	down := healthyResource("web-search")
	down.Healthy = false
	down.LastError = "timeout"

	halfOpen := healthyResource("web-search")
	halfOpen.Circuit.State = resilience.StateHalfOpen
	halfOpen.Circuit.StateName = "half-open"

	tests := []struct {
		name   string
		status registry.ServerStatus
		want   Status
	}{
		{"healthy", healthyResource("web-search"), StatusHealthy},
		{"failover", failover, StatusDegraded},
		{"unhealthy", down, StatusUnhealthy},
		{"half-open", halfOpen, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := staticResources{"web-search": tt.status}
			check := NewResourceChecker(source, "web-search").Check(context.Background())
			assert.Equal(t, tt.want, check.Status)
			assert.False(t, check.Critical)
		})
	}

	check := NewResourceChecker(staticResources{}, "missing").Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.NotEmpty(t, check.Error)
}

func TestCheckHealth_Aggregation(t *testing.T) {
	down := healthyResource("analytics")
	down.Healthy = false

	t.Run("all healthy", func(t *testing.T) {
		s := newTestService(t)
		s.RegisterChecker("primary-store", NewPoolChecker(staticPool{healthyPool()}, "primary-store"))
		s.RegisterChecker("web-search", NewResourceChecker(staticResources{"web-search": healthyResource("web-search")}, "web-search"))

		report := s.CheckHealth(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Len(t, report.Checks, 2)
	})

	t.Run("non-critical failure degrades", func(t *testing.T) {
		s := newTestService(t)
		s.RegisterChecker("primary-store", NewPoolChecker(staticPool{healthyPool()}, "primary-store"))
		s.RegisterChecker("analytics", NewResourceChecker(staticResources{"analytics": down}, "analytics"))

		assert.Equal(t, StatusDegraded, s.CheckHealth(context.Background()).Status)
	})

	t.Run("critical failure is unhealthy", func(t *testing.T) {
		pool := healthyPool()
		pool.Healthy = false

		s := newTestService(t)
		s.RegisterChecker("primary-store", NewPoolChecker(staticPool{pool}, "primary-store"))
		s.RegisterChecker("analytics", NewResourceChecker(staticResources{"analytics": down}, "analytics"))

		assert.Equal(t, StatusUnhealthy, s.CheckHealth(context.Background()).Status)
	})

	t.Run("nil check is unknown", func(t *testing.T) {
		s := newTestService(t)
		s.RegisterChecker("broken", CheckerFunc(func(context.Context) *Check { return nil }))

		report := s.CheckHealth(context.Background())
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Equal(t, StatusUnknown, report.Checks["broken"].Status)
	})

	t.Run("unregister", func(t *testing.T) {
		s := newTestService(t)
		s.RegisterChecker("analytics", NewResourceChecker(staticResources{"analytics": down}, "analytics"))
		s.UnregisterChecker("analytics")

		assert.Equal(t, StatusHealthy, s.CheckHealth(context.Background()).Status)
	})
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	pool := healthyPool()
	s := newTestService(t)
	s.RegisterChecker("primary-store", CheckerFunc(func(ctx context.Context) *Check {
		return NewPoolChecker(staticPool{pool}, "primary-store").Check(ctx)
	}))

	router := gin.New()
	router.GET("/health", s.Handler())
	router.GET("/health/live", s.LivenessHandler())
	router.GET("/health/ready", s.ReadinessHandler())

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(w, req)
		return w
	}

	w := get("/health")
	assert.Equal(t, http.StatusOK, w.Code)
	var report HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)

	pool.InUse = 10
	assert.Equal(t, http.StatusPartialContent, get("/health").Code)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)

	pool.Healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)

	w = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var ready map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.Equal(t, false, ready["ready"])
	assert.Equal(t, http.StatusOK, get("/health/live").Code)
}
