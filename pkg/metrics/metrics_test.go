package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_PrivateRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	first := NewMetrics(nil, nil)
	second := NewMetrics(nil, nil)
	require.NotNil(t, first)
	require.NotNil(t, second)
}

func TestNewMetrics_Disabled(t *testing.T) {
	m := NewMetrics(&Config{Enabled: false}, nil)
	assert.Nil(t, m)

	// Every recorder is safe on a nil receiver.
	m.SetBreakerState("db", 1)
	m.RecordRejection("db")
	m.RecordProbe("search", time.Millisecond, nil)
	m.SetFailover("search", true)
	m.RecordCapabilityCall("search", "search", time.Millisecond, nil)
	m.UpdateDatabaseConnections(1, 1, 0, 0)
	m.RecordDatabaseQuery("query", time.Millisecond, nil)
	m.RecordAcquisitionTimeout()
	assert.NotNil(t, m.Handler())
}

func TestMetrics_Recorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(DefaultConfig(), reg)

	m.SetBreakerState("db", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("db")))

	m.RecordRejection("db")
	m.RecordRejection("db")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerRejections.WithLabelValues("db")))

	m.RecordProbe("search", 10*time.Millisecond, errors.New("status 503"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthProbesTotal.WithLabelValues("search", "failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ResourceHealthy.WithLabelValues("search")))

	m.RecordProbe("search", 10*time.Millisecond, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResourceHealthy.WithLabelValues("search")))

	m.SetFailover("search", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailoverActive.WithLabelValues("search")))

	m.RecordCapabilityCall("search", "search", time.Millisecond, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CapabilityCallsTotal.WithLabelValues("search", "search", "success")))

	m.UpdateDatabaseConnections(4, 2, 2, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DatabaseConnections.WithLabelValues("in_use")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DatabaseConnections.WithLabelValues("waiting")))

	m.RecordAcquisitionTimeout()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcquisitionTimeouts))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(DefaultConfig(), prometheus.NewRegistry())
	m.RecordRejection("db")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bizchat_resilience_circuit_breaker_rejections_total")
}
