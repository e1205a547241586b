package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validResources = `
resources:
  - name: web-search
    kind: search
    endpoint: https://search.example.com
    health:
      interval_ms: 10000
      timeout_ms: 2000
  - name: session-cache
    kind: cache
    endpoint: localhost:6379
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunValidate(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runValidate(&out, writeFile(t, validResources)))

	assert.Contains(t, out.String(), "web-search")
	assert.Contains(t, out.String(), "interval=10s timeout=2s")
	assert.Contains(t, out.String(), "2 resources are valid")
}

func TestRunValidate_Invalid(t *testing.T) {
	invalid := `
resources:
  - name: web-search
    kind: search
`
	var out bytes.Buffer
	err := runValidate(&out, writeFile(t, invalid))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	assert.Error(t, runValidate(&out, filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestRunStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/resources", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success": true,
			"data": {
				"resources": [
					{"resource_name": "web-search", "kind": "search", "healthy": false,
					 "failover_active": true, "last_error": "status 503",
					 "circuit": {"name": "web-search", "state": "open"}}
				],
				"pool": {"name": "primary", "healthy": true, "circuit_state": "closed", "in_use": 1, "max": 10, "idle": 2}
			}
		}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, runStatus(&out, newClient(srv.URL)))

	assert.Contains(t, out.String(), "primary store primary: healthy=true circuit=closed in_use=1/10 idle=2")
	assert.Contains(t, out.String(), "web-search")
	assert.Contains(t, out.String(), "open")
	assert.Contains(t, out.String(), "status 503")
}

func TestRunFailover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1/resources/warehouse/failover" {
			_, _ = w.Write([]byte(`{"success": true}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"success": false, "error": {"code": "RESOURCE_UNAVAILABLE", "message": "resource missing is not registered"}}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, runFailover(&out, newClient(srv.URL), "warehouse"))
	assert.Contains(t, out.String(), "failover active for warehouse")

	err := runFailover(&out, newClient(srv.URL), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESOURCE_UNAVAILABLE")
}
