package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/bizchat-gateway/pkg/logging"
)

func newTestRouter(t *testing.T) (*gin.Engine, *bytes.Buffer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger, err := logging.NewLogger(&logging.Config{Level: "info", Format: "json"})
	require.NoError(t, err)
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	router := gin.New()
	router.Use(RecoveryMiddleware(logger))
	router.Use(LoggingMiddleware(logger))
	router.Use(ErrorLoggingMiddleware(logger))

	router.GET("/ok", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"correlation_id": logging.GetCorrelationID(c.Request.Context()),
			"session_id":     logging.GetSessionID(c.Request.Context()),
		})
	})
	router.GET("/fail", func(c *gin.Context) {
		_ = c.Error(errors.New("store unavailable"))
		c.Status(http.StatusServiceUnavailable)
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return router, &buf
}

func entries(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()

	var out []map[string]interface{}
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		out = append(out, entry)
	}
	return out
}

func TestLoggingMiddleware_PropagatesHeaders(t *testing.T) {
	router, buf := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(HeaderCorrelationID, "corr-1")
	req.Header.Set(HeaderSessionID, "sess-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "corr-1", w.Header().Get(HeaderCorrelationID))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "corr-1", body["correlation_id"])
	assert.Equal(t, "sess-1", body["session_id"])

	logs := entries(t, buf)
	require.Len(t, logs, 1)
	assert.Equal(t, "HTTP request completed", logs[0]["message"])
	assert.Equal(t, "corr-1", logs[0]["correlation_id"])
}

func TestLoggingMiddleware_GeneratesCorrelationID(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

	assert.NotEmpty(t, w.Header().Get(HeaderCorrelationID))
}

func TestErrorLoggingMiddleware(t *testing.T) {
	router, buf := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var messages []string
	for _, entry := range entries(t, buf) {
		messages = append(messages, entry["message"].(string))
	}
	assert.Contains(t, messages, "Request processing error")
	assert.Contains(t, messages, "HTTP request failed")
}

func TestRecoveryMiddleware(t *testing.T) {
	router, buf := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Internal server error")
	assert.Contains(t, buf.String(), "Request panic recovered")
}
