package gateway

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/bizchat-gateway/internal/database"
	"github.com/NikhilSetiya/bizchat-gateway/internal/middleware"
	"github.com/NikhilSetiya/bizchat-gateway/internal/registry"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/logging"
)

// APIResponse is the envelope of every /v1 response
type APIResponse struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	Error         *APIError   `json:"error,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// APIError is the error body of a failed /v1 call
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ExecuteRequest is the body of POST /v1/resources/:name/execute
type ExecuteRequest struct {
	Operation string                  `json:"operation" binding:"required"`
	Args      registry.Args           `json:"args"`
	Context   registry.RequestContext `json:"context"`
}

// ResourcesResponse lists the capability resources and the primary store
type ResourcesResponse struct {
	Resources []registry.ServerStatus `json:"resources"`
	Pool      database.PoolStatus     `json:"pool"`
}

// Router builds the HTTP surface: health probes, Prometheus metrics and the
// /v1 status and call endpoints
func (g *Gateway) Router() *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(g.logger))
	router.Use(g.tracer.TracingMiddleware())
	router.Use(middleware.LoggingMiddleware(g.logger))
	router.Use(middleware.ErrorLoggingMiddleware(g.logger))

	router.GET("/health", g.health.Handler())
	router.GET("/health/live", g.health.LivenessHandler())
	router.GET("/health/ready", g.health.ReadinessHandler())
	router.GET("/metrics", gin.WrapH(g.metrics.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/pool", g.handlePoolStatus)
		v1.GET("/resources", g.handleListResources)
		v1.GET("/resources/:name", g.handleGetResource)
		v1.POST("/resources/:name/execute", g.handleExecute)
		v1.POST("/resources/:name/failover", g.handleFailover)
	}

	return router
}

func (g *Gateway) handlePoolStatus(c *gin.Context) {
	success(c, g.GetPoolStatus())
}

func (g *Gateway) handleListResources(c *gin.Context) {
	success(c, ResourcesResponse{
		Resources: g.GetAllServerStatus(),
		Pool:      g.GetPoolStatus(),
	})
}

func (g *Gateway) handleGetResource(c *gin.Context) {
	status, err := g.GetServerStatus(c.Param("name"))
	if err != nil {
		failure(c, err)
		return
	}
	success(c, status)
}

func (g *Gateway) handleExecute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, errors.NewValidationError("invalid execute request").WithCause(err))
		return
	}

	ctx := c.Request.Context()
	if req.Context.SessionID == "" {
		req.Context.SessionID = logging.GetSessionID(ctx)
	}
	if req.Context.UserID == "" {
		req.Context.UserID = logging.GetUserID(ctx)
	}

	result, err := g.ExecuteWithContext(ctx, c.Param("name"), req.Operation, req.Args, req.Context)
	if err != nil {
		_ = c.Error(err)
		failure(c, err)
		return
	}
	success(c, result)
}

func (g *Gateway) handleFailover(c *gin.Context) {
	name := c.Param("name")
	if err := g.ActivateFailover(name); err != nil {
		failure(c, err)
		return
	}
	status, err := g.GetServerStatus(name)
	if err != nil {
		failure(c, err)
		return
	}
	success(c, status)
}

func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:       true,
		Data:          data,
		CorrelationID: logging.GetCorrelationID(c.Request.Context()),
		Timestamp:     time.Now(),
	})
}

func failure(c *gin.Context, err error) {
	apiErr := &APIError{Code: errors.GetCode(err), Message: err.Error()}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		apiErr.Message = appErr.Message
		apiErr.Details = appErr.Details
	}

	c.JSON(statusFor(err), APIResponse{
		Success:       false,
		Error:         apiErr,
		CorrelationID: logging.GetCorrelationID(c.Request.Context()),
		Timestamp:     time.Now(),
	})
}

// statusFor maps an error type to its HTTP status
func statusFor(err error) int {
	switch errors.GetType(err) {
	case errors.ErrorTypeValidation, errors.ErrorTypeUnsupported:
		return http.StatusBadRequest
	case errors.ErrorTypeUnavailable, errors.ErrorTypeUnhealthy, errors.ErrorTypeCircuitOpen:
		return http.StatusServiceUnavailable
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorTypeExternal, errors.ErrorTypeConnectionInit:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
