package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/bizchat-gateway/internal/database"
	"github.com/NikhilSetiya/bizchat-gateway/internal/registry"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/logging"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/resilience"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// poolPressureRatio is the in-use share of the pool above which the store
// is reported as degraded
const poolPressureRatio = 0.8

// Check represents a health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Critical  bool              `json:"critical"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) *Check

// Check implements Checker
func (f CheckerFunc) Check(ctx context.Context) *Check { return f(ctx) }

// Service aggregates registered checkers into one report
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	metadata map[string]string
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Service{
		checkers: make(map[string]Checker),
		logger:   logger,
		metadata: config.Metadata,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth runs all checks concurrently. An unhealthy critical check
// makes the report unhealthy; any other unhealthy or degraded check makes
// it degraded.
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			check := checker.Check(ctx)
			if check == nil {
				check = &Check{Name: name, Status: StatusUnknown, Timestamp: time.Now()}
			}

			mutex.Lock()
			checks[name] = check
			mutex.Unlock()
		}(name, checker)
	}
	wg.Wait()

	overall := aggregate(checks)
	if overall != StatusHealthy {
		s.logger.Warn("Health degraded", "status", string(overall), "failing", failingChecks(checks))
	}

	return &HealthResponse{
		Status:    overall,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

func aggregate(checks map[string]*Check) Status {
	overall := StatusHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			if check.Critical {
				return StatusUnhealthy
			}
			overall = StatusDegraded
		case StatusDegraded, StatusUnknown:
			overall = StatusDegraded
		}
	}
	return overall
}

func failingChecks(checks map[string]*Check) []string {
	var names []string
	for name, check := range checks {
		if check.Status != StatusHealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Handler returns a Gin handler for health checks
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		switch health.Status {
		case StatusUnhealthy:
			statusCode = http.StatusServiceUnavailable
		case StatusDegraded:
			statusCode = http.StatusPartialContent
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// PoolStatusSource reports the primary store pool status
type PoolStatusSource interface {
	GetPoolStatus() database.PoolStatus
}

// PoolChecker reports the pool's last recorded liveness. It never touches
// the database itself.
type PoolChecker struct {
	pool PoolStatusSource
	name string
}

// NewPoolChecker creates a new pool health checker
func NewPoolChecker(pool PoolStatusSource, name string) *PoolChecker {
	return &PoolChecker{pool: pool, name: name}
}

// Check implements Checker
func (pc *PoolChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      pc.name,
		Critical:  true,
		Timestamp: start,
	}

	if pc.pool == nil {
		check.Status = StatusUnhealthy
		check.Error = "pool is not configured"
		check.Duration = time.Since(start)
		return check
	}

	status := pc.pool.GetPoolStatus()
	check.Metadata = map[string]string{
		"total":         fmt.Sprintf("%d", status.Total),
		"idle":          fmt.Sprintf("%d", status.Idle),
		"in_use":        fmt.Sprintf("%d", status.InUse),
		"waiting":       fmt.Sprintf("%d", status.Waiting),
		"max":           fmt.Sprintf("%d", status.Max),
		"circuit_state": status.CircuitState,
	}
	check.Duration = time.Since(start)

	switch {
	case !status.Healthy:
		check.Status = StatusUnhealthy
		check.Error = status.LastError
	case status.CircuitState != resilience.StateClosed.String():
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("circuit breaker is %s", status.CircuitState)
	case status.Max > 0 && float64(status.InUse) > float64(status.Max)*poolPressureRatio:
		check.Status = StatusDegraded
		check.Message = "connection pool is running low"
	default:
		check.Status = StatusHealthy
		check.Message = "primary store is healthy"
	}
	return check
}

// ResourceStatusSource reports the status of registry resources
type ResourceStatusSource interface {
	GetServerStatus(name string) (registry.ServerStatus, error)
}

// ResourceChecker reports one capability resource from its health record
type ResourceChecker struct {
	source ResourceStatusSource
	name   string
}

// NewResourceChecker creates a checker for the named resource
func NewResourceChecker(source ResourceStatusSource, name string) *ResourceChecker {
	return &ResourceChecker{source: source, name: name}
}

// Check implements Checker
func (rc *ResourceChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      rc.name,
		Timestamp: start,
	}

	status, err := rc.source.GetServerStatus(rc.name)
	check.Duration = time.Since(start)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		return check
	}

	check.Metadata = map[string]string{
		"kind":                 string(status.Kind),
		"circuit_state":        status.Circuit.StateName,
		"consecutive_failures": fmt.Sprintf("%d", status.ConsecutiveFailures),
		"response_time_ms":     fmt.Sprintf("%d", status.LastResponseTimeMs),
		"failover_active":      fmt.Sprintf("%t", status.FailoverActive),
	}

	switch {
	case !status.Connected || !status.Healthy:
		check.Status = StatusUnhealthy
		check.Error = status.LastError
	case status.FailoverActive:
		check.Status = StatusDegraded
		check.Message = "failover active"
	case status.Circuit.State != resilience.StateClosed:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("circuit breaker is %s", status.Circuit.StateName)
	default:
		check.Status = StatusHealthy
		check.Message = "resource is healthy"
	}
	return check
}
