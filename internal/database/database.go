package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/NikhilSetiya/bizchat-gateway/internal/monitor"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/config"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/logging"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/metrics"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/resilience"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/tracing"
)

// DefaultName identifies the primary store in logs, metrics and status
const DefaultName = "primary-store"

const probeQuery = "SELECT 1"

// Options configures a Manager
type Options struct {
	Config *config.DatabaseConfig
	// Name defaults to DefaultName
	Name string
	// Driver and DSN default to lib/pq and Config.DSN()
	Driver string
	DSN    string

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.TracingService
	// Monitor schedules the liveness probe. When nil the manager runs its own.
	Monitor *monitor.Monitor
}

// PoolStatus is a point-in-time view of the pool
type PoolStatus struct {
	Name                string    `json:"name"`
	Total               int       `json:"total"`
	Idle                int       `json:"idle"`
	InUse               int       `json:"in_use"`
	Waiting             int       `json:"waiting"`
	Max                 int       `json:"max"`
	Min                 int       `json:"min"`
	Healthy             bool      `json:"healthy"`
	CircuitState        string    `json:"circuit_state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastCheckedAt       time.Time `json:"last_checked_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Manager owns the bounded primary store pool and a separate single
// connection reserved for liveness probes. Every foreground call goes
// through the circuit breaker.
type Manager struct {
	name     string
	cfg      *config.DatabaseConfig
	db       *sqlx.DB
	liveness *sqlx.DB
	breaker  *resilience.CircuitBreaker

	logger      *logging.Logger
	metrics     *metrics.Metrics
	tracer      *tracing.TracingService
	monitor     *monitor.Monitor
	ownsMonitor bool

	waiting atomic.Int32

	mu            sync.RWMutex
	started       bool
	closed        bool
	healthy       bool
	lastCheckedAt time.Time
	lastError     string
}

// NewManager opens the pool and the liveness connection without dialing
func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.NewConfigurationError("database configuration is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Driver == "" {
		opts.Driver = "postgres"
	}
	if opts.DSN == "" {
		opts.DSN = opts.Config.DSN()
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger()
	}

	cfg := opts.Config

	db, err := sqlx.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, errors.NewConnectionInitError(opts.Name, err)
	}
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMax)
	db.SetConnMaxIdleTime(cfg.IdleTimeout)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	liveness, err := sqlx.Open(opts.Driver, opts.DSN)
	if err != nil {
		db.Close()
		return nil, errors.NewConnectionInitError(opts.Name, err)
	}
	liveness.SetMaxOpenConns(1)
	liveness.SetMaxIdleConns(1)
	liveness.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	m := &Manager{
		name:     opts.Name,
		cfg:      cfg,
		db:       db,
		liveness: liveness,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		monitor:  opts.Monitor,
	}

	if m.monitor == nil {
		m.monitor = monitor.New(monitor.Options{Logger: opts.Logger, Metrics: opts.Metrics, Tracer: opts.Tracer})
		m.ownsMonitor = true
	}

	m.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             opts.Name,
		FailureThreshold: cfg.BreakerThreshold,
		RecoveryTimeout:  cfg.BreakerRecovery,
		Logger:           opts.Logger,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			m.metrics.SetBreakerState(name, int(to))
		},
		OnReject: m.metrics.RecordRejection,
	})

	return m, nil
}

// Start warms up the minimum number of pooled connections and schedules the
// liveness probe. A failed warm-up leaves the manager running but unhealthy.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.NewResourceUnavailableError(m.name)
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	warmErr := m.warmUp(ctx)
	if warmErr != nil {
		m.recordHealth(warmErr)
		m.logger.Error("Primary store warm-up failed", "resource", m.name, "error", warmErr)
	}

	if err := m.monitor.Watch(monitor.Target{
		Key:       m.probeKey(),
		Name:      m.name,
		Kind:      string(config.KindRelationalStore),
		Interval:  m.cfg.HealthInterval,
		Timeout:   m.cfg.HealthTimeout,
		Immediate: warmErr == nil,
		Probe:     m.probe,
		OnResult:  m.handleProbe,
	}); err != nil {
		return err
	}

	if warmErr != nil {
		return errors.NewConnectionInitError(m.name, warmErr)
	}

	m.logger.Info("Primary store pool started",
		"resource", m.name,
		"min", m.cfg.PoolMin,
		"max", m.cfg.PoolMax,
	)
	return nil
}

func (m *Manager) warmUp(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()

	if err := m.liveness.PingContext(ctx); err != nil {
		return err
	}

	conns := make([]*sqlx.Conn, 0, m.cfg.PoolMin)
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()

	for i := 0; i < m.cfg.PoolMin; i++ {
		conn, err := m.db.Connx(ctx)
		if err != nil {
			return err
		}
		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			return err
		}
		conns = append(conns, conn)
	}
	return nil
}

// probe runs the trivial query on the dedicated connection
func (m *Manager) probe(ctx context.Context) error {
	_, err := m.liveness.ExecContext(ctx, probeQuery)
	return err
}

// handleProbe folds a probe result into the health flag. Success also
// clears the breaker's failure streak; failure leaves the breaker alone.
func (m *Manager) handleProbe(result monitor.Result) {
	m.recordHealth(result.Err)
	if result.Healthy {
		m.breaker.ResetFailures()
	}

	stats := m.db.Stats()
	m.metrics.UpdateDatabaseConnections(stats.OpenConnections, stats.Idle, stats.InUse, int(m.waiting.Load()))
}

func (m *Manager) recordHealth(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastCheckedAt = time.Now()
	if err != nil {
		m.healthy = false
		m.lastError = err.Error()
		return
	}
	m.healthy = true
	m.lastError = ""
}

// GetConnection checks a connection out of the pool. The caller must Close
// it. Waiting longer than the acquisition timeout fails with
// AcquisitionTimeout.
func (m *Manager) GetConnection(ctx context.Context) (*sqlx.Conn, error) {
	if err := m.ensureOpen(); err != nil {
		return nil, err
	}

	result, err := m.breaker.Execute(ctx, "getConnection", func(ctx context.Context) (interface{}, error) {
		return m.acquire(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*sqlx.Conn), nil
}

func (m *Manager) acquire(ctx context.Context) (*sqlx.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquisitionTimeout)
	defer cancel()

	m.waiting.Add(1)
	conn, err := m.db.Connx(acquireCtx)
	m.waiting.Add(-1)

	if err != nil {
		if ctx.Err() == nil && stderrors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			m.metrics.RecordAcquisitionTimeout()
			return nil, errors.NewAcquisitionTimeoutError(m.cfg.AcquisitionTimeout).WithCause(err)
		}
		return nil, err
	}
	return conn, nil
}

// Query runs a statement on a pooled connection and returns every row as a
// column map
func (m *Manager) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	err := m.withConn(ctx, "query", func(ctx context.Context, conn *sqlx.Conn) error {
		result, err := conn.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer result.Close()

		for result.Next() {
			row := make(map[string]interface{})
			if err := result.MapScan(row); err != nil {
				return err
			}
			for k, v := range row {
				if b, ok := v.([]byte); ok {
					row[k] = string(b)
				}
			}
			rows = append(rows, row)
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Select runs a query and scans the rows into dest with sqlx
func (m *Manager) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return m.withConn(ctx, "select", func(ctx context.Context, conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, dest, query, args...)
	})
}

// Exec runs a statement that returns no rows
func (m *Manager) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var affected int64
	err := m.withConn(ctx, "exec", func(ctx context.Context, conn *sqlx.Conn) error {
		result, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

// QueryWithClient checks out one connection for fn and releases it on every
// exit path, including a panic in fn.
func (m *Manager) QueryWithClient(ctx context.Context, fn func(context.Context, *sqlx.Conn) error) error {
	return m.withConn(ctx, "queryWithClient", fn)
}

func (m *Manager) withConn(ctx context.Context, operation string, fn func(context.Context, *sqlx.Conn) error) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}

	ctx, span := m.tracer.StartDatabaseSpan(ctx, operation)
	start := time.Now()

	_, err := m.breaker.Execute(ctx, operation, func(ctx context.Context) (interface{}, error) {
		conn, err := m.acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		return nil, fn(ctx, conn)
	})

	m.metrics.RecordDatabaseQuery(operation, time.Since(start), err)
	m.tracer.EndSpan(span, err)
	return err
}

// GetPoolStatus reports pool usage together with health and breaker state
func (m *Manager) GetPoolStatus() PoolStatus {
	stats := m.db.Stats()
	snap := m.breaker.Snapshot()

	m.mu.RLock()
	defer m.mu.RUnlock()

	return PoolStatus{
		Name:                m.name,
		Total:               stats.OpenConnections,
		Idle:                stats.Idle,
		InUse:               stats.InUse,
		Waiting:             int(m.waiting.Load()),
		Max:                 m.cfg.PoolMax,
		Min:                 m.cfg.PoolMin,
		Healthy:             m.healthy,
		CircuitState:        snap.StateName,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		LastCheckedAt:       m.lastCheckedAt,
		LastError:           m.lastError,
	}
}

// IsHealthy reports the result of the last liveness probe
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Name returns the resource name of the pool
func (m *Manager) Name() string {
	return m.name
}

// Ping checks the dedicated liveness connection once
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	return m.probe(ctx)
}

// Close stops the probe, then closes both connection sets. It is safe to
// call more than once.
// probeKey keeps the pool's loop apart from registry resources of the same
// name on a shared monitor
func (m *Manager) probeKey() string {
	return "pool/" + m.name
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.ownsMonitor {
		m.monitor.Stop()
	} else {
		m.monitor.Unwatch(m.probeKey())
	}

	var errs []error
	if err := m.liveness.Close(); err != nil {
		errs = append(errs, fmt.Errorf("liveness connection: %w", err))
	}
	if err := m.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}

	m.mu.Lock()
	m.healthy = false
	m.mu.Unlock()

	m.logger.Info("Primary store pool closed", "resource", m.name)

	if len(errs) > 0 {
		return errors.NewInternalError("failed to close primary store").WithCause(stderrors.Join(errs...))
	}
	return nil
}

func (m *Manager) ensureOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.NewResourceUnavailableError(m.name)
	}
	return nil
}
