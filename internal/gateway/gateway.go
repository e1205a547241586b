// Package gateway is the composition root of the resilience layer. It owns
// the shared health monitor, the primary store pool and the capability
// registry, and exposes the call surface used by agents and tools.
package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/NikhilSetiya/bizchat-gateway/internal/database"
	"github.com/NikhilSetiya/bizchat-gateway/internal/monitor"
	"github.com/NikhilSetiya/bizchat-gateway/internal/providers/cache"
	"github.com/NikhilSetiya/bizchat-gateway/internal/providers/dataquery"
	"github.com/NikhilSetiya/bizchat-gateway/internal/providers/search"
	"github.com/NikhilSetiya/bizchat-gateway/internal/registry"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/config"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/health"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/logging"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/metrics"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/tracing"
)

// Options configures a Gateway
type Options struct {
	Config *config.Config
	Logger *logging.Logger
	// Registerer receives the Prometheus collectors. When nil a private
	// registry is used.
	Registerer prometheus.Registerer
	// TracerOptions attach exporters or span processors to the tracer
	TracerOptions []sdktrace.TracerProviderOption

	// Connectors override the built-in provider per kind
	Connectors map[config.ResourceKind]registry.Connector
	// DatabaseDriver and DatabaseDSN override lib/pq and the configured DSN
	DatabaseDriver string
	DatabaseDSN    string
}

// Gateway is the explicit resilience-layer object. Nothing is connected
// until Initialize; Shutdown tears everything down in a fixed order.
type Gateway struct {
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.TracingService
	monitor  *monitor.Monitor
	pool     *database.Manager
	registry *registry.Registry
	health   *health.Service

	mu          sync.Mutex
	initialized bool
	shutdown    bool
}

// New builds every component from cfg without opening any connection
func New(opts Options) (*Gateway, error) {
	if opts.Config == nil {
		return nil, errors.NewConfigurationError("gateway configuration is required")
	}
	cfg := opts.Config
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger()
	}
	logger := opts.Logger

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Subsystem: metrics.DefaultConfig().Subsystem,
		Enabled:   cfg.Metrics.Enabled,
	}, opts.Registerer)

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	}, opts.TracerOptions...)
	if err != nil {
		return nil, errors.NewConfigurationError("failed to initialize tracing").WithCause(err)
	}

	mon := monitor.New(monitor.Options{Logger: logger, Metrics: m, Tracer: tracer})

	pool, err := database.NewManager(database.Options{
		Config:  &cfg.Database,
		Driver:  opts.DatabaseDriver,
		DSN:     opts.DatabaseDSN,
		Logger:  logger,
		Metrics: m,
		Tracer:  tracer,
		Monitor: mon,
	})
	if err != nil {
		mon.Stop()
		_ = tracer.Shutdown(context.Background())
		return nil, err
	}

	connectors := map[config.ResourceKind]registry.Connector{
		config.KindSearch:          search.NewConnector(search.Options{Tracer: tracer}),
		config.KindDataQuery:       dataquery.NewConnector(dataquery.Options{}),
		config.KindCache:           cache.NewConnector(),
		config.KindRelationalStore: newStoreConnector(pool),
	}
	for kind, connector := range opts.Connectors {
		connectors[kind] = connector
	}

	reg := registry.New(registry.Options{
		Descriptors: cfg.Resources,
		Connectors:  connectors,
		Logger:      logger,
		Metrics:     m,
		Tracer:      tracer,
		Monitor:     mon,
	})

	hs := health.NewService(logger, &health.Config{
		Metadata: map[string]string{"service": "bizchat-gateway", "version": Version},
	})
	hs.RegisterChecker(pool.Name(), health.NewPoolChecker(pool, pool.Name()))

	return &Gateway{
		logger:   logger,
		metrics:  m,
		tracer:   tracer,
		monitor:  mon,
		pool:     pool,
		registry: reg,
		health:   hs,
	}, nil
}

// Initialize starts the pool and connects every capability resource. A
// primary store that cannot be reached is logged and left to its probe; only
// configuration errors are returned.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return errors.NewValidationError("gateway has been shut down")
	}
	if g.initialized {
		return nil
	}

	if err := g.pool.Start(ctx); err != nil {
		if !errors.IsType(err, errors.ErrorTypeConnectionInit) {
			return err
		}
		g.logger.Warn("Primary store unavailable at startup", "error", err)
	}

	if err := g.registry.Initialize(ctx); err != nil {
		return err
	}
	for _, name := range g.registry.Names() {
		key := name
		if key == g.pool.Name() {
			// the pool already reports under this name
			key = "resource/" + name
		}
		g.health.RegisterChecker(key, health.NewResourceChecker(g.registry, name))
	}

	g.initialized = true
	g.logger.Info("Gateway initialized",
		"resources", len(g.registry.Names()),
		"store_healthy", g.pool.IsHealthy(),
	)
	return nil
}

// Shutdown stops the registry, then the pool, then the shared monitor, then
// flushes tracing. Every step runs even when an earlier one fails.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return nil
	}
	g.shutdown = true
	g.mu.Unlock()

	var errs []error
	if err := g.registry.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}
	if err := g.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary store: %w", err))
	}
	g.monitor.Stop()
	if err := g.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}

	g.logger.Info("Gateway shut down", "errors", len(errs))
	return stderrors.Join(errs...)
}

// GetConnection returns the handle of a capability resource
func (g *Gateway) GetConnection(name string) (*registry.Handle, bool) {
	return g.registry.GetConnection(name)
}

// ExecuteWithContext runs operation on the named capability resource
func (g *Gateway) ExecuteWithContext(ctx context.Context, name, operation string, args registry.Args, reqCtx registry.RequestContext) (interface{}, error) {
	return g.registry.ExecuteWithContext(ctx, name, operation, args, reqCtx)
}

// GetServerStatus returns a copy of one resource's status
func (g *Gateway) GetServerStatus(name string) (registry.ServerStatus, error) {
	return g.registry.GetServerStatus(name)
}

// GetAllServerStatus returns a copy of every resource's status
func (g *Gateway) GetAllServerStatus() []registry.ServerStatus {
	return g.registry.GetAllServerStatus()
}

// ActivateFailover flags a resource as degraded
func (g *Gateway) ActivateFailover(name string) error {
	return g.registry.ActivateFailover(name)
}

// Query runs a read statement on the primary store
func (g *Gateway) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return g.pool.Query(ctx, query, args...)
}

// QueryWithClient lends a pooled connection to fn and always returns it
func (g *Gateway) QueryWithClient(ctx context.Context, fn func(context.Context, *sqlx.Conn) error) error {
	return g.pool.QueryWithClient(ctx, fn)
}

// GetPoolStatus returns the primary store pool status
func (g *Gateway) GetPoolStatus() database.PoolStatus {
	return g.pool.GetPoolStatus()
}

// Health returns the aggregated health service
func (g *Gateway) Health() *health.Service { return g.health }

// Metrics returns the metrics collectors, nil when disabled
func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

// Tracer returns the tracing service
func (g *Gateway) Tracer() *tracing.TracingService { return g.tracer }
