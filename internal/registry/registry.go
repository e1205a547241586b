package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/bizchat-gateway/internal/monitor"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/config"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/logging"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/metrics"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/resilience"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/tracing"
)

const defaultConnectTimeout = 10 * time.Second

// Options configures a Registry
type Options struct {
	Descriptors []config.ResourceDescriptor
	// Connectors maps each resource kind to the provider that opens it
	Connectors map[config.ResourceKind]Connector
	// ConnectTimeout bounds each initial connect and reconnect
	ConnectTimeout time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.TracingService
	// Monitor schedules probes. When nil the registry runs its own.
	Monitor *monitor.Monitor
}

// Registry holds the handles, health records and breakers of every
// configured capability provider. Each resource has its own lock; no lock
// spans more than one resource.
type Registry struct {
	descriptors    []config.ResourceDescriptor
	connectors     map[config.ResourceKind]Connector
	connectTimeout time.Duration

	logger      *logging.Logger
	metrics     *metrics.Metrics
	tracer      *tracing.TracingService
	monitor     *monitor.Monitor
	ownsMonitor bool

	mu          sync.RWMutex
	entries     map[string]*entry
	initialized bool
	shutdown    bool
}

// entry is the per-resource state guarded by its own mutex
type entry struct {
	descriptor config.ResourceDescriptor
	breaker    *resilience.CircuitBreaker

	mu     sync.RWMutex
	handle *Handle
	health HealthRecord
	closed bool
}

// New creates a registry. Connections are opened by Initialize.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Connectors == nil {
		opts.Connectors = map[config.ResourceKind]Connector{}
	}

	r := &Registry{
		descriptors:    opts.Descriptors,
		connectors:     opts.Connectors,
		connectTimeout: opts.ConnectTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		monitor:        opts.Monitor,
		entries:        make(map[string]*entry),
	}
	if r.monitor == nil {
		r.monitor = monitor.New(monitor.Options{Logger: opts.Logger, Metrics: opts.Metrics, Tracer: opts.Tracer})
		r.ownsMonitor = true
	}
	return r
}

// Initialize validates the descriptors, connects every resource concurrently
// and schedules one probe per resource. A resource that fails to connect is
// recorded as unhealthy and retried by its probe; it never fails the others.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return errors.NewValidationError("registry has been shut down")
	}
	if r.initialized {
		r.mu.Unlock()
		return nil
	}

	descriptors := make([]config.ResourceDescriptor, len(r.descriptors))
	copy(descriptors, r.descriptors)
	for i := range descriptors {
		descriptors[i].ApplyDefaults()
	}
	if err := config.ValidateResources(descriptors); err != nil {
		r.mu.Unlock()
		return err
	}

	for _, descriptor := range descriptors {
		r.entries[descriptor.Name] = r.newEntry(descriptor)
	}
	r.initialized = true
	entries := r.sortedEntries()
	r.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			r.connect(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	for _, e := range entries {
		if err := r.watch(e); err != nil {
			r.logger.Error("Failed to schedule health probe", "resource", e.descriptor.Name, "error", err)
		}
	}

	connected := 0
	for _, e := range entries {
		if e.snapshot().Connected {
			connected++
		}
	}
	r.logger.Info("Capability registry initialized",
		"resources", len(entries),
		"connected", connected,
	)
	return nil
}

// watch schedules e's probe unless Shutdown has already begun. Holding the
// read lock orders it against Shutdown's unwatch.
func (r *Registry) watch(e *entry) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.shutdown {
		return nil
	}

	policy := e.descriptor.Health
	return r.monitor.Watch(monitor.Target{
		Key:           probeKey(e.descriptor.Name),
		Name:          e.descriptor.Name,
		Kind:          string(e.descriptor.Kind),
		Interval:      policy.Interval(),
		Timeout:       policy.Timeout(),
		RetryAttempts: policy.RetryAttempts,
		Probe:         r.probeFunc(e),
		OnResult:      r.resultFunc(e),
	})
}

// probeKey keeps resource loops apart from the pool's loop on a shared
// monitor
func probeKey(name string) string {
	return "resource/" + name
}

func (r *Registry) newEntry(descriptor config.ResourceDescriptor) *entry {
	return &entry{
		descriptor: descriptor,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             descriptor.Name,
			FailureThreshold: descriptor.Breaker.FailureThreshold,
			RecoveryTimeout:  descriptor.Breaker.RecoveryTimeout(),
			Logger:           r.logger,
			OnStateChange: func(name string, from, to resilience.CircuitState) {
				r.metrics.SetBreakerState(name, int(to))
			},
			OnReject: r.metrics.RecordRejection,
		}),
		health: HealthRecord{
			ResourceName: descriptor.Name,
			Kind:         descriptor.Kind,
		},
	}
}

// connect opens the resource and records the outcome in its HealthRecord
func (r *Registry) connect(ctx context.Context, e *entry) {
	name := e.descriptor.Name
	start := time.Now()

	handle, err := r.open(ctx, e.descriptor)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		if handle != nil {
			_ = closeQuietly(handle.conn)
		}
		return
	}

	e.health.LastCheckedAt = time.Now()
	e.health.LastResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		e.health.Connected = false
		e.health.Healthy = false
		e.health.LastError = err.Error()
		r.logger.Error("Resource connection failed",
			"resource", name,
			"kind", string(e.descriptor.Kind),
			"error", err,
		)
		return
	}

	e.handle = handle
	e.health.Connected = true
	e.health.Healthy = true
	e.health.LastError = ""
	r.logger.Info("Resource connected",
		"resource", name,
		"kind", string(e.descriptor.Kind),
		"endpoint", e.descriptor.Endpoint,
		"capabilities", handle.Capabilities(),
	)
}

// open runs the kind's connector and binds the operation set
func (r *Registry) open(ctx context.Context, descriptor config.ResourceDescriptor) (*Handle, error) {
	connector, ok := r.connectors[descriptor.Kind]
	if !ok {
		return nil, errors.NewConnectionInitError(descriptor.Name,
			errors.NewConfigurationError(fmt.Sprintf("no provider registered for kind %q", descriptor.Kind)))
	}

	ctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	conn, err := connector(ctx, descriptor)
	if err != nil {
		return nil, errors.NewConnectionInitError(descriptor.Name, err)
	}

	operations, err := bindOperations(descriptor, conn.Operations())
	if err != nil {
		conn.Close()
		return nil, errors.NewConnectionInitError(descriptor.Name, err)
	}

	return &Handle{descriptor: descriptor, conn: conn, operations: operations}, nil
}

// bindOperations restricts the provider's operations to the descriptor's
// capability list. An empty list exposes everything the provider offers.
func bindOperations(descriptor config.ResourceDescriptor, available map[string]Operation) (map[string]Operation, error) {
	if len(descriptor.Capabilities) == 0 {
		bound := make(map[string]Operation, len(available))
		for name, op := range available {
			bound[name] = op
		}
		return bound, nil
	}

	bound := make(map[string]Operation, len(descriptor.Capabilities))
	for _, name := range descriptor.Capabilities {
		op, ok := available[name]
		if !ok {
			return nil, errors.NewConfigurationError(
				fmt.Sprintf("resource %q lists capability %q that its provider does not offer", descriptor.Name, name))
		}
		bound[name] = op
	}
	return bound, nil
}

// GetConnection returns the handle of a connected resource
func (r *Registry) GetConnection(name string) (*Handle, bool) {
	e := r.entry(name)
	if e == nil {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

// GetServerStatus returns a copy of one resource's health and breaker state
func (r *Registry) GetServerStatus(name string) (ServerStatus, error) {
	e := r.entry(name)
	if e == nil {
		return ServerStatus{}, errors.NewResourceUnavailableError(name)
	}
	return e.status(), nil
}

// GetAllServerStatus returns a status copy for every resource in name order
func (r *Registry) GetAllServerStatus() []ServerStatus {
	r.mu.RLock()
	entries := r.sortedEntries()
	r.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(entries))
	for _, e := range entries {
		statuses = append(statuses, e.status())
	}
	return statuses
}

// Names returns the registered resource names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown cancels every probe, then closes connections best-effort, then
// clears the registry. Probes are joined before any connection closes.
// Close failures are logged and returned together once every step has run.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	entries := r.sortedEntries()
	r.mu.Unlock()

	if r.ownsMonitor {
		r.monitor.Stop()
	} else {
		for _, e := range entries {
			r.monitor.Unwatch(probeKey(e.descriptor.Name))
		}
	}

	var errs []error
	for _, e := range entries {
		e.mu.Lock()
		handle := e.handle
		e.handle = nil
		e.closed = true
		e.health.Connected = false
		e.health.Healthy = false
		e.mu.Unlock()

		if handle == nil {
			continue
		}
		if err := closeQuietly(handle.conn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.descriptor.Name, err))
			r.logger.Warn("Failed to close resource connection",
				"resource", e.descriptor.Name,
				"error", err,
			)
		}
	}

	r.mu.Lock()
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	r.logger.Info("Capability registry shut down", "resources", len(entries))
	return stderrors.Join(errs...)
}

// closeQuietly turns a panicking Close into an error
func closeQuietly(conn Connection) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("close panicked: %v", p)
		}
	}()
	return conn.Close()
}

func (r *Registry) entry(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// sortedEntries must be called with r.mu held
func (r *Registry) sortedEntries() []*entry {
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		switch {
		case a.descriptor.Name < b.descriptor.Name:
			return -1
		case a.descriptor.Name > b.descriptor.Name:
			return 1
		}
		return 0
	})
	return entries
}

func (e *entry) snapshot() HealthRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health
}

func (e *entry) status() ServerStatus {
	e.mu.RLock()
	status := ServerStatus{
		HealthRecord: e.health,
		Endpoint:     e.descriptor.Endpoint,
		Capabilities: []string{},
	}
	if e.handle != nil {
		status.Capabilities = e.handle.Capabilities()
	}
	e.mu.RUnlock()

	status.Circuit = e.breaker.Snapshot()
	return status
}
