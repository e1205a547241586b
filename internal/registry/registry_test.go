package registry

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/bizchat-gateway/internal/monitor"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/config"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/logging"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/resilience"
)

type fakeConn struct {
	mu       sync.Mutex
	probeErr error
	closes   int
	probes   atomic.Int32
	lastArgs Args
	opErr    error
	opCalls  atomic.Int32

	// probeDelay makes Probe sleep without watching ctx
	probeDelay     time.Duration
	inFlight       atomic.Int32
	closedMidProbe atomic.Bool
}

func (c *fakeConn) Operations() map[string]Operation {
	return map[string]Operation{
		"search": func(ctx context.Context, args Args) (interface{}, error) {
			c.opCalls.Add(1)
			c.mu.Lock()
			defer c.mu.Unlock()
			c.lastArgs = args
			if c.opErr != nil {
				return nil, c.opErr
			}
			return []string{"result-1", "result-2"}, nil
		},
		"suggest": func(ctx context.Context, args Args) (interface{}, error) {
			return "suggestion", nil
		},
	}
}

func (c *fakeConn) Probe(ctx context.Context) error {
	c.probes.Add(1)
	if c.probeDelay > 0 {
		c.inFlight.Add(1)
		time.Sleep(c.probeDelay)
		c.inFlight.Add(-1)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probeErr
}

func (c *fakeConn) Close() error {
	if c.inFlight.Load() > 0 {
		c.closedMidProbe.Store(true)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes > 1 {
		return stderrors.New("already closed")
	}
	return nil
}

func (c *fakeConn) setProbeErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeErr = err
}

func (c *fakeConn) setOpErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opErr = err
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) args() Args {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastArgs
}

// fakeProvider hands out one fakeConn per resource name and can fail a
// number of connects per resource
type fakeProvider struct {
	mu         sync.Mutex
	conns      map[string]*fakeConn
	failures   map[string]int
	probeDelay time.Duration
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{conns: map[string]*fakeConn{}, failures: map[string]int{}}
}

func (p *fakeProvider) failNext(name string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[name] = n
}

func (p *fakeProvider) conn(name string) *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[name]
}

func (p *fakeProvider) connect(ctx context.Context, d config.ResourceDescriptor) (Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures[d.Name] > 0 {
		p.failures[d.Name]--
		return nil, stderrors.New("dial tcp: connection refused")
	}
	c := &fakeConn{probeDelay: p.probeDelay}
	p.conns[d.Name] = c
	return c, nil
}

func descriptor(name string, kind config.ResourceKind, intervalMs int) config.ResourceDescriptor {
	return config.ResourceDescriptor{
		Name:     name,
		Kind:     kind,
		Endpoint: "http://" + name + ".internal",
		Health:   config.HealthPolicy{IntervalMs: intervalMs, TimeoutMs: intervalMs / 2},
	}
}

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{Level: "debug", Format: "json"})
	require.NoError(t, err)
	logger.SetOutput(io.Discard)
	return logger
}

func newTestRegistry(t *testing.T, provider *fakeProvider, descriptors ...config.ResourceDescriptor) *Registry {
	t.Helper()
	logger := quietLogger(t)

	r := New(Options{
		Descriptors: descriptors,
		Connectors: map[config.ResourceKind]Connector{
			config.KindSearch:    provider.connect,
			config.KindDataQuery: provider.connect,
		},
		Logger: logger,
	})
	t.Cleanup(func() { _ = r.Shutdown() })
	return r
}

func TestInitialize_IsolatesConnectFailures(t *testing.T) {
	provider := newFakeProvider()
	provider.failNext("warehouse", 1000)

	r := newTestRegistry(t, provider,
		descriptor("web-search", config.KindSearch, 60_000),
		descriptor("warehouse", config.KindDataQuery, 60_000),
	)
	require.NoError(t, r.Initialize(context.Background()))

	handle, ok := r.GetConnection("web-search")
	require.True(t, ok)
	assert.Equal(t, "web-search", handle.Name())
	assert.Equal(t, config.KindSearch, handle.Kind())

	_, ok = r.GetConnection("warehouse")
	assert.False(t, ok)

	status, err := r.GetServerStatus("warehouse")
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.False(t, status.Healthy)
	assert.Contains(t, status.LastError, "connection refused")

	_, err = r.ExecuteWithContext(context.Background(), "warehouse", "search", nil, RequestContext{})
	assert.True(t, stderrors.Is(err, errors.ErrResourceUnavailable))

	status, err = r.GetServerStatus("web-search")
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.True(t, status.Healthy)
}

func TestInitialize_MissingProvider(t *testing.T) {
	r := newTestRegistry(t, newFakeProvider(), descriptor("cache", config.KindCache, 60_000))
	require.NoError(t, r.Initialize(context.Background()))

	status, err := r.GetServerStatus("cache")
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.Contains(t, status.LastError, "no provider registered")
}

func TestInitialize_InvalidDescriptors(t *testing.T) {
	tests := []struct {
		name        string
		descriptors []config.ResourceDescriptor
	}{
		{"duplicate names", []config.ResourceDescriptor{
			descriptor("a", config.KindSearch, 1000),
			descriptor("a", config.KindSearch, 1000),
		}},
		{"unknown kind", []config.ResourceDescriptor{descriptor("a", "ftp", 1000)}},
		{"missing endpoint", []config.ResourceDescriptor{{Name: "a", Kind: config.KindSearch}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, newFakeProvider(), tt.descriptors...)
			err := r.Initialize(context.Background())
			assert.True(t, stderrors.Is(err, errors.ErrConfiguration))
		})
	}
}

func TestInitialize_CapabilityList(t *testing.T) {
	provider := newFakeProvider()
	restricted := descriptor("web-search", config.KindSearch, 60_000)
	restricted.Capabilities = []string{"search"}
	unknown := descriptor("warehouse", config.KindDataQuery, 60_000)
	unknown.Capabilities = []string{"drop_table"}

	r := newTestRegistry(t, provider, restricted, unknown)
	require.NoError(t, r.Initialize(context.Background()))

	handle, ok := r.GetConnection("web-search")
	require.True(t, ok)
	assert.Equal(t, []string{"search"}, handle.Capabilities())
	assert.False(t, handle.Supports("suggest"))

	_, err := r.ExecuteWithContext(context.Background(), "web-search", "suggest", nil, RequestContext{})
	assert.True(t, stderrors.Is(err, errors.ErrOperationNotSupported))

	status, err := r.GetServerStatus("warehouse")
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.Contains(t, status.LastError, "drop_table")
	assert.Equal(t, 1, provider.conn("warehouse").closeCount(), "rejected connection is closed")
}

func TestExecuteWithContext_EnrichesArgs(t *testing.T) {
	provider := newFakeProvider()
	r := newTestRegistry(t, provider, descriptor("web-search", config.KindSearch, 60_000))
	require.NoError(t, r.Initialize(context.Background()))

	args := Args{"query": "quarterly revenue"}
	result, err := r.ExecuteWithContext(context.Background(), "web-search", "search", args, RequestContext{
		SessionID:     "sess-1",
		UserID:        "user-7",
		Domains:       []string{"finance"},
		TraceID:       "trace-abc",
		OperationType: "research",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"result-1", "result-2"}, result)

	got := provider.conn("web-search").args()
	assert.Equal(t, "quarterly revenue", got["query"])
	assert.Equal(t, "sess-1", got[ArgSessionID])
	assert.Equal(t, "user-7", got[ArgUserID])
	assert.Equal(t, []string{"finance"}, got[ArgDomains])
	assert.Equal(t, "trace-abc", got[ArgTraceID])
	assert.Equal(t, "research", got[ArgOperationType])

	assert.Len(t, args, 1, "caller args are not modified")
}

func TestExecuteWithContext_TraceIDFallback(t *testing.T) {
	provider := newFakeProvider()
	r := newTestRegistry(t, provider, descriptor("web-search", config.KindSearch, 60_000))
	require.NoError(t, r.Initialize(context.Background()))

	ctx := logging.WithTraceID(context.Background(), "from-logging")
	_, err := r.ExecuteWithContext(ctx, "web-search", "search", nil, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "from-logging", provider.conn("web-search").args()[ArgTraceID])

	_, err = r.ExecuteWithContext(context.Background(), "web-search", "search", nil, RequestContext{})
	require.NoError(t, err)
	generated, ok := provider.conn("web-search").args()[ArgTraceID].(string)
	require.True(t, ok)
	assert.Len(t, generated, 36)
}

func TestExecuteWithContext_UnknownResource(t *testing.T) {
	r := newTestRegistry(t, newFakeProvider())
	require.NoError(t, r.Initialize(context.Background()))

	_, err := r.ExecuteWithContext(context.Background(), "nope", "search", nil, RequestContext{})
	assert.True(t, stderrors.Is(err, errors.ErrResourceUnavailable))
}

func TestExecuteWithContext_UnhealthyNeverInvokes(t *testing.T) {
	provider := newFakeProvider()
	r := newTestRegistry(t, provider, descriptor("web-search", config.KindSearch, 20))
	require.NoError(t, r.Initialize(context.Background()))

	conn := provider.conn("web-search")
	conn.setProbeErr(stderrors.New("status 503"))

	require.Eventually(t, func() bool {
		status, _ := r.GetServerStatus("web-search")
		return !status.Healthy
	}, time.Second, 5*time.Millisecond)

	_, err := r.ExecuteWithContext(context.Background(), "web-search", "search", nil, RequestContext{})
	assert.True(t, stderrors.Is(err, errors.ErrResourceUnhealthy))
	assert.Equal(t, int32(0), conn.opCalls.Load())

	status, err := r.GetServerStatus("web-search")
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.Contains(t, status.LastError, "status 503")
	assert.GreaterOrEqual(t, status.ConsecutiveFailures, 1)
}

func TestExecuteWithContext_ErrorsPropagateAndTripBreaker(t *testing.T) {
	provider := newFakeProvider()
	d := descriptor("web-search", config.KindSearch, 60_000)
	d.Breaker = config.BreakerPolicy{FailureThreshold: 2, RecoveryTimeoutMs: 60_000}
	r := newTestRegistry(t, provider, d)
	require.NoError(t, r.Initialize(context.Background()))

	conn := provider.conn("web-search")
	upstream := stderrors.New("upstream returned 500")
	conn.setOpErr(upstream)

	for i := 0; i < 2; i++ {
		_, err := r.ExecuteWithContext(context.Background(), "web-search", "search", nil, RequestContext{})
		assert.Same(t, upstream, err)
	}

	_, err := r.ExecuteWithContext(context.Background(), "web-search", "search", nil, RequestContext{})
	assert.True(t, resilience.IsCircuitBreakerError(err))
	assert.Equal(t, int32(2), conn.opCalls.Load())

	status, _ := r.GetServerStatus("web-search")
	assert.Equal(t, "open", status.Circuit.StateName)
}

func TestFailover_ActivatesAndClears(t *testing.T) {
	provider := newFakeProvider()
	withFailover := descriptor("web-search", config.KindSearch, 20)
	withFailover.Health.FailoverEnabled = true
	without := descriptor("warehouse", config.KindDataQuery, 20)

	r := newTestRegistry(t, provider, withFailover, without)
	require.NoError(t, r.Initialize(context.Background()))

	provider.conn("web-search").setProbeErr(stderrors.New("timeout"))
	provider.conn("warehouse").setProbeErr(stderrors.New("timeout"))

	require.Eventually(t, func() bool {
		status, _ := r.GetServerStatus("web-search")
		return status.FailoverActive
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		status, _ := r.GetServerStatus("warehouse")
		return !status.Healthy
	}, time.Second, 5*time.Millisecond)
	status, _ := r.GetServerStatus("warehouse")
	assert.False(t, status.FailoverActive)

	provider.conn("web-search").setProbeErr(nil)
	require.Eventually(t, func() bool {
		status, _ := r.GetServerStatus("web-search")
		return status.Healthy && !status.FailoverActive
	}, time.Second, 5*time.Millisecond)
}

func TestActivateFailover(t *testing.T) {
	r := newTestRegistry(t, newFakeProvider(), descriptor("web-search", config.KindSearch, 60_000))
	require.NoError(t, r.Initialize(context.Background()))

	assert.True(t, stderrors.Is(r.ActivateFailover("nope"), errors.ErrResourceUnavailable))

	require.NoError(t, r.ActivateFailover("web-search"))
	require.NoError(t, r.ActivateFailover("web-search"))
	status, _ := r.GetServerStatus("web-search")
	assert.True(t, status.FailoverActive)

	// flagging never blocks traffic
	_, err := r.ExecuteWithContext(context.Background(), "web-search", "search", nil, RequestContext{})
	assert.NoError(t, err)
}

func TestProbe_ReconnectsFailedResource(t *testing.T) {
	provider := newFakeProvider()
	provider.failNext("warehouse", 2)

	r := newTestRegistry(t, provider, descriptor("warehouse", config.KindDataQuery, 20))
	require.NoError(t, r.Initialize(context.Background()))

	_, ok := r.GetConnection("warehouse")
	require.False(t, ok)

	require.Eventually(t, func() bool {
		status, _ := r.GetServerStatus("warehouse")
		return status.Connected && status.Healthy
	}, time.Second, 5*time.Millisecond)

	_, err := r.ExecuteWithContext(context.Background(), "warehouse", "search", nil, RequestContext{})
	assert.NoError(t, err)
}

func TestGetAllServerStatus_SortedCopies(t *testing.T) {
	r := newTestRegistry(t, newFakeProvider(),
		descriptor("zeta", config.KindSearch, 60_000),
		descriptor("alpha", config.KindSearch, 60_000),
		descriptor("mid", config.KindDataQuery, 60_000),
	)
	require.NoError(t, r.Initialize(context.Background()))

	statuses := r.GetAllServerStatus()
	require.Len(t, statuses, 3)
	assert.Equal(t, "alpha", statuses[0].ResourceName)
	assert.Equal(t, "mid", statuses[1].ResourceName)
	assert.Equal(t, "zeta", statuses[2].ResourceName)
	assert.Equal(t, []string{"search", "suggest"}, statuses[0].Capabilities)
	assert.Equal(t, "closed", statuses[0].Circuit.StateName)

	statuses[0].Healthy = false
	again, _ := r.GetServerStatus("alpha")
	assert.True(t, again.Healthy)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())

	_, err := r.GetServerStatus("missing")
	assert.True(t, stderrors.Is(err, errors.ErrResourceUnavailable))
}

func TestShutdown_StopsProbesThenCloses(t *testing.T) {
	provider := newFakeProvider()
	r := newTestRegistry(t, provider,
		descriptor("web-search", config.KindSearch, 10),
		descriptor("warehouse", config.KindDataQuery, 10),
	)
	require.NoError(t, r.Initialize(context.Background()))

	search := provider.conn("web-search")
	warehouse := provider.conn("warehouse")
	require.Eventually(t, func() bool { return search.probes.Load() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, r.Shutdown())

	probes := search.probes.Load() + warehouse.probes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, probes, search.probes.Load()+warehouse.probes.Load())

	assert.Equal(t, 1, search.closeCount())
	assert.Equal(t, 1, warehouse.closeCount())
	assert.Empty(t, r.GetAllServerStatus())

	_, ok := r.GetConnection("web-search")
	assert.False(t, ok)

	assert.NoError(t, r.Shutdown())
	assert.Error(t, r.Initialize(context.Background()))
}

func TestShutdown_WaitsForInFlightProbes(t *testing.T) {
	tests := []struct {
		name   string
		shared bool
	}{
		{"own monitor", false},
		{"shared monitor", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newFakeProvider()
			provider.probeDelay = 60 * time.Millisecond

			opts := Options{
				Descriptors: []config.ResourceDescriptor{descriptor("web-search", config.KindSearch, 20)},
				Connectors:  map[config.ResourceKind]Connector{config.KindSearch: provider.connect},
				Logger:      quietLogger(t),
			}
			if tt.shared {
				shared := monitor.New(monitor.Options{Logger: opts.Logger})
				t.Cleanup(shared.Stop)
				opts.Monitor = shared
			}
			r := New(opts)
			require.NoError(t, r.Initialize(context.Background()))

			conn := provider.conn("web-search")
			// The probe outlives its 10ms tick timeout.
			require.Eventually(t, func() bool { return conn.inFlight.Load() > 0 }, time.Second, time.Millisecond)

			require.NoError(t, r.Shutdown())
			assert.Equal(t, int32(0), conn.inFlight.Load())
			assert.False(t, conn.closedMidProbe.Load())
			assert.Equal(t, 1, conn.closeCount())
		})
	}
}

func TestShutdown_DuringInitializeClosesLateConnection(t *testing.T) {
	logger := quietLogger(t)
	shared := monitor.New(monitor.Options{Logger: logger})
	t.Cleanup(shared.Stop)

	conn := &fakeConn{}
	entered := make(chan struct{})
	release := make(chan struct{})
	connector := func(ctx context.Context, d config.ResourceDescriptor) (Connection, error) {
		close(entered)
		<-release
		return conn, nil
	}

	r := New(Options{
		Descriptors: []config.ResourceDescriptor{descriptor("web-search", config.KindSearch, 10)},
		Connectors:  map[config.ResourceKind]Connector{config.KindSearch: connector},
		Logger:      logger,
		Monitor:     shared,
	})

	done := make(chan error, 1)
	go func() { done <- r.Initialize(context.Background()) }()

	<-entered
	require.NoError(t, r.Shutdown())
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, conn.closeCount())
	assert.Equal(t, 0, shared.Watching())

	_, ok := r.GetConnection("web-search")
	assert.False(t, ok)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), conn.probes.Load())
}

func TestInitialize_Idempotent(t *testing.T) {
	provider := newFakeProvider()
	r := newTestRegistry(t, provider, descriptor("web-search", config.KindSearch, 60_000))
	require.NoError(t, r.Initialize(context.Background()))
	first := provider.conn("web-search")

	require.NoError(t, r.Initialize(context.Background()))
	assert.Same(t, first, provider.conn("web-search"))
}
