package monitor

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/logging"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/metrics"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/resilience"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/tracing"
)

// ProbeFunc is a single liveness check. It should honour ctx; a tick stops
// waiting for a probe that ignores it, but Stop and Unwatch still join it.
type ProbeFunc func(ctx context.Context) error

// Target describes one scheduled probe
type Target struct {
	// Key identifies the loop within the monitor and defaults to Name
	Key string
	Name          string
	Kind          string
	Interval      time.Duration
	Timeout       time.Duration
	RetryAttempts int
	// Immediate runs the first tick as soon as the target is watched
	Immediate bool
	Probe     ProbeFunc
	// OnResult receives every completed tick
	OnResult func(Result)
}

// Result is the outcome of one tick
type Result struct {
	Name      string
	Healthy   bool
	Err       error
	Duration  time.Duration
	CheckedAt time.Time
}

// Options holds the monitor's collaborators
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.TracingService
}

// Monitor runs one supervised goroutine per target. Targets never share a
// worker, so a slow probe only delays its own next tick.
type Monitor struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.TracingService

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	// probes tracks probe goroutines, which may outlive their tick
	probes sync.WaitGroup
}

// join waits for the loop and for every probe it started
func (t *task) join() {
	<-t.done
	t.probes.Wait()
}

// New creates a monitor with no targets
func New(opts Options) *Monitor {
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger()
	}
	return &Monitor{
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		tasks:   make(map[string]*task),
	}
}

// Watch validates target and starts its probe loop
func (m *Monitor) Watch(target Target) error {
	if target.Name == "" {
		return errors.NewValidationError("probe target name is required")
	}
	if target.Probe == nil {
		return errors.NewValidationError(fmt.Sprintf("probe target %q has no probe", target.Name))
	}
	if target.Interval <= 0 || target.Timeout <= 0 {
		return errors.NewValidationError(fmt.Sprintf("probe target %q needs a positive interval and timeout", target.Name))
	}
	if target.RetryAttempts < 1 {
		target.RetryAttempts = 1
	}
	if target.Key == "" {
		target.Key = target.Name
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return errors.NewValidationError("health monitor is stopped")
	}
	if _, exists := m.tasks[target.Key]; exists {
		return errors.NewValidationError(fmt.Sprintf("probe target %q is already watched", target.Key))
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.tasks[target.Key] = t

	go m.run(ctx, target, t)

	m.logger.Debug("Health probe scheduled",
		"resource", target.Name,
		"interval", target.Interval.String(),
		"timeout", target.Timeout.String(),
	)
	return nil
}

// Unwatch cancels the loop watched under key and waits for it and its
// in-flight probe to exit
func (m *Monitor) Unwatch(key string) {
	m.mu.Lock()
	t, ok := m.tasks[key]
	delete(m.tasks, key)
	m.mu.Unlock()

	if !ok {
		return
	}
	t.cancel()
	t.join()
}

// Stop cancels every loop and waits for all of them and their probes to
// exit. No probe is running once Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	tasks := m.tasks
	m.tasks = make(map[string]*task)
	m.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		t.join()
	}
}

// Watching reports the number of active loops
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Monitor) run(ctx context.Context, target Target, t *task) {
	defer close(t.done)

	if target.Immediate {
		m.tick(ctx, target, t)
	}

	ticker := time.NewTicker(target.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// select picks randomly when both are ready
			if ctx.Err() != nil {
				return
			}
			m.tick(ctx, target, t)
		}
	}
}

// tick runs one probe under its own timeout. Errors and panics are recorded
// in the result and never leave the loop.
func (m *Monitor) tick(ctx context.Context, target Target, t *task) {
	probeCtx, cancel := context.WithTimeout(ctx, target.Timeout)
	defer cancel()

	probeCtx, span := m.tracer.StartProbeSpan(probeCtx, target.Name, target.Kind)

	start := time.Now()
	retrier := resilience.NewRetrier(resilience.ProbeRetryConfig(target.RetryAttempts))
	err := retrier.Execute(probeCtx, func(attemptCtx context.Context) error {
		return attempt(attemptCtx, &t.probes, target.Probe)
	})
	duration := time.Since(start)

	if err != nil && stderrors.Is(probeCtx.Err(), context.DeadlineExceeded) {
		err = errors.NewProbeTimeoutError(target.Name, target.Timeout).WithCause(err)
	}
	m.tracer.EndSpan(span, err)

	// Shutdown interrupted the tick; the result says nothing about the resource.
	if ctx.Err() != nil {
		return
	}

	result := Result{
		Name:      target.Name,
		Healthy:   err == nil,
		Err:       err,
		Duration:  duration,
		CheckedAt: time.Now(),
	}

	m.metrics.RecordProbe(target.Name, duration, err)
	m.logger.LogProbe(target.Name, result.Healthy, duration, err)

	if target.OnResult != nil {
		m.deliver(target, result)
	}
}

func (m *Monitor) deliver(target Target, result Result) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health result handler panicked", "resource", target.Name, "panic", fmt.Sprint(r))
		}
	}()
	target.OnResult(result)
}

// attempt runs probe in its own goroutine so a probe that ignores ctx
// cannot hold the tick past its timeout. The goroutine is counted in
// probes until it returns.
func attempt(ctx context.Context, probes *sync.WaitGroup, probe ProbeFunc) error {
	errCh := make(chan error, 1)
	probes.Add(1)
	go func() {
		defer probes.Done()
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("probe panicked: %v", r)
			}
		}()
		errCh <- probe(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
