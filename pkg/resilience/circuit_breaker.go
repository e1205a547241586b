package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, a single trial request is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32
	// RecoveryTimeout is how long the circuit stays open before a half-open trial
	RecoveryTimeout time.Duration
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// OnReject is called for every call refused without being attempted
	OnReject func(name string)
	// Logger defaults to the global logger
	Logger *logging.Logger
}

// Snapshot is a point-in-time copy of the breaker's bookkeeping
type Snapshot struct {
	Name                string        `json:"name"`
	State               CircuitState  `json:"-"`
	StateName           string        `json:"state"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	FailureThreshold    uint32        `json:"failure_threshold"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout"`
}

// CircuitBreaker guards calls to a single dependency. Execute is the only
// path that moves it between states; ResetFailures only clears the failure
// streak of a closed circuit.
type CircuitBreaker struct {
	name          string
	threshold     uint32
	recovery      time.Duration
	onStateChange func(name string, from CircuitState, to CircuitState)
	onReject      func(name string)
	logger        *logging.Logger

	mu       sync.Mutex
	breaker  *gobreaker.CircuitBreaker
	openedAt time.Time
	// generation is bumped on every reset; transitions reported by a
	// replaced instance are dropped
	generation uint64
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}

	cb := &CircuitBreaker{
		name:          config.Name,
		threshold:     config.FailureThreshold,
		recovery:      config.RecoveryTimeout,
		onStateChange: config.OnStateChange,
		onReject:      config.OnReject,
		logger:        config.Logger,
	}
	cb.breaker = cb.newGobreaker(0)
	return cb
}

func (cb *CircuitBreaker) newGobreaker(generation uint64) *gobreaker.CircuitBreaker {
	threshold := cb.threshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cb.name,
		MaxRequests: 1,
		Timeout:     cb.recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			cb.handleStateChange(generation, convertState(from), convertState(to))
		},
	})
}

// Execute runs fn if the circuit accepts it. Rejected calls fail with a
// CircuitBreakerOpen error without invoking fn; otherwise fn's result and
// error are returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, label string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	breaker := cb.current()

	result, err := breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		if cb.onReject != nil {
			cb.onReject(cb.name)
		}
		cb.logger.Debug("Circuit breaker rejected call", "name", cb.name, "label", label)
		return nil, errors.NewCircuitBreakerOpenError(cb.name).WithDetail("label", label)
	}
	return result, err
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	return convertState(cb.current().State())
}

// ConsecutiveFailures returns the current failure streak
func (cb *CircuitBreaker) ConsecutiveFailures() uint32 {
	return cb.current().Counts().ConsecutiveFailures
}

// Snapshot returns a copy of the breaker state for status reporting
func (cb *CircuitBreaker) Snapshot() Snapshot {
	breaker := cb.current()
	state := convertState(breaker.State())
	counts := breaker.Counts()

	cb.mu.Lock()
	openedAt := cb.openedAt
	cb.mu.Unlock()

	return Snapshot{
		Name:                cb.name,
		State:               state,
		StateName:           state.String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		OpenedAt:            openedAt,
		FailureThreshold:    cb.threshold,
		RecoveryTimeout:     cb.recovery,
	}
}

// ResetFailures clears the failure streak of a closed circuit. An open or
// half-open circuit is left alone; it may only close through a trial call.
// Calls still running on the replaced instance cannot move the circuit.
func (cb *CircuitBreaker) ResetFailures() {
	breaker := cb.current()

	// gobreaker locks are never taken while holding cb.mu
	if breaker.State() != gobreaker.StateClosed || breaker.Counts().ConsecutiveFailures == 0 {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	// Another reset may have raced us; only swap the instance we inspected.
	if cb.breaker != breaker {
		return
	}
	cb.generation++
	cb.breaker = cb.newGobreaker(cb.generation)
	cb.openedAt = time.Time{}
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) current() *gobreaker.CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.breaker
}

// handleStateChange runs inside gobreaker's lock, so it must not call back
// into the gobreaker instance. Transitions of a replaced instance are
// ignored.
func (cb *CircuitBreaker) handleStateChange(generation uint64, from, to CircuitState) {
	cb.mu.Lock()
	if generation != cb.generation {
		cb.mu.Unlock()
		return
	}
	if to == StateOpen {
		cb.openedAt = time.Now()
	}
	cb.mu.Unlock()

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", from.String(),
		"to", to.String(),
	)
}

func convertState(state gobreaker.State) CircuitState {
	switch state {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// IsCircuitBreakerError checks if an error is a circuit breaker rejection
func IsCircuitBreakerError(err error) bool {
	return stderrors.Is(err, errors.ErrCircuitBreakerOpen)
}
