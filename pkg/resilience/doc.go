// Package resilience provides the circuit breaker and retry primitives used
// to keep calls to external dependencies from cascading into failures of
// the chat application.
//
// # Circuit Breaker
//
// A breaker opens after FailureThreshold consecutive failed calls. While
// open, every call fails immediately with a CIRCUIT_BREAKER_OPEN error and
// the wrapped function is never invoked. Once RecoveryTimeout has elapsed
// the next call is a half-open trial: success closes the circuit and clears
// the failure streak, failure reopens it and restarts the timer.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "primary-store",
//		FailureThreshold: 3,
//		RecoveryTimeout:  time.Second,
//	})
//
//	rows, err := cb.Execute(ctx, "query", func(ctx context.Context) (interface{}, error) {
//		return db.QueryxContext(ctx, "SELECT 1")
//	})
//
// # Retry with Exponential Backoff
//
// Health probes may be attempted more than once per tick. The Retrier backs
// off exponentially with jitter and never outlives the caller's context.
//
//	retrier := resilience.NewRetrier(resilience.ProbeRetryConfig(3))
//	err := retrier.Execute(ctx, probe)
package resilience
