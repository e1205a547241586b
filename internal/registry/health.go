package registry

import (
	"context"

	"github.com/NikhilSetiya/bizchat-gateway/internal/monitor"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
)

// probeFunc returns the kind-specific liveness check of e. A resource that
// never connected is reconnected instead of probed.
func (r *Registry) probeFunc(e *entry) monitor.ProbeFunc {
	return func(ctx context.Context) error {
		e.mu.RLock()
		handle := e.handle
		e.mu.RUnlock()

		if handle != nil {
			return handle.conn.Probe(ctx)
		}
		return r.reconnect(ctx, e)
	}
}

func (r *Registry) reconnect(ctx context.Context, e *entry) error {
	handle, err := r.open(ctx, e.descriptor)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed || e.handle != nil {
		e.mu.Unlock()
		_ = closeQuietly(handle.conn)
		return nil
	}
	e.handle = handle
	e.mu.Unlock()

	r.logger.Info("Resource reconnected",
		"resource", e.descriptor.Name,
		"kind", string(e.descriptor.Kind),
	)
	return nil
}

// resultFunc folds a probe result into e's HealthRecord and drives the
// failover flag
func (r *Registry) resultFunc(e *entry) func(monitor.Result) {
	return func(result monitor.Result) {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}

		e.health.LastCheckedAt = result.CheckedAt
		e.health.LastResponseTimeMs = result.Duration.Milliseconds()
		e.health.Connected = e.handle != nil
		e.health.Healthy = result.Healthy && e.handle != nil

		activate, deactivate := false, false
		if e.health.Healthy {
			e.health.LastError = ""
			e.health.ConsecutiveFailures = 0
			if e.health.FailoverActive {
				e.health.FailoverActive = false
				deactivate = true
			}
		} else {
			if result.Err != nil {
				e.health.LastError = result.Err.Error()
			}
			e.health.ConsecutiveFailures++
			if e.descriptor.Health.FailoverEnabled && !e.health.FailoverActive {
				e.health.FailoverActive = true
				activate = true
			}
		}
		lastError := e.health.LastError
		healthy := e.health.Healthy
		e.mu.Unlock()

		if healthy {
			e.breaker.ResetFailures()
		}
		if activate {
			r.announceFailover(e.descriptor.Name, lastError)
		}
		if deactivate {
			r.metrics.SetFailover(e.descriptor.Name, false)
			r.logger.Info("Failover deactivated", "resource", e.descriptor.Name)
		}
	}
}

// ActivateFailover flags a resource as degraded. Traffic is not rerouted;
// there is no alternate resource to send it to.
func (r *Registry) ActivateFailover(name string) error {
	e := r.entry(name)
	if e == nil {
		return errors.NewResourceUnavailableError(name)
	}

	e.mu.Lock()
	if e.health.FailoverActive {
		e.mu.Unlock()
		return nil
	}
	e.health.FailoverActive = true
	lastError := e.health.LastError
	e.mu.Unlock()

	r.announceFailover(name, lastError)
	return nil
}

func (r *Registry) announceFailover(name, lastError string) {
	r.metrics.SetFailover(name, true)
	r.logger.Warn("Failover activated",
		"resource", name,
		"last_error", lastError,
	)
}
