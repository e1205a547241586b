package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/logging"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/tracing"
)

// ExecuteWithContext invokes operation on the named resource. It fails with
// ResourceUnavailable when no handle is registered, ResourceUnhealthy when
// the last probe failed and OperationNotSupported when the operation is not
// in the handle's set. Otherwise args are enriched with the request context
// and the call runs through the resource's breaker; the provider's result
// and error are returned unchanged.
func (r *Registry) ExecuteWithContext(ctx context.Context, name, operation string, args Args, reqCtx RequestContext) (interface{}, error) {
	e := r.entry(name)
	if e == nil {
		return nil, errors.NewResourceUnavailableError(name)
	}

	e.mu.RLock()
	handle := e.handle
	healthy := e.health.Healthy
	lastError := e.health.LastError
	e.mu.RUnlock()

	if handle == nil {
		return nil, errors.NewResourceUnavailableError(name)
	}
	if !healthy {
		return nil, errors.NewResourceUnhealthyError(name, lastError)
	}
	op, ok := handle.operations[operation]
	if !ok {
		return nil, errors.NewOperationNotSupportedError(name, operation)
	}

	ctx, span := r.tracer.StartCapabilitySpan(ctx, name, operation)
	reqCtx = resolveTraceID(ctx, reqCtx)
	ctx = auditContext(ctx, reqCtx)
	enriched := enrichArgs(args, reqCtx)

	start := time.Now()
	result, err := e.breaker.Execute(ctx, operation, func(ctx context.Context) (interface{}, error) {
		return op(ctx, enriched)
	})
	duration := time.Since(start)

	r.tracer.EndSpan(span, err)
	r.metrics.RecordCapabilityCall(name, operation, duration, err)
	r.logger.LogCapabilityCall(ctx, name, operation, duration, err)

	return result, err
}

// resolveTraceID fills a missing trace id from the active span, then the
// logging context, then a fresh id
func resolveTraceID(ctx context.Context, reqCtx RequestContext) RequestContext {
	if reqCtx.TraceID != "" {
		return reqCtx
	}
	if id := tracing.GetTraceID(ctx); id != "" {
		reqCtx.TraceID = id
	} else if id := logging.GetTraceID(ctx); id != "" {
		reqCtx.TraceID = id
	} else {
		reqCtx.TraceID = uuid.New().String()
	}
	return reqCtx
}

func auditContext(ctx context.Context, reqCtx RequestContext) context.Context {
	if reqCtx.SessionID != "" {
		ctx = logging.WithSessionID(ctx, reqCtx.SessionID)
	}
	if reqCtx.UserID != "" {
		ctx = logging.WithUserID(ctx, reqCtx.UserID)
	}
	return logging.WithTraceID(ctx, reqCtx.TraceID)
}

// enrichArgs copies args and adds the request context fields. The caller's
// map is never modified.
func enrichArgs(args Args, reqCtx RequestContext) Args {
	enriched := make(Args, len(args)+5)
	for k, v := range args {
		enriched[k] = v
	}

	if reqCtx.SessionID != "" {
		enriched[ArgSessionID] = reqCtx.SessionID
	}
	if reqCtx.UserID != "" {
		enriched[ArgUserID] = reqCtx.UserID
	}
	if len(reqCtx.Domains) > 0 {
		domains := make([]string, len(reqCtx.Domains))
		copy(domains, reqCtx.Domains)
		enriched[ArgDomains] = domains
	}
	if reqCtx.TraceID != "" {
		enriched[ArgTraceID] = reqCtx.TraceID
	}
	if reqCtx.OperationType != "" {
		enriched[ArgOperationType] = reqCtx.OperationType
	}
	return enriched
}
