package registry

import (
	"context"
	"sort"
	"time"

	"github.com/NikhilSetiya/bizchat-gateway/pkg/config"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/resilience"
)

// Args is the JSON-serializable argument object of a capability call
type Args map[string]interface{}

// Operation is one named entry of a provider's operation surface
type Operation func(ctx context.Context, args Args) (interface{}, error)

// Connection is the live transport state of one resource. Each kind's
// provider supplies its own probe and a fixed operation set that is bound
// once, when the handle is created.
type Connection interface {
	Operations() map[string]Operation
	Probe(ctx context.Context) error
	Close() error
}

// Connector opens a Connection for a descriptor of one kind
type Connector func(ctx context.Context, descriptor config.ResourceDescriptor) (Connection, error)

// Handle binds a descriptor to its live connection and operation set
type Handle struct {
	descriptor config.ResourceDescriptor
	conn       Connection
	operations map[string]Operation
}

// Name returns the resource name
func (h *Handle) Name() string { return h.descriptor.Name }

// Kind returns the resource kind
func (h *Handle) Kind() config.ResourceKind { return h.descriptor.Kind }

// Connection returns the provider connection. Callers may type-assert it to
// the kind-specific client.
func (h *Handle) Connection() Connection { return h.conn }

// Supports reports whether operation is part of the handle's operation set
func (h *Handle) Supports(operation string) bool {
	_, ok := h.operations[operation]
	return ok
}

// Capabilities returns the operation names in sorted order
func (h *Handle) Capabilities() []string {
	names := make([]string, 0, len(h.operations))
	for name := range h.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthRecord is the monitor's view of one resource
type HealthRecord struct {
	ResourceName        string              `json:"resource_name"`
	Kind                config.ResourceKind `json:"kind"`
	Connected           bool                `json:"connected"`
	Healthy             bool                `json:"healthy"`
	LastCheckedAt       time.Time           `json:"last_checked_at,omitempty"`
	LastError           string              `json:"last_error,omitempty"`
	LastResponseTimeMs  int64               `json:"last_response_time_ms"`
	FailoverActive      bool                `json:"failover_active"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
}

// ServerStatus is a copy of a resource's health and breaker state
type ServerStatus struct {
	HealthRecord
	Endpoint     string              `json:"endpoint,omitempty"`
	Capabilities []string            `json:"capabilities"`
	Circuit      resilience.Snapshot `json:"circuit"`
}

// RequestContext carries caller identity for audit. It is attached to every
// call and never stored.
type RequestContext struct {
	SessionID     string   `json:"session_id,omitempty"`
	UserID        string   `json:"user_id,omitempty"`
	Domains       []string `json:"domains,omitempty"`
	TraceID       string   `json:"trace_id,omitempty"`
	OperationType string   `json:"operation_type,omitempty"`
}

// Argument keys added to every call from the RequestContext
const (
	ArgSessionID     = "session_id"
	ArgUserID        = "user_id"
	ArgDomains       = "domains"
	ArgTraceID       = "trace_id"
	ArgOperationType = "operation_type"
)
