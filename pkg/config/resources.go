package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
)

// ResourceKind identifies which capability family a resource belongs to
type ResourceKind string

const (
	KindSearch          ResourceKind = "search"
	KindDataQuery       ResourceKind = "data-query"
	KindRelationalStore ResourceKind = "relational-store"
	KindCache           ResourceKind = "cache"
)

var knownKinds = []ResourceKind{KindSearch, KindDataQuery, KindRelationalStore, KindCache}

// Defaults applied to descriptors that leave a field unset.
const (
	DefaultHealthIntervalMs  = 30_000
	DefaultHealthTimeoutMs   = 5_000
	DefaultRetryAttempts     = 1
	DefaultBreakerThreshold  = 5
	DefaultBreakerRecoveryMs = 30_000
)

// HealthPolicy controls how often and how patiently a resource is probed
type HealthPolicy struct {
	IntervalMs      int  `yaml:"interval_ms" json:"interval_ms"`
	TimeoutMs       int  `yaml:"timeout_ms" json:"timeout_ms"`
	RetryAttempts   int  `yaml:"retry_attempts" json:"retry_attempts"`
	FailoverEnabled bool `yaml:"failover_enabled" json:"failover_enabled"`
}

// Interval returns the probe period
func (h HealthPolicy) Interval() time.Duration {
	return time.Duration(h.IntervalMs) * time.Millisecond
}

// Timeout returns the budget of a single probe tick
func (h HealthPolicy) Timeout() time.Duration {
	return time.Duration(h.TimeoutMs) * time.Millisecond
}

// BreakerPolicy configures the per-resource circuit breaker
type BreakerPolicy struct {
	FailureThreshold  uint32 `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeoutMs int    `yaml:"recovery_timeout_ms" json:"recovery_timeout_ms"`
}

// RecoveryTimeout returns how long the breaker stays open before a trial call
func (b BreakerPolicy) RecoveryTimeout() time.Duration {
	return time.Duration(b.RecoveryTimeoutMs) * time.Millisecond
}

// ResourceDescriptor describes one external capability provider
type ResourceDescriptor struct {
	Name         string            `yaml:"name" json:"name"`
	Kind         ResourceKind      `yaml:"kind" json:"kind"`
	Endpoint     string            `yaml:"endpoint" json:"endpoint"`
	Credentials  map[string]string `yaml:"credentials" json:"-"`
	Capabilities []string          `yaml:"capabilities" json:"capabilities"`
	Settings     map[string]string `yaml:"settings" json:"settings,omitempty"`
	Health       HealthPolicy      `yaml:"health" json:"health"`
	Breaker      BreakerPolicy     `yaml:"breaker" json:"breaker"`
}

// Credential returns a single credential value, or "" when absent
func (d ResourceDescriptor) Credential(key string) string {
	if d.Credentials == nil {
		return ""
	}
	return d.Credentials[key]
}

// Setting returns a provider-specific setting, or fallback when absent
func (d ResourceDescriptor) Setting(key, fallback string) string {
	if v, ok := d.Settings[key]; ok && v != "" {
		return v
	}
	return fallback
}

// ApplyDefaults fills unset policy fields
func (d *ResourceDescriptor) ApplyDefaults() {
	if d.Health.IntervalMs == 0 {
		d.Health.IntervalMs = DefaultHealthIntervalMs
	}
	if d.Health.TimeoutMs == 0 {
		d.Health.TimeoutMs = min(DefaultHealthTimeoutMs, d.Health.IntervalMs/2)
	}
	if d.Health.RetryAttempts == 0 {
		d.Health.RetryAttempts = DefaultRetryAttempts
	}
	if d.Breaker.FailureThreshold == 0 {
		d.Breaker.FailureThreshold = DefaultBreakerThreshold
	}
	if d.Breaker.RecoveryTimeoutMs == 0 {
		d.Breaker.RecoveryTimeoutMs = DefaultBreakerRecoveryMs
	}
}

// Validate checks a single descriptor
func (d *ResourceDescriptor) Validate() error {
	if d.Name == "" {
		return errors.NewConfigurationError("resource name is required")
	}
	if !slices.Contains(knownKinds, d.Kind) {
		return errors.NewConfigurationError(fmt.Sprintf("resource %q has unknown kind %q", d.Name, d.Kind))
	}
	if d.Endpoint == "" && d.Kind != KindRelationalStore {
		return errors.NewConfigurationError(fmt.Sprintf("resource %q has no endpoint", d.Name))
	}
	if d.Health.IntervalMs <= 0 || d.Health.TimeoutMs <= 0 {
		return errors.NewConfigurationError(fmt.Sprintf("resource %q health interval and timeout must be positive", d.Name))
	}
	if d.Health.TimeoutMs >= d.Health.IntervalMs {
		return errors.NewConfigurationError(fmt.Sprintf("resource %q health timeout must be shorter than its interval", d.Name))
	}
	if d.Health.RetryAttempts < 1 {
		return errors.NewConfigurationError(fmt.Sprintf("resource %q retry attempts must be at least 1", d.Name))
	}
	return nil
}

// ValidateResources validates every descriptor and rejects duplicate names
func ValidateResources(resources []ResourceDescriptor) error {
	seen := make(map[string]struct{}, len(resources))
	for i := range resources {
		if err := resources[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[resources[i].Name]; dup {
			return errors.NewConfigurationError(fmt.Sprintf("duplicate resource name %q", resources[i].Name))
		}
		seen[resources[i].Name] = struct{}{}
	}
	return nil
}

type resourceFile struct {
	Resources []ResourceDescriptor `yaml:"resources"`
}

// LoadResources reads descriptors from a YAML file. Credential values may
// reference environment variables as ${NAME}.
func LoadResources(path string) ([]ResourceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigurationError("failed to read resources file").
			WithDetail("path", path).
			WithCause(err)
	}
	return ParseResources(data)
}

// ParseResources decodes, expands and validates a YAML descriptor document
func ParseResources(data []byte) ([]ResourceDescriptor, error) {
	var file resourceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.NewConfigurationError("failed to parse resources file").WithCause(err)
	}

	for i := range file.Resources {
		d := &file.Resources[i]
		for k, v := range d.Credentials {
			d.Credentials[k] = os.ExpandEnv(v)
		}
		for k, v := range d.Settings {
			d.Settings[k] = os.ExpandEnv(v)
		}
		d.Endpoint = os.ExpandEnv(d.Endpoint)
		d.ApplyDefaults()
	}

	if err := ValidateResources(file.Resources); err != nil {
		return nil, err
	}
	return file.Resources, nil
}
