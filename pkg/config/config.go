package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
)

// Config holds the application configuration
type Config struct {
	Server        ServerConfig         `json:"server"`
	Database      DatabaseConfig       `json:"database"`
	Logging       LoggingConfig        `json:"logging"`
	Metrics       MetricsConfig        `json:"metrics"`
	Tracing       TracingConfig        `json:"tracing"`
	ResourcesFile string               `json:"resources_file"`
	Resources     []ResourceDescriptor `json:"resources"`
}

// ServerConfig contains HTTP server configuration for the status endpoints
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DatabaseConfig contains the primary store pool configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"ssl_mode"`

	PoolMin            int           `json:"pool_min"`
	PoolMax            int           `json:"pool_max"`
	IdleTimeout        time.Duration `json:"idle_timeout"`
	AcquisitionTimeout time.Duration `json:"acquisition_timeout"`
	ConnMaxLifetime    time.Duration `json:"conn_max_lifetime"`

	HealthInterval time.Duration `json:"health_interval"`
	HealthTimeout  time.Duration `json:"health_timeout"`

	BreakerThreshold uint32        `json:"breaker_threshold"`
	BreakerRecovery  time.Duration `json:"breaker_recovery"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"service_name"`
	SamplingRate float64 `json:"sampling_rate"`
}

// Load loads configuration from an optional .env file and environment
// variables, then reads the resource descriptor file if one is configured.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.NewConfigurationError("failed to read .env file").WithCause(err)
	}

	config := &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:               getEnvString("DB_HOST", "localhost"),
			Port:               getEnvInt("DB_PORT", 5432),
			Name:               getEnvString("DB_NAME", "bizchat"),
			User:               getEnvString("DB_USER", "bizchat"),
			Password:           getEnvString("DB_PASSWORD", ""),
			SSLMode:            getEnvString("DB_SSL_MODE", "disable"),
			PoolMin:            getEnvInt("DB_POOL_MIN", 2),
			PoolMax:            getEnvInt("DB_POOL_MAX", 10),
			IdleTimeout:        getEnvDuration("DB_IDLE_TIMEOUT", 30*time.Second),
			AcquisitionTimeout: getEnvDuration("DB_ACQUISITION_TIMEOUT", 2*time.Second),
			ConnMaxLifetime:    getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			HealthInterval:     getEnvDuration("DB_HEALTH_INTERVAL", 30*time.Second),
			HealthTimeout:      getEnvDuration("DB_HEALTH_TIMEOUT", 5*time.Second),
			BreakerThreshold:   uint32(getEnvInt("DB_BREAKER_THRESHOLD", 5)),
			BreakerRecovery:    getEnvDuration("DB_BREAKER_RECOVERY", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "bizchat"),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", false),
			ServiceName:  getEnvString("TRACING_SERVICE_NAME", "bizchat-gateway"),
			SamplingRate: getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
		},
		ResourcesFile: getEnvString("RESOURCES_FILE", ""),
	}

	if config.ResourcesFile != "" {
		resources, err := LoadResources(config.ResourcesFile)
		if err != nil {
			return nil, err
		}
		config.Resources = resources
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	return ValidateResources(c.Resources)
}

// Validate checks pool sizing and timing invariants
func (d *DatabaseConfig) Validate() error {
	switch {
	case d.PoolMax <= 0:
		return errors.NewConfigurationError("database pool max must be positive")
	case d.PoolMin < 0 || d.PoolMin > d.PoolMax:
		return errors.NewConfigurationError(
			fmt.Sprintf("database pool min %d must be between 0 and max %d", d.PoolMin, d.PoolMax))
	case d.AcquisitionTimeout <= 0:
		return errors.NewConfigurationError("database acquisition timeout must be positive")
	case d.HealthInterval <= 0 || d.HealthTimeout <= 0:
		return errors.NewConfigurationError("database health interval and timeout must be positive")
	case d.BreakerThreshold == 0:
		return errors.NewConfigurationError("database breaker threshold must be positive")
	}
	return nil
}

// DSN returns the lib/pq connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
