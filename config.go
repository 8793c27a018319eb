package raven

import (
	"time"
)

const PluginName = "sentry_raven"

// Config represents the client configuration
type Config struct {
	// Enable/disable reporting
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Sentry DSN
	DSN string `mapstructure:"dsn" yaml:"dsn"`

	// Release reported with every event, defaults to the main module version
	Release string `mapstructure:"release" yaml:"release"`

	// Import path prefix of the host application, used to pick the culprit frame
	AppPackage string `mapstructure:"app_package" yaml:"app_package"`

	// Server name, defaults to the hostname
	ServerName string `mapstructure:"server_name" yaml:"server_name"`

	// HTTP transport settings
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	// Retry sweep configuration
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// Queue configuration
	Queue QueueConfig `mapstructure:"queue" yaml:"queue"`

	// Capture listener configuration
	Listeners ListenersConfig `mapstructure:"listeners" yaml:"listeners"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// TransportConfig contains HTTP transport settings
type TransportConfig struct {
	// Request timeout
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Enable gzip compression of the request body
	Compression bool `mapstructure:"compression" yaml:"compression"`
	// Proxy URL
	Proxy string `mapstructure:"proxy" yaml:"proxy"`
	// Maximum delivery requests per second, 0 means unlimited
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// RetryConfig contains retry sweep settings
type RetryConfig struct {
	// Initial backoff duration
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	// Backoff multiplier
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	// Maximum backoff duration
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// QueueConfig contains durable queue and worker settings
type QueueConfig struct {
	// Storage backend: file, sqlite or memory
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Directory (file backend) or database file (sqlite backend)
	Path string `mapstructure:"path" yaml:"path"`
	// Buffer size for the delivery channel
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
	// Number of delivery goroutines
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// ListenersConfig contains capture listener settings
type ListenersConfig struct {
	// Maximum number of registered listeners, unset means DefaultListenerLimit
	// and 0 disables registration
	Limit *int `mapstructure:"limit" yaml:"limit"`
}

// MaxListeners returns the effective listener limit
func (l ListenersConfig) MaxListeners() int {
	if l.Limit == nil {
		return DefaultListenerLimit
	}
	return *l.Limit
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Log level for client operations
	Level string `mapstructure:"level" yaml:"level"`
}

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// InitDefaults initializes default configuration values
func (cfg *Config) InitDefaults() {
	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 10 * time.Second
	}

	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = 5 * time.Second
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry.BackoffMultiplier = 2.0
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = 300 * time.Second
	}

	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = BackendFile
	}
	if cfg.Queue.Path == "" && cfg.Queue.Backend != BackendMemory {
		cfg.Queue.Path = defaultStoragePath(cfg.Queue.Backend)
	}
	if cfg.Queue.BufferSize == 0 {
		cfg.Queue.BufferSize = 100
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 1
	}

	if cfg.Listeners.Limit == nil {
		limit := DefaultListenerLimit
		cfg.Listeners.Limit = &limit
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (cfg *Config) Validate() error {
	switch cfg.Queue.Backend {
	case BackendFile, BackendSQLite:
		if cfg.Queue.Path == "" {
			return &PluginError{Op: "config_validate", Code: "queue_path_missing", Message: "queue.path is required for the " + cfg.Queue.Backend + " backend"}
		}
	case BackendMemory:
	default:
		return &PluginError{Op: "config_validate", Code: "queue_backend", Message: "unknown queue backend " + cfg.Queue.Backend}
	}

	if cfg.Queue.BufferSize <= 0 {
		cfg.Queue.BufferSize = 100
	}

	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 1
	}

	if cfg.Listeners.Limit != nil && *cfg.Listeners.Limit < 0 {
		none := 0
		cfg.Listeners.Limit = &none
	}

	if cfg.Transport.RequestsPerSecond < 0 {
		cfg.Transport.RequestsPerSecond = 0
	}

	return nil
}
