package raven

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// Plugin hosts a Client inside a RoadRunner server
type Plugin struct {
	config *Config
	logger *zap.Logger
	client *Client

	// Lifecycle
	stopCh chan struct{}
	doneCh chan struct{}
}

// Configurer interface for config plugin
type Configurer interface {
	UnmarshalKey(name string, out interface{}) error
	Has(name string) bool
}

// Logger interface for logger plugin
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// Reporter is the capture surface provided to other plugins
type Reporter interface {
	CaptureMessage(message string, level Level) string
	CaptureException(err error, level Level) string
	CaptureEvent(builder *EventBuilder) string
	Flush(ctx context.Context) error
}

// LoadConfig reads the plugin section, applies defaults and validates it
func LoadConfig(cfg Configurer) (*Config, error) {
	const op = errors.Op("sentry_raven_load_config")

	if !cfg.Has(PluginName) {
		return nil, errors.E(op, errors.Disabled)
	}

	config := &Config{}
	if err := cfg.UnmarshalKey(PluginName, config); err != nil {
		return nil, errors.E(op, err)
	}

	config.InitDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.E(op, err)
	}

	return config, nil
}

// Init initializes the plugin
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("sentry_raven_init")

	config, err := LoadConfig(cfg)
	if err != nil {
		return errors.E(op, err)
	}

	if !config.Enabled || config.DSN == "" {
		return errors.E(op, errors.Disabled)
	}

	p.config = config
	p.logger = log.NamedLogger(PluginName)

	client, err := NewFromConfig(*config, WithLogger(p.logger))
	if err != nil {
		return errors.E(op, err)
	}
	p.client = client

	p.logger.Info("Sentry raven plugin initialized",
		zap.String("queue_backend", config.Queue.Backend),
		zap.Int("workers", config.Queue.Workers),
		zap.Int("listener_limit", config.Listeners.MaxListeners()))

	return nil
}

// Serve starts the plugin
func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)

	if p.client == nil {
		errCh <- errors.E(errors.Op("sentry_raven_serve"), errors.Str("plugin not initialized"))
		return errCh
	}

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go func() {
		defer close(p.doneCh)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go p.cleanupRoutine(ctx)

		p.logger.Info("Sentry raven plugin started")

		<-p.stopCh
		p.logger.Info("Sentry raven plugin stopping")
	}()

	return errCh
}

// Stop stops the plugin. Pending events stay in the durable queue.
func (p *Plugin) Stop(ctx context.Context) error {
	if p.stopCh != nil {
		close(p.stopCh)

		select {
		case <-p.doneCh:
		case <-ctx.Done():
			p.logger.Warn("Plugin stop timed out")
			return ctx.Err()
		}
	}

	if p.client != nil {
		return p.client.Close(ctx)
	}
	return nil
}

// Name returns the plugin name
func (p *Plugin) Name() string {
	return PluginName
}

// RPC returns the RPC interface
func (p *Plugin) RPC() interface{} {
	return NewRPC(p.client, p.logger)
}

// Provides returns the dependencies this plugin provides
func (p *Plugin) Provides() []*dep.Out {
	return []*dep.Out{
		dep.Bind((*Reporter)(nil), p.Reporter),
	}
}

// Reporter returns the capture interface
func (p *Plugin) Reporter() Reporter {
	return p.client
}

// MetricsCollector exposes the client metrics to the metrics plugin
func (p *Plugin) MetricsCollector() []prometheus.Collector {
	if p.client == nil {
		return nil
	}
	return []prometheus.Collector{p.client.Collector()}
}

// cleanupRoutine performs periodic cleanup tasks
func (p *Plugin) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.client.RateLimiter().CleanupExpired()
			p.client.SendAllCachedEvents()
		}
	}
}
