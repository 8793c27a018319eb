package raven

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Client captures events, persists them and delivers them in the background.
// A Client is safe for concurrent use.
type Client struct {
	dsn        *DSN
	config     Config
	logger     *zap.Logger
	queue      *DurableQueue
	worker     *DeliveryWorker
	transport  *HTTPTransport
	retry      *RetryManager
	listeners  *CaptureListenerChain
	main       CaptureListener
	staticTags map[string]string
	metrics    *metricsCollector
	handler    *uncaughtHandler

	closeOnce sync.Once
	closed    atomic.Bool
}

// Option configures a Client
type Option func(*options)

type options struct {
	logger       *zap.Logger
	store        Store
	connectivity Connectivity
	httpClient   *http.Client
	sender       Sender
	main         CaptureListener
	release      string
	appPackage   string
	serverName   string
	config       *Config
	noPanicHook  bool
}

// WithLogger sets the logger, the default discards everything
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore overrides the storage backend selected by the configuration
func WithStore(store Store) Option {
	return func(o *options) { o.store = store }
}

// WithConnectivity sets the network state check consulted before each attempt
func WithConnectivity(c Connectivity) Option {
	return func(o *options) { o.connectivity = c }
}

// WithHTTPClient sets the HTTP client used for delivery
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithSender replaces the HTTP transport
func WithSender(sender Sender) Option {
	return func(o *options) { o.sender = sender }
}

// WithCaptureListener sets the main listener. It runs before the registered
// listeners and does not count against their limit.
func WithCaptureListener(l CaptureListener) Option {
	return func(o *options) { o.main = l }
}

// WithRelease sets the release reported with every event
func WithRelease(release string) Option {
	return func(o *options) { o.release = release }
}

// WithAppPackage sets the import path prefix used to pick the culprit frame
func WithAppPackage(pkg string) Option {
	return func(o *options) { o.appPackage = pkg }
}

// WithServerName sets the server name reported with every event
func WithServerName(name string) Option {
	return func(o *options) { o.serverName = name }
}

// WithConfig starts from cfg instead of the defaults
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = &cfg }
}

// WithoutPanicHandler skips installing the process-wide panic handler
func WithoutPanicHandler() Option {
	return func(o *options) { o.noPanicHook = true }
}

// New creates a client for the given DSN. Only a malformed DSN (or an
// invalid configuration) is reported; storage problems degrade to an
// in-memory queue.
func New(dsn string, opts ...Option) (*Client, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := Config{Enabled: true}
	if o.config != nil {
		cfg = *o.config
	}
	if dsn != "" {
		cfg.DSN = dsn
	}
	if o.release != "" {
		cfg.Release = o.release
	}
	if o.appPackage != "" {
		cfg.AppPackage = o.appPackage
	}
	if o.serverName != "" {
		cfg.ServerName = o.serverName
	}

	return newClient(cfg, o)
}

// NewFromConfig creates a client from a loaded configuration
func NewFromConfig(cfg Config, opts ...Option) (*Client, error) {
	return New("", append([]Option{WithConfig(cfg)}, opts...)...)
}

func newClient(cfg Config, o *options) (*Client, error) {
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if o.store != nil && cfg.Queue.Backend == "" {
		cfg.Queue.Backend = BackendMemory
	}
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn, err := ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.Release == "" {
		cfg.Release = defaultRelease()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = defaultServerName()
	}
	if cfg.AppPackage == "" {
		cfg.AppPackage = defaultAppPackage()
	}

	store := o.store
	if store == nil {
		store, err = OpenStore(&cfg.Queue)
		if err != nil {
			logger.Error("Failed to open durable storage, pending events are kept in memory only",
				zap.String("backend", cfg.Queue.Backend),
				zap.Error(err))
			store = NewMemoryStore()
		}
	}

	c := &Client{
		dsn:        dsn,
		config:     cfg,
		logger:     logger,
		main:       o.main,
		staticTags: StaticTags(),
	}

	c.queue = NewDurableQueue(store, logger.Named("queue"))
	c.metrics = newMetricsCollector(c.queue.Len)
	c.listeners = NewCaptureListenerChain(cfg.Listeners.MaxListeners(), logger.Named("listeners"))
	c.listeners.metrics = c.metrics

	rateLimiter := NewRateLimiter(logger.Named("rate_limiter"))

	sender := o.sender
	if sender == nil {
		c.transport, err = NewHTTPTransport(&cfg.Transport, dsn, o.httpClient, rateLimiter, logger.Named("transport"))
		if err != nil {
			_ = c.queue.Close()
			return nil, err
		}
		sender = c.transport
	}

	c.worker = NewDeliveryWorker(WorkerConfig{
		Queue:             c.queue,
		Sender:            sender,
		Connectivity:      o.connectivity,
		RateLimiter:       rateLimiter,
		RequestsPerSecond: cfg.Transport.RequestsPerSecond,
		Workers:           cfg.Queue.Workers,
		BufferSize:        cfg.Queue.BufferSize,
		Logger:            logger.Named("worker"),
	})
	c.worker.metrics = c.metrics

	c.retry = NewRetryManager(&cfg.Retry, logger.Named("retry"), func() { c.worker.DispatchAll() })
	c.worker.retry = c.retry

	c.worker.Start(context.Background())

	if !o.noPanicHook {
		if h, ok := installUncaughtHandler(c); ok {
			c.handler = h
		} else {
			logger.Debug("Panic handler already installed, not wrapping it again")
		}
	}

	logger.Info("Sentry client initialized",
		zap.String("endpoint", dsn.Redacted()),
		zap.String("release", cfg.Release),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.Int("pending", c.queue.Len()))

	c.SendAllCachedEvents()

	return c, nil
}

func defaultStoragePath(backend string) string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	dir = filepath.Join(dir, ClientName)
	if backend == BackendSQLite {
		return filepath.Join(dir, StorageFileName+".db")
	}
	return dir
}

// DSN returns the parsed connection string
func (c *Client) DSN() *DSN {
	return c.dsn
}

// Config returns the effective configuration
func (c *Client) Config() Config {
	return c.config
}

// CaptureMessage reports a message. An empty level means LevelInfo.
// It returns the event id, empty when the event could not be queued.
func (c *Client) CaptureMessage(message string, level Level) string {
	if level == "" {
		level = LevelInfo
	}
	return c.CaptureEvent(NewEventBuilder().SetMessage(message).SetLevel(level))
}

// CaptureException reports err and its causes. An empty level means
// LevelError.
func (c *Client) CaptureException(err error, level Level) string {
	if level == "" {
		level = LevelError
	}
	return c.CaptureEvent(NewErrorEventBuilder(withCallerStack(err, 1), level, c.config.AppPackage))
}

// CaptureEvent runs the capture listeners on builder, persists the event and
// hands it to the delivery goroutines. It never blocks on the network. A
// builder that was already captured is rejected.
func (c *Client) CaptureEvent(builder *EventBuilder) (eventID string) {
	if builder == nil {
		return ""
	}
	if c.closed.Load() {
		c.logger.Warn("Client is closed, event dropped", zap.String("event_id", builder.ID()))
		return ""
	}
	if builder.Frozen() {
		c.logger.Warn("Event was already captured", zap.String("event_id", builder.ID()))
		return ""
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Exception during capture", zap.Any("panic", r))
			eventID = ""
		}
	}()

	request, ok := c.enqueue(c.prepare(builder))
	if !ok {
		return ""
	}

	if err := c.worker.Dispatch(request); err != nil {
		c.logger.Debug("Immediate delivery not possible, event stays queued",
			zap.String("request_id", request.UUID),
			zap.Error(err))
	}

	return builder.ID()
}

// prepare applies the client defaults, the main listener and the registered
// listeners
func (c *Client) prepare(builder *EventBuilder) *EventBuilder {
	builder.SetRelease(c.config.Release)
	if builder.event.ServerName == nil && c.config.ServerName != "" {
		builder.SetServerName(c.config.ServerName)
	}
	for key, value := range c.staticTags {
		if _, ok := builder.event.Tags[key]; !ok {
			builder.PutTag(key, value)
		}
	}

	if c.main != nil {
		builder = c.listeners.run("main", c.main, builder)
	}
	return c.listeners.RunAll(builder)
}

// enqueue serializes and freezes builder and persists the request
func (c *Client) enqueue(builder *EventBuilder) (QueuedRequest, bool) {
	payload, err := builder.Serialize(c.logger)
	if err != nil {
		c.logger.Error("Failed to serialize event",
			zap.String("event_id", builder.ID()),
			zap.Error(err))
		return QueuedRequest{}, false
	}
	builder.freeze()

	request := newQueuedRequest(payload)
	c.queue.Add(request)
	c.metrics.IncCapturedEvents(builder.event.Level)

	c.logger.Debug("Event queued",
		zap.String("event_id", builder.ID()),
		zap.String("request_id", request.UUID))

	return request, true
}

// captureUncaught persists a fatal event without attempting delivery, the
// process is likely about to exit
func (c *Client) captureUncaught(goroutine string, err *PanicError) {
	if c.closed.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Exception while capturing panic", zap.Any("panic", r))
		}
	}()

	builder := NewErrorEventBuilder(err, LevelFatal, c.config.AppPackage)
	if goroutine != "" {
		builder.PutTag("goroutine", goroutine)
	}
	c.enqueue(c.prepare(builder))
}

// AddCaptureListener registers a listener; it reports false when the chain
// is full or tag is taken
func (c *Client) AddCaptureListener(tag string, listener CaptureListener) bool {
	return c.listeners.Add(tag, listener)
}

// RemoveCaptureListener unregisters the listener with tag
func (c *Client) RemoveCaptureListener(tag string) {
	c.listeners.Remove(tag)
}

// SendAllCachedEvents hands every pending event to the delivery goroutines
func (c *Client) SendAllCachedEvents() {
	if c.closed.Load() {
		return
	}
	c.worker.DispatchAll()
}

// Flush attempts every pending event and waits for the outcomes
func (c *Client) Flush(ctx context.Context) error {
	if c.closed.Load() {
		return ErrWorkerStopped
	}
	return c.worker.FlushAll(ctx)
}

// Pending returns the events waiting for delivery
func (c *Client) Pending() []QueuedRequest {
	return c.queue.ListAll()
}

// Metrics returns the delivery counters
func (c *Client) Metrics() *TransportMetrics {
	return c.metrics.snapshot()
}

// Collector exposes the client metrics to Prometheus
func (c *Client) Collector() prometheus.Collector {
	return c.metrics
}

// RateLimiter returns the limiter fed by collector responses
func (c *Client) RateLimiter() *RateLimiter {
	return c.worker.rateLimiter
}

// Close uninstalls the panic handler, stops delivery and closes the store.
// Undelivered events stay in the store for the next process.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		if c.handler != nil {
			uninstallUncaughtHandler(c.handler)
		}
		c.retry.Close()

		if stopErr := c.worker.Stop(ctx); stopErr != nil {
			err = fmt.Errorf("stop delivery worker: %w", stopErr)
		}
		if c.transport != nil {
			_ = c.transport.Close()
		}
		if closeErr := c.queue.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close durable queue: %w", closeErr)
		}

		c.logger.Info("Sentry client closed", zap.Int("pending", len(c.queue.ListAll())))
	})
	return err
}
