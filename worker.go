package raven

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned by Dispatch when the delivery channel is full.
// The request stays in the durable queue.
var ErrQueueFull = &PluginError{Op: "worker_dispatch", Code: "queue_full", Message: "delivery channel is full"}

// DeliveryWorker posts queued requests and reconciles the durable queue with
// the outcome: delivered requests are removed, everything else stays.
type DeliveryWorker struct {
	queue        *DurableQueue
	sender       Sender
	connectivity Connectivity
	rateLimiter  *RateLimiter
	limiter      *rate.Limiter
	retry        *RetryManager
	metrics      *metricsCollector
	logger       *zap.Logger

	workers  int
	requests chan QueuedRequest
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	started  bool
	closed   bool

	inflightMu sync.Mutex
	inflight   map[string]chan struct{}
}

// WorkerConfig collects the collaborators of a DeliveryWorker
type WorkerConfig struct {
	Queue        *DurableQueue
	Sender       Sender
	Connectivity Connectivity
	RateLimiter  *RateLimiter
	// RequestsPerSecond paces deliveries, 0 means unlimited
	RequestsPerSecond float64
	Workers           int
	BufferSize        int
	Logger            *zap.Logger
}

// NewDeliveryWorker creates a worker; Start launches its goroutines
func NewDeliveryWorker(cfg WorkerConfig) *DeliveryWorker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Connectivity == nil {
		cfg.Connectivity = AlwaysConnected
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = NewRateLimiter(cfg.Logger)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}

	w := &DeliveryWorker{
		queue:        cfg.Queue,
		sender:       cfg.Sender,
		connectivity: cfg.Connectivity,
		rateLimiter:  cfg.RateLimiter,
		logger:       cfg.Logger,
		workers:      cfg.Workers,
		requests:     make(chan QueuedRequest, cfg.BufferSize),
		inflight:     make(map[string]chan struct{}),
	}

	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return w
}

// Start starts the delivery goroutines
func (w *DeliveryWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.started {
		return
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.worker(ctx, i)
	}
}

// Stop closes the delivery channel and lets the goroutines finish the sends
// already started or buffered. When ctx expires first the remaining sends are
// cancelled; their requests stay queued.
func (w *DeliveryWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.requests)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	defer func() {
		if w.cancel != nil {
			w.cancel()
		}
	}()

	select {
	case <-done:
		w.logger.Debug("Delivery worker stopped gracefully")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Delivery worker stopped with timeout, cancelling in-flight sends")
		return ctx.Err()
	}
}

// Dispatch hands request to the delivery goroutines without blocking
func (w *DeliveryWorker) Dispatch(request QueuedRequest) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrWorkerStopped
	}

	select {
	case w.requests <- request:
		return nil
	default:
		w.logger.Debug("Delivery channel is full, request stays queued",
			zap.String("request_id", request.UUID))
		return ErrQueueFull
	}
}

// DispatchAll hands every pending request to the delivery goroutines and
// returns how many were accepted
func (w *DeliveryWorker) DispatchAll() int {
	pending := w.queue.ListAll()
	accepted := 0
	for _, request := range pending {
		if err := w.Dispatch(request); err != nil {
			break
		}
		accepted++
	}

	w.logger.Debug("Dispatched cached requests",
		zap.Int("pending", len(pending)),
		zap.Int("dispatched", accepted))
	return accepted
}

func (w *DeliveryWorker) worker(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With(zap.Int("worker_id", workerID))

	for {
		select {
		case <-ctx.Done():
			return
		case request, ok := <-w.requests:
			if !ok {
				return
			}
			result := w.deliverQueued(ctx, request)
			if !result.Success && !result.Skipped {
				logger.Debug("Delivery failed, request stays queued",
					zap.String("request_id", request.UUID),
					zap.String("error", result.Error))
			}
		}
	}
}

// FlushAll attempts every pending request and waits for the outcomes. A
// request already being posted by a delivery goroutine is not posted again;
// FlushAll waits for that post instead. At most one attempt per delivery
// goroutine runs at a time.
func (w *DeliveryWorker) FlushAll(ctx context.Context) error {
	pending := w.queue.ListAll()
	w.logger.Debug("Sending cached requests", zap.Int("pending", len(pending)))

	sem := semaphore.NewWeighted(int64(w.workers))
	var wg sync.WaitGroup
	for _, request := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			w.flushOne(ctx, request)
		}()
	}
	wg.Wait()

	return ctx.Err()
}

func (w *DeliveryWorker) flushOne(ctx context.Context, request QueuedRequest) {
	done, claimed := w.claim(request.UUID)
	if !claimed {
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	defer w.release(request.UUID, done)

	if !w.queue.Contains(request.UUID) {
		return
	}
	w.send(ctx, request)
}

// deliverQueued posts a dispatched request unless it was delivered since it
// was handed to the channel
func (w *DeliveryWorker) deliverQueued(ctx context.Context, request QueuedRequest) *SendResult {
	done, claimed := w.claim(request.UUID)
	if !claimed {
		return &SendResult{RequestID: request.UUID, Skipped: true}
	}
	defer w.release(request.UUID, done)

	if !w.queue.Contains(request.UUID) {
		return &SendResult{RequestID: request.UUID, Skipped: true}
	}
	return w.send(ctx, request)
}

// Attempt delivers request once. A request that is not delivered is (still)
// in the durable queue afterwards. A request that is already being posted is
// skipped.
func (w *DeliveryWorker) Attempt(ctx context.Context, request QueuedRequest) *SendResult {
	done, claimed := w.claim(request.UUID)
	if !claimed {
		return &SendResult{RequestID: request.UUID, Skipped: true}
	}
	defer w.release(request.UUID, done)

	return w.send(ctx, request)
}

// send must be called with the request claimed
func (w *DeliveryWorker) send(ctx context.Context, request QueuedRequest) *SendResult {
	if !w.shouldAttempt(ctx) {
		w.queue.Add(request)
		w.metrics.IncSkippedEvents()
		w.scheduleRetry("delivery deferred")
		return &SendResult{RequestID: request.UUID, Skipped: true}
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			w.queue.Add(request)
			return &SendResult{RequestID: request.UUID, Error: err.Error()}
		}
	}

	result := w.sender.Send(ctx, request)
	if result.Success {
		w.queue.Remove(request)
		w.metrics.IncSuccessfulEvents()
		if w.retry != nil {
			w.retry.Reset()
		}
		return result
	}

	w.queue.Add(request)
	if result.RateLimit {
		w.metrics.IncRateLimitedEvents()
	} else {
		w.metrics.IncFailedEvents()
	}
	w.scheduleRetry(result.Error)
	return result
}

// shouldAttempt fails open when the network state cannot be queried and
// closed when it reports no connection
func (w *DeliveryWorker) shouldAttempt(ctx context.Context) bool {
	if w.rateLimiter.IsRateLimited() {
		w.logger.Debug("Delivery rate limited",
			zap.Time("disabled_until", w.rateLimiter.DisabledUntil()))
		return false
	}

	connected, err := w.connectivity.Connected(ctx)
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) {
			w.logger.Debug("Connectivity check failed, attempting delivery", zap.Error(err))
		}
		return true
	}
	return connected
}

func (w *DeliveryWorker) scheduleRetry(reason string) {
	if w.retry != nil {
		w.retry.ScheduleRetry(reason)
	}
}

// claim marks uuid as in flight. When another attempt holds it, claim returns
// that attempt's done channel and false.
func (w *DeliveryWorker) claim(uuid string) (chan struct{}, bool) {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()

	if done, busy := w.inflight[uuid]; busy {
		return done, false
	}
	done := make(chan struct{})
	w.inflight[uuid] = done
	return done, true
}

func (w *DeliveryWorker) release(uuid string, done chan struct{}) {
	w.inflightMu.Lock()
	delete(w.inflight, uuid)
	w.inflightMu.Unlock()

	close(done)
}
