package raven

import (
	"sync"

	"go.uber.org/zap"
)

// DurableQueue holds the requests that have not been delivered yet. Every
// mutation rewrites the whole record in the backing Store while holding the
// queue lock, so concurrent writers never interleave.
type DurableQueue struct {
	mu       sync.Mutex
	store    Store
	requests []QueuedRequest
	logger   *zap.Logger
	closed   bool
}

// NewDurableQueue loads the pending requests from store. Load failures are
// logged and leave the queue empty.
func NewDurableQueue(store Store, logger *zap.Logger) *DurableQueue {
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &DurableQueue{
		store:  store,
		logger: logger,
	}

	requests, err := store.Load()
	if err != nil {
		logger.Error("Failed to load pending requests, starting with an empty queue", zap.Error(err))
		requests = nil
	}

	seen := make(map[string]struct{}, len(requests))
	for _, r := range requests {
		if _, dup := seen[r.UUID]; dup || r.UUID == "" {
			continue
		}
		seen[r.UUID] = struct{}{}
		q.requests = append(q.requests, r)
	}

	logger.Debug("Durable queue loaded", zap.Int("pending", len(q.requests)))

	return q
}

// Add appends request unless a request with the same UUID is queued. It
// reports whether the queue changed.
func (q *DurableQueue) Add(request QueuedRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.Warn("Queue is closed, request not persisted",
			zap.String("request_id", request.UUID),
			zap.Error(ErrQueueClosed))
		return false
	}

	if q.indexOf(request.UUID) >= 0 {
		return false
	}

	q.logger.Debug("Adding request", zap.String("request_id", request.UUID))
	q.requests = append(q.requests, request)
	q.persist()
	return true
}

// Remove deletes the request with the same UUID. It reports whether the
// queue changed.
func (q *DurableQueue) Remove(request QueuedRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	i := q.indexOf(request.UUID)
	if i < 0 {
		return false
	}

	q.logger.Debug("Removing request", zap.String("request_id", request.UUID))
	q.requests = append(q.requests[:i], q.requests[i+1:]...)
	q.persist()
	return true
}

// ListAll returns a snapshot of the pending requests
func (q *DurableQueue) ListAll() []QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueuedRequest, len(q.requests))
	copy(out, q.requests)
	return out
}

// Contains reports whether a request with uuid is pending
func (q *DurableQueue) Contains(uuid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.indexOf(uuid) >= 0
}

// Len returns the number of pending requests
func (q *DurableQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.requests)
}

// Close releases the store. Later mutations are ignored.
func (q *DurableQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	return q.store.Close()
}

func (q *DurableQueue) indexOf(uuid string) int {
	for i := range q.requests {
		if q.requests[i].UUID == uuid {
			return i
		}
	}
	return -1
}

// persist must be called with q.mu held. A failed write keeps the in-memory
// state so the request is still delivered by this process.
func (q *DurableQueue) persist() {
	if err := q.store.Save(q.requests); err != nil {
		q.logger.Error("Failed to persist pending requests",
			zap.Int("pending", len(q.requests)),
			zap.Error(err))
	}
}
