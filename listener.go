package raven

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultListenerLimit is the number of listeners a chain accepts by default
const DefaultListenerLimit = 5

// CaptureListener inspects or mutates an event before it is queued. The
// returned builder replaces the event for the rest of the chain; nil keeps
// the current one.
type CaptureListener interface {
	BeforeCapture(event *EventBuilder) (*EventBuilder, error)
}

// CaptureListenerFunc adapts a function to CaptureListener
type CaptureListenerFunc func(event *EventBuilder) (*EventBuilder, error)

func (f CaptureListenerFunc) BeforeCapture(event *EventBuilder) (*EventBuilder, error) {
	return f(event)
}

// TagsListener merges a fixed tag map into every event
type TagsListener map[string]string

func (t TagsListener) BeforeCapture(event *EventBuilder) (*EventBuilder, error) {
	return event.PutTags(t), nil
}

type registeredListener struct {
	tag      string
	listener CaptureListener
}

// CaptureListenerChain is an ordered, bounded registry of capture listeners
type CaptureListenerChain struct {
	mu        sync.RWMutex
	limit     int
	listeners []registeredListener
	logger    *zap.Logger
	metrics   *metricsCollector
}

// NewCaptureListenerChain creates a chain accepting at most limit listeners
func NewCaptureListenerChain(limit int, logger *zap.Logger) *CaptureListenerChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptureListenerChain{
		limit:  limit,
		logger: logger,
	}
}

// Add registers listener under tag. Registration is rejected, and the chain
// left untouched, when the chain is full or tag is taken.
func (c *CaptureListenerChain) Add(tag string, listener CaptureListener) bool {
	if listener == nil {
		c.logger.Error("Rejecting nil capture listener", zap.String("tag", tag))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.listeners {
		if l.tag == tag {
			c.logger.Error("Capture listener already registered", zap.String("tag", tag))
			return false
		}
	}

	if len(c.listeners) >= c.limit {
		c.logger.Error("Too many capture listeners",
			zap.String("tag", tag),
			zap.Int("limit", c.limit))
		return false
	}

	c.listeners = append(c.listeners, registeredListener{tag: tag, listener: listener})
	return true
}

// Remove unregisters the listener with tag, if any
func (c *CaptureListenerChain) Remove(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, l := range c.listeners {
		if l.tag == tag {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Clear unregisters every listener
func (c *CaptureListenerChain) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners = nil
}

// Len returns the number of registered listeners
func (c *CaptureListenerChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.listeners)
}

// Tags returns the registered tags in insertion order
func (c *CaptureListenerChain) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tags := make([]string, len(c.listeners))
	for i, l := range c.listeners {
		tags[i] = l.tag
	}
	return tags
}

// RunAll passes event through every listener in insertion order. A failing
// listener is logged and skipped.
func (c *CaptureListenerChain) RunAll(event *EventBuilder) *EventBuilder {
	c.mu.RLock()
	snapshot := make([]registeredListener, len(c.listeners))
	copy(snapshot, c.listeners)
	c.mu.RUnlock()

	for _, l := range snapshot {
		event = c.run(l.tag, l.listener, event)
	}
	return event
}

func (c *CaptureListenerChain) run(tag string, listener CaptureListener, event *EventBuilder) (out *EventBuilder) {
	out = event

	defer func() {
		if r := recover(); r != nil {
			c.listenerFailed(tag, event, fmt.Errorf("listener panicked: %v", r))
			out = event
		}
	}()

	next, err := listener.BeforeCapture(event)
	if err != nil {
		c.listenerFailed(tag, event, err)
		return event
	}
	if next != nil {
		return next
	}
	return event
}

func (c *CaptureListenerChain) listenerFailed(tag string, event *EventBuilder, err error) {
	c.logger.Error("Capture listener failed",
		zap.String("tag", tag),
		zap.String("event_id", event.ID()),
		zap.Error(err))

	if c.metrics != nil {
		c.metrics.IncListenerFailures()
	}
}
