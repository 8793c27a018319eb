package raven

import (
	"sync"
)

// PanicHandler receives panics recovered by Recover. goroutine is the label
// passed to Recover or Go.
type PanicHandler interface {
	HandlePanic(goroutine string, err *PanicError)
}

// PanicHandlerFunc adapts a function to PanicHandler
type PanicHandlerFunc func(goroutine string, err *PanicError)

func (f PanicHandlerFunc) HandlePanic(goroutine string, err *PanicError) {
	f(goroutine, err)
}

// crashHandler restores the runtime default: the panic continues and the
// process dies with the original value
type crashHandler struct{}

func (crashHandler) HandlePanic(_ string, err *PanicError) {
	panic(err.Value)
}

var panicHandler = struct {
	mu      sync.Mutex
	current PanicHandler
}{current: crashHandler{}}

// SetPanicHandler replaces the process-wide panic handler and returns the
// previous one. A nil handler restores the default crash behavior.
func SetPanicHandler(h PanicHandler) PanicHandler {
	panicHandler.mu.Lock()
	defer panicHandler.mu.Unlock()

	if h == nil {
		h = crashHandler{}
	}
	previous := panicHandler.current
	panicHandler.current = h
	return previous
}

// CurrentPanicHandler returns the process-wide panic handler
func CurrentPanicHandler() PanicHandler {
	panicHandler.mu.Lock()
	defer panicHandler.mu.Unlock()

	return panicHandler.current
}

// Recover hands a panic of the calling goroutine to the process-wide panic
// handler. It must be deferred directly:
//
//	defer raven.Recover("worker")
func Recover(goroutine string) {
	r := recover()
	if r == nil {
		return
	}
	CurrentPanicHandler().HandlePanic(goroutine, newPanicError(r, 0))
}

// Go runs fn in a new goroutine guarded by Recover
func Go(goroutine string, fn func()) {
	go func() {
		defer Recover(goroutine)
		fn()
	}()
}

// uncaughtHandler persists a fatal event for every panic, then defers to the
// handler it wrapped
type uncaughtHandler struct {
	client   *Client
	previous PanicHandler
}

func (h *uncaughtHandler) HandlePanic(goroutine string, err *PanicError) {
	h.client.captureUncaught(goroutine, err)

	if h.previous != nil {
		h.previous.HandlePanic(goroutine, err)
	}
}

// installUncaughtHandler wraps the current handler unless it already is an
// uncaughtHandler
func installUncaughtHandler(c *Client) (*uncaughtHandler, bool) {
	panicHandler.mu.Lock()
	defer panicHandler.mu.Unlock()

	if _, installed := panicHandler.current.(*uncaughtHandler); installed {
		return nil, false
	}

	h := &uncaughtHandler{client: c, previous: panicHandler.current}
	panicHandler.current = h
	return h, true
}

// uninstallUncaughtHandler restores the wrapped handler if h is still on top
func uninstallUncaughtHandler(h *uncaughtHandler) {
	panicHandler.mu.Lock()
	defer panicHandler.mu.Unlock()

	if panicHandler.current == PanicHandler(h) {
		panicHandler.current = h.previous
	}
}
