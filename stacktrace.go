package raven

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

const (
	// maxFrames caps the frames recorded per exception
	maxFrames = 150
	// maxChain bounds the walk over Unwrap links
	maxChain = 100

	selfPackage = "github.com/your-org/sentry-raven-go"
)

// StackTracer is implemented by errors that carry the program counters of
// the place they were created
type StackTracer interface {
	Callers() []uintptr
}

type stackError struct {
	err     error
	callers []uintptr
}

func (e *stackError) Error() string      { return e.err.Error() }
func (e *stackError) Unwrap() error      { return e.err }
func (e *stackError) Callers() []uintptr { return e.callers }

// WithStack annotates err with the stack of the caller. The annotation does
// not appear as a separate link of the exception chain.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stackError{err: err, callers: callers(3)}
}

// withCallerStack attaches the stack of the caller skip frames above its own
// caller when no link of err carries one
func withCallerStack(err error, skip int) error {
	if err == nil || hasStack(err) {
		return err
	}
	return &stackError{err: err, callers: callers(skip + 3)}
}

func hasStack(err error) bool {
	for i := 0; err != nil && i < maxChain; i++ {
		if st, ok := err.(StackTracer); ok && len(st.Callers()) > 0 {
			return true
		}
		err = unwrapFirst(err)
	}
	return false
}

// PanicError wraps a recovered panic value together with the panicking stack
type PanicError struct {
	Value   any
	callers []uintptr
}

// newPanicError records the stack starting skip frames above its caller
func newPanicError(value any, skip int) *PanicError {
	return &PanicError{Value: value, callers: callers(skip + 3)}
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func (e *PanicError) Callers() []uintptr { return e.callers }

func callers(skip int) []uintptr {
	pcs := make([]uintptr, 512)
	n := runtime.Callers(skip, pcs)
	return pcs[:n]
}

// exceptionChain walks err and its causes, outermost first
func exceptionChain(err error) []Exception {
	if err == nil {
		return nil
	}

	values := make([]Exception, 0, 1)
	var pending []uintptr

	for i := 0; err != nil && i < maxChain; i++ {
		if se, ok := err.(*stackError); ok {
			if pending == nil {
				pending = se.callers
			}
			err = se.err
			continue
		}

		pcs := pending
		pending = nil
		if st, ok := err.(StackTracer); ok && len(st.Callers()) > 0 {
			pcs = st.Callers()
		}

		typeName, module := errorType(err)
		values = append(values, Exception{
			Type:       typeName,
			Value:      err.Error(),
			Module:     module,
			Stacktrace: Stacktrace{Frames: stackFrames(pcs)},
		})

		err = unwrapFirst(err)
	}

	return values
}

func unwrapFirst(err error) error {
	if next := errors.Unwrap(err); next != nil {
		return next
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		for _, next := range multi.Unwrap() {
			if next != nil {
				return next
			}
		}
	}
	return nil
}

// errorType returns the simple type name and package of err
func errorType(err error) (string, string) {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" {
		name = t.String()
	}
	return name, t.PkgPath()
}

// stackFrames converts program counters (innermost first) into frames
// ordered oldest caller first, keeping at most maxFrames
func stackFrames(pcs []uintptr) []Frame {
	if len(pcs) == 0 {
		return []Frame{}
	}

	all := make([]runtime.Frame, 0, len(pcs))
	iter := runtime.CallersFrames(pcs)
	for {
		frame, more := iter.Next()
		all = append(all, frame)
		if !more {
			break
		}
	}

	frames := make([]Frame, 0, min(len(all), maxFrames))
	for i := len(all) - 1; i >= 0 && len(frames) < maxFrames; i-- {
		frames = append(frames, toFrame(all[i]))
	}
	return frames
}

func toFrame(rf runtime.Frame) Frame {
	module, function := splitFunctionName(rf.Function)
	f := Frame{
		Function: function,
		Module:   module,
		InApp:    isInApp(module),
	}
	// frames without symbol or file information are opaque
	if rf.Function != "" && rf.File != "" && rf.Line >= 0 {
		f.Lineno = rf.Line
	}
	return f
}

// splitFunctionName splits "github.com/a/b.(*T).M" into "github.com/a/b"
// and "(*T).M"
func splitFunctionName(name string) (string, string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot < 0 {
		return "", name
	}
	dot += slash + 1
	return name[:dot], name[dot+1:]
}

// isInApp reports false for the standard library and for this package
func isInApp(module string) bool {
	if module == "" {
		return false
	}
	if module == "main" || strings.HasPrefix(module, "main.") {
		return true
	}
	if module == selfPackage || strings.HasPrefix(module, selfPackage+"/") {
		return false
	}
	first, _, _ := strings.Cut(module, "/")
	return strings.Contains(first, ".")
}

// culprit returns the innermost frame of err that belongs to appPackage,
// falling back to fallback when none does
func culprit(err error, appPackage, fallback string) string {
	if err == nil || appPackage == "" {
		return fallback
	}

	var pcs []uintptr
	for e := err; e != nil && pcs == nil; e = unwrapFirst(e) {
		if st, ok := e.(StackTracer); ok && len(st.Callers()) > 0 {
			pcs = st.Callers()
		}
	}
	if pcs == nil {
		return fallback
	}

	iter := runtime.CallersFrames(pcs)
	for {
		frame, more := iter.Next()
		if strings.HasPrefix(frame.Function, appPackage) {
			return fmt.Sprintf("%s(%s:%d)", frame.Function, fileBase(frame.File), frame.Line)
		}
		if !more {
			break
		}
	}
	return fallback
}

func fileBase(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
