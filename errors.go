package raven

import (
	"errors"
)

var (
	// ErrMalformedDSN is matched by every error returned from ParseDSN
	ErrMalformedDSN = errors.New("malformed dsn")

	// ErrPermissionDenied is returned by a Connectivity that is not allowed to
	// query the network state. Delivery is attempted anyway.
	ErrPermissionDenied = errors.New("network state permission denied")
)

// Custom errors
var (
	ErrQueueClosed   = &PluginError{Op: "queue_add", Code: "queue_closed", Message: "queue is closed"}
	ErrWorkerStopped = &PluginError{Op: "worker_dispatch", Code: "worker_stopped", Message: "delivery worker is stopped"}
)

// PluginError represents a client-specific error
type PluginError struct {
	Op      string
	Code    string
	Message string
}

func (e *PluginError) Error() string {
	return e.Message
}

// DSNError describes why a connection string was rejected
type DSNError struct {
	DSN    string
	Reason string
	Err    error
}

func (e *DSNError) Error() string {
	if e.Err != nil {
		return "the \"" + e.DSN + "\" DSN is invalid: " + e.Reason + ": " + e.Err.Error()
	}
	return "the \"" + e.DSN + "\" DSN is invalid: " + e.Reason
}

func (e *DSNError) Is(target error) bool {
	return target == ErrMalformedDSN
}

func (e *DSNError) Unwrap() error {
	return e.Err
}
