package raven

import (
	"github.com/google/uuid"
)

// Level is the severity reported with an event
type Level string

const (
	LevelFatal   Level = "fatal"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
	LevelDebug   Level = "debug"
)

// ParseLevel maps a level name onto a Level, ok is false for unknown names
func ParseLevel(s string) (Level, bool) {
	switch Level(s) {
	case LevelFatal, LevelError, LevelWarning, LevelInfo, LevelDebug:
		return Level(s), true
	}
	return "", false
}

// QueuedRequest is the persisted unit of delivery. Two requests are the same
// request when their UUIDs match.
type QueuedRequest struct {
	UUID    string `cbor:"uuid"`
	Payload string `cbor:"payload"`
}

// newQueuedRequest wraps a serialized event payload with a fresh request id
func newQueuedRequest(payload string) QueuedRequest {
	return QueuedRequest{
		UUID:    uuid.NewString(),
		Payload: payload,
	}
}

// SendResult represents the result of a delivery attempt
type SendResult struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
	RateLimit bool   `json:"rate_limit,omitempty"`
}

// TransportMetrics represents delivery counters
type TransportMetrics struct {
	EventsCaptured  int64
	EventsSent      int64
	EventsFailed    int64
	EventsRateLimit int64
	QueueLength     int
}
