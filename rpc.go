package raven

import (
	"context"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const rpcFlushTimeout = 30 * time.Second

// RPC provides RPC methods for PHP communication
type RPC struct {
	client *Client
	logger *zap.Logger
}

// NewRPC creates a new RPC instance
func NewRPC(client *Client, logger *zap.Logger) *RPC {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPC{
		client: client,
		logger: logger,
	}
}

// MessageArgs describes a message captured over RPC
type MessageArgs struct {
	Message string            `json:"message"`
	Level   string            `json:"level"`
	Logger  string            `json:"logger,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
	Extra   map[string]any    `json:"extra,omitempty"`
	User    map[string]string `json:"user,omitempty"`
}

// CaptureResult is returned for every captured event
type CaptureResult struct {
	EventID string `json:"event_id"`
	Queued  bool   `json:"queued"`
}

// FlushResult reports the queue state after a flush
type FlushResult struct {
	Pending int `json:"pending"`
}

// CaptureMessage captures a single message
func (r *RPC) CaptureMessage(args *MessageArgs, result *CaptureResult) error {
	const op = errors.Op("sentry_raven_rpc_capture_message")

	level := LevelInfo
	if args.Level != "" {
		parsed, ok := ParseLevel(args.Level)
		if !ok {
			return errors.E(op, errors.Str("unknown level "+args.Level))
		}
		level = parsed
	}

	builder := NewEventBuilder().
		SetMessage(args.Message).
		SetLevel(level).
		PutTags(args.Tags).
		PutExtras(args.Extra).
		PutUser(args.User)
	if args.Logger != "" {
		builder.SetLogger(args.Logger)
	}

	id := r.client.CaptureEvent(builder)

	r.logger.Debug("Message captured via RPC",
		zap.String("event_id", id),
		zap.String("level", string(level)))

	*result = CaptureResult{EventID: id, Queued: id != ""}
	return nil
}

// Flush attempts every pending event
func (r *RPC) Flush(_ bool, result *FlushResult) error {
	const op = errors.Op("sentry_raven_rpc_flush")

	ctx, cancel := context.WithTimeout(context.Background(), rpcFlushTimeout)
	defer cancel()

	if err := r.client.Flush(ctx); err != nil {
		return errors.E(op, err)
	}

	*result = FlushResult{Pending: len(r.client.Pending())}
	return nil
}

// Pending lists the ids of undelivered requests
func (r *RPC) Pending(_ bool, result *[]string) error {
	pending := r.client.Pending()
	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.UUID
	}
	*result = ids
	return nil
}
