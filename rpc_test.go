package raven

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCCaptureMessage(t *testing.T) {
	c := newOfflineClient(t, WithoutPanicHandler())
	rpc := NewRPC(c, nil)

	var result CaptureResult
	require.NoError(t, rpc.CaptureMessage(&MessageArgs{
		Message: "from php",
		Level:   "warning",
		Logger:  "monolog",
		Tags:    map[string]string{"route": "/checkout"},
		Extra:   map[string]any{"attempt": 2},
		User:    map[string]string{"id": "7"},
	}, &result))

	assert.True(t, result.Queued)
	require.NotEmpty(t, result.EventID)

	pending := c.Pending()
	require.Len(t, pending, 1)

	doc := decodeEvent(t, pending[0].Payload)
	assert.Equal(t, result.EventID, doc["event_id"])
	assert.Equal(t, "warning", doc["level"])
	assert.Equal(t, "monolog", doc["logger"])
	assert.Equal(t, "/checkout", doc["tags"].(map[string]any)["route"])
	assert.Equal(t, 2.0, doc["extra"].(map[string]any)["attempt"])
	assert.Equal(t, map[string]any{"id": "7"}, doc["user"])

	var ids []string
	require.NoError(t, rpc.Pending(true, &ids))
	assert.Equal(t, []string{pending[0].UUID}, ids)
}

func TestRPCCaptureMessageDefaultsToInfo(t *testing.T) {
	c := newOfflineClient(t, WithoutPanicHandler())
	rpc := NewRPC(c, nil)

	var result CaptureResult
	require.NoError(t, rpc.CaptureMessage(&MessageArgs{Message: "plain"}, &result))
	assert.Equal(t, "info", decodeEvent(t, c.Pending()[0].Payload)["level"])
}

func TestRPCCaptureMessageUnknownLevel(t *testing.T) {
	c := newOfflineClient(t, WithoutPanicHandler())
	rpc := NewRPC(c, nil)

	var result CaptureResult
	assert.Error(t, rpc.CaptureMessage(&MessageArgs{Message: "x", Level: "panic"}, &result))
	assert.Empty(t, c.Pending())
}

func TestRPCFlush(t *testing.T) {
	sender := &fakeSender{}
	c := newOfflineClient(t, WithoutPanicHandler(), WithSender(sender), WithConnectivity(AlwaysConnected))
	rpc := NewRPC(c, nil)

	var captured CaptureResult
	require.NoError(t, rpc.CaptureMessage(&MessageArgs{Message: "x"}, &captured))

	// the immediate attempt may still be in flight during the first flush
	assert.Eventually(t, func() bool {
		var result FlushResult
		return rpc.Flush(true, &result) == nil && result.Pending == 0
	}, time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, sender.Sent())
}
