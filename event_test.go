package raven

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func decodeEvent(t *testing.T, payload string) map[string]any {
	t.Helper()

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &doc))
	return doc
}

func TestNewEventBuilder(t *testing.T) {
	before := time.Now().UTC().Truncate(time.Second)
	b := NewEventBuilder()

	e := b.Event()
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), e.ID)
	assert.Equal(t, Platform, e.Platform)
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.False(t, e.Timestamp.Before(before))
	assert.Empty(t, e.Tags)
	assert.Empty(t, e.Extra)
	assert.Empty(t, e.User)

	assert.NotEqual(t, b.ID(), NewEventBuilder().ID())
}

func TestSerializeMinimalEvent(t *testing.T) {
	b := NewEventBuilder().SetMessage("hello").SetLevel(LevelInfo)

	payload, err := b.Serialize(nil)
	require.NoError(t, err)

	doc := decodeEvent(t, payload)
	assert.Equal(t, b.ID(), doc["event_id"])
	assert.Equal(t, "hello", doc["message"])
	assert.Equal(t, "info", doc["level"])
	assert.Equal(t, Platform, doc["platform"])
	assert.Equal(t, map[string]any{}, doc["tags"])
	assert.Equal(t, map[string]any{}, doc["extra"])
	assert.Equal(t, map[string]any{}, doc["user"])

	ts, ok := doc["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(TimestampLayout, ts)
	assert.NoError(t, err)

	for _, key := range []string{"release", "culprit", "logger", "server_name", "modules", "exception"} {
		assert.NotContains(t, doc, key)
	}
}

func TestSerializeKeyOrder(t *testing.T) {
	payload, err := NewEventBuilder().
		SetMessage("m").
		SetLevel(LevelError).
		SetLogger("app").
		SetCulprit("c").
		SetRelease("1.0").
		SetServerName("host").
		Serialize(nil)
	require.NoError(t, err)

	keys := []string{`"event_id"`, `"message"`, `"timestamp"`, `"level"`, `"logger"`, `"platform"`,
		`"culprit"`, `"release"`, `"server_name"`, `"tags"`, `"extra"`, `"user"`}
	last := -1
	for _, key := range keys {
		i := strings.Index(payload, key)
		require.Greater(t, i, last, "key %s out of order in %s", key, payload)
		last = i
	}
}

func TestSetReleaseIgnoresEmpty(t *testing.T) {
	b := NewEventBuilder().SetRelease("2.1.0").SetRelease("")
	assert.Equal(t, "2.1.0", b.Event().Release)

	payload, err := NewEventBuilder().SetRelease("").Serialize(nil)
	require.NoError(t, err)
	assert.NotContains(t, decodeEvent(t, payload), "release")
}

func TestAddModule(t *testing.T) {
	b := NewEventBuilder().
		AddModule("github.com/a/b", "v1.2.3").
		AddModule("", "v1").
		AddModule("github.com/c/d", "")

	payload, err := b.Serialize(nil)
	require.NoError(t, err)

	doc := decodeEvent(t, payload)
	assert.Equal(t, []any{[]any{"github.com/a/b", "v1.2.3"}}, doc["modules"])

	// a rejected pair still makes the modules key appear
	payload, err = NewEventBuilder().AddModule("", "").Serialize(nil)
	require.NoError(t, err)
	assert.Equal(t, []any{}, decodeEvent(t, payload)["modules"])
}

func TestSerializeExtraAndUser(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)

	payload, err := NewEventBuilder().
		PutExtra("count", 3).
		PutExtra("ratio", 0.5).
		PutExtra("ok", true).
		PutExtra("name", "x").
		PutExtra("nan", math.NaN()).
		PutExtra("struct", struct{ A int }{1}).
		PutUserInfo("id", "42").
		PutTag("k", "v").
		Serialize(zap.New(core))
	require.NoError(t, err)

	doc := decodeEvent(t, payload)
	assert.Equal(t, map[string]any{"count": 3.0, "ratio": 0.5, "ok": true, "name": "x"}, doc["extra"])
	assert.Equal(t, map[string]any{"id": "42"}, doc["user"])
	assert.Equal(t, map[string]any{"k": "v"}, doc["tags"])

	dropped := logs.FilterMessage("Dropping extra value that cannot be serialized").All()
	require.Len(t, dropped, 2)
	assert.Equal(t, "nan", dropped[0].ContextMap()["key"])
	assert.Equal(t, "struct", dropped[1].ContextMap()["key"])
}

func TestFrozenBuilderIgnoresMutations(t *testing.T) {
	b := NewEventBuilder().SetMessage("before").PutTag("a", "1")
	b.freeze()

	b.SetMessage("after").
		SetLevel(LevelFatal).
		SetRelease("x").
		PutTag("b", "2").
		PutExtra("e", 1).
		PutUserInfo("u", "v").
		AddModule("m", "v").
		SetError(errors.New("late"))

	e := b.Event()
	assert.True(t, b.Frozen())
	assert.Equal(t, "before", *e.Message)
	assert.Empty(t, e.Level)
	assert.Empty(t, e.Release)
	assert.Equal(t, map[string]string{"a": "1"}, e.Tags)
	assert.Empty(t, e.Extra)
	assert.Empty(t, e.User)
	assert.Empty(t, e.Modules)
	assert.Nil(t, e.Exceptions)
}

func TestEventReturnsCopy(t *testing.T) {
	b := NewEventBuilder().PutTag("a", "1")
	e := b.Event()
	e.Tags["a"] = "changed"

	assert.Equal(t, "1", b.Event().Tags["a"])
}

type queryError struct {
	table string
	err   error
}

func (e *queryError) Error() string { return "query " + e.table + ": " + e.err.Error() }
func (e *queryError) Unwrap() error { return e.err }

func TestErrorEventChain(t *testing.T) {
	root := errors.New("connection refused")
	middle := &queryError{table: "users", err: WithStack(root)}
	outer := fmt.Errorf("load profile: %w", middle)

	b := NewErrorEventBuilder(outer, LevelError, "")
	e := b.Event()

	assert.Equal(t, outer.Error(), *e.Message)
	assert.Equal(t, outer.Error(), *e.Culprit)
	assert.Equal(t, LevelError, e.Level)

	require.Len(t, e.Exceptions, 3)
	assert.Equal(t, "wrapError", e.Exceptions[0].Type)
	assert.Equal(t, "fmt", e.Exceptions[0].Module)
	assert.Equal(t, outer.Error(), e.Exceptions[0].Value)

	assert.Equal(t, "queryError", e.Exceptions[1].Type)
	assert.Equal(t, selfPackage, e.Exceptions[1].Module)

	assert.Equal(t, "errorString", e.Exceptions[2].Type)
	assert.Equal(t, "errors", e.Exceptions[2].Module)
	assert.Equal(t, "connection refused", e.Exceptions[2].Value)

	// the stack recorded by WithStack belongs to the error it wraps
	assert.Empty(t, e.Exceptions[0].Stacktrace.Frames)
	assert.Empty(t, e.Exceptions[1].Stacktrace.Frames)
	frames := e.Exceptions[2].Stacktrace.Frames
	require.NotEmpty(t, frames)
	innermost := frames[len(frames)-1]
	assert.Equal(t, "TestErrorEventChain", innermost.Function)
	assert.Equal(t, selfPackage, innermost.Module)
	assert.Positive(t, innermost.Lineno)

	payload, err := b.Serialize(nil)
	require.NoError(t, err)
	doc := decodeEvent(t, payload)
	exception := doc["exception"].(map[string]any)
	assert.Len(t, exception["values"], 3)
}

func deepStack(depth int) error {
	if depth == 0 {
		return WithStack(errors.New("deep"))
	}
	return deepStack(depth - 1)
}

func TestStackFramesCapped(t *testing.T) {
	e := NewErrorEventBuilder(deepStack(200), LevelError, "").Event()

	require.Len(t, e.Exceptions, 1)
	frames := e.Exceptions[0].Stacktrace.Frames
	assert.Len(t, frames, maxFrames)
}

func TestFramesOldestFirst(t *testing.T) {
	e := NewErrorEventBuilder(deepStack(3), LevelError, "").Event()

	frames := e.Exceptions[0].Stacktrace.Frames
	require.GreaterOrEqual(t, len(frames), 5)

	tail := frames[len(frames)-5:]
	assert.Equal(t, "TestFramesOldestFirst", tail[0].Function)
	for _, f := range tail[1:] {
		assert.Equal(t, "deepStack", f.Function)
	}
}

func TestIsInApp(t *testing.T) {
	tests := map[string]bool{
		"":                                false,
		"runtime":                         false,
		"net/http":                        false,
		"main":                            true,
		"github.com/acme/shop/internal/x": true,
		"golang.org/x/sync/errgroup":      true,
		selfPackage:                       false,
		selfPackage + "/cmd/raven":        false,
	}

	for module, want := range tests {
		assert.Equal(t, want, isInApp(module), module)
	}
}

func TestSplitFunctionName(t *testing.T) {
	tests := []struct {
		name, module, function string
	}{
		{"github.com/a/b.(*T).M", "github.com/a/b", "(*T).M"},
		{"github.com/a/b.F.func1", "github.com/a/b", "F.func1"},
		{"main.main", "main", "main"},
		{"runtime.goexit", "runtime", "goexit"},
		{"gopkg.in/yaml%2ev3.Unmarshal", "gopkg.in/yaml%2ev3", "Unmarshal"},
		{"nodot", "", "nodot"},
	}

	for _, tt := range tests {
		module, function := splitFunctionName(tt.name)
		assert.Equal(t, tt.module, module, tt.name)
		assert.Equal(t, tt.function, function, tt.name)
	}
}

func TestCulprit(t *testing.T) {
	err := WithStack(errors.New("boom"))

	got := culprit(err, selfPackage, "fallback")
	assert.True(t, strings.HasPrefix(got, selfPackage+".TestCulprit("), got)
	assert.Contains(t, got, "event_test.go:")

	assert.Equal(t, "fallback", culprit(err, "github.com/elsewhere", "fallback"))
	assert.Equal(t, "fallback", culprit(errors.New("no stack"), selfPackage, "fallback"))
	assert.Equal(t, "fallback", culprit(err, "", "fallback"))
}

func TestErrorEventRecordsCallSiteStack(t *testing.T) {
	e := NewErrorEventBuilder(errors.New("disk full"), LevelError, selfPackage).Event()

	require.Len(t, e.Exceptions, 1)
	frames := e.Exceptions[0].Stacktrace.Frames
	require.NotEmpty(t, frames)
	innermost := frames[len(frames)-1]
	assert.Equal(t, "TestErrorEventRecordsCallSiteStack", innermost.Function)
	assert.Positive(t, innermost.Lineno)

	require.NotNil(t, e.Culprit)
	assert.True(t, strings.HasPrefix(*e.Culprit, selfPackage+".TestErrorEventRecordsCallSiteStack("), *e.Culprit)
	assert.Equal(t, "disk full", *e.Message)
	assert.Equal(t, "disk full", e.Exceptions[0].Value)
	assert.Equal(t, "errorString", e.Exceptions[0].Type)
}

func TestErrorEventKeepsRecordedStack(t *testing.T) {
	err := deepStack(2)
	e := NewErrorEventBuilder(err, LevelError, "").Event()

	frames := e.Exceptions[0].Stacktrace.Frames
	assert.Equal(t, "deepStack", frames[len(frames)-1].Function)
}
