package raven

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// Platform identifies the reporting runtime
	Platform = "go"

	// TimestampLayout is the wire format of Event.Timestamp (always UTC)
	TimestampLayout = "2006-01-02T15:04:05"
)

// Frame is a single stack frame of an exception
type Frame struct {
	Function string `json:"function,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	Module   string `json:"module"`
	InApp    bool   `json:"in_app"`
}

// Stacktrace lists frames oldest caller first
type Stacktrace struct {
	Frames []Frame `json:"frames"`
}

// Exception is one link of an error chain
type Exception struct {
	Type       string     `json:"type"`
	Value      string     `json:"value"`
	Module     string     `json:"module"`
	Stacktrace Stacktrace `json:"stacktrace"`
}

// Module is a name/version pair reported in the modules list
type Module struct {
	Name    string
	Version string
}

// Event is one reportable occurrence. ID and Timestamp are fixed at creation.
type Event struct {
	ID         string
	Timestamp  time.Time
	Message    *string
	Level      Level
	Logger     *string
	Culprit    *string
	Release    string
	ServerName *string
	Platform   string
	Tags       map[string]string
	Extra      map[string]any
	User       map[string]string
	Modules    []Module
	// modulesSet is true once AddModule was called, even with a rejected pair
	modulesSet bool
	// Exceptions is outermost first; nil when the event carries no error
	Exceptions []Exception
}

// EventBuilder accumulates the fields of a single event. Mutators return the
// builder for chaining and become no-ops once the event is queued.
type EventBuilder struct {
	event  Event
	frozen bool
}

// NewEventBuilder creates an event with a fresh id and the current UTC time
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{
		event: Event{
			ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
			Timestamp: time.Now().UTC().Truncate(time.Second),
			Platform:  Platform,
			Tags:      map[string]string{},
			Extra:     map[string]any{},
			User:      map[string]string{},
		},
	}
}

// NewErrorEventBuilder creates an event describing err. appPackage is the
// import path prefix of the host application and selects the culprit frame.
func NewErrorEventBuilder(err error, level Level, appPackage string) *EventBuilder {
	err = withCallerStack(err, 1)

	message := ""
	if err != nil {
		message = err.Error()
	}

	return NewEventBuilder().
		SetMessage(message).
		SetCulprit(culprit(err, appPackage, message)).
		SetLevel(level).
		SetError(err)
}

// Event returns a deep copy of the event in its current state
func (b *EventBuilder) Event() Event {
	e := b.event
	e.Tags = copyStrings(b.event.Tags)
	e.User = copyStrings(b.event.User)
	e.Extra = make(map[string]any, len(b.event.Extra))
	for k, v := range b.event.Extra {
		e.Extra[k] = v
	}
	e.Modules = append([]Module(nil), b.event.Modules...)
	if b.event.Exceptions != nil {
		e.Exceptions = make([]Exception, len(b.event.Exceptions))
		for i, ex := range b.event.Exceptions {
			ex.Stacktrace.Frames = append([]Frame(nil), ex.Stacktrace.Frames...)
			e.Exceptions[i] = ex
		}
	}
	return e
}

// ID returns the event id
func (b *EventBuilder) ID() string {
	return b.event.ID
}

// Frozen reports whether the event was handed to the queue
func (b *EventBuilder) Frozen() bool {
	return b.frozen
}

func (b *EventBuilder) freeze() {
	b.frozen = true
}

func (b *EventBuilder) SetMessage(message string) *EventBuilder {
	if !b.frozen {
		b.event.Message = &message
	}
	return b
}

func (b *EventBuilder) SetLevel(level Level) *EventBuilder {
	if !b.frozen {
		b.event.Level = level
	}
	return b
}

func (b *EventBuilder) SetCulprit(culprit string) *EventBuilder {
	if !b.frozen {
		b.event.Culprit = &culprit
	}
	return b
}

func (b *EventBuilder) SetLogger(logger string) *EventBuilder {
	if !b.frozen {
		b.event.Logger = &logger
	}
	return b
}

func (b *EventBuilder) SetServerName(serverName string) *EventBuilder {
	if !b.frozen {
		b.event.ServerName = &serverName
	}
	return b
}

// SetRelease sets the release; an empty release leaves the previous value
func (b *EventBuilder) SetRelease(release string) *EventBuilder {
	if !b.frozen && release != "" {
		b.event.Release = release
	}
	return b
}

func (b *EventBuilder) PutTag(key, value string) *EventBuilder {
	if !b.frozen {
		b.event.Tags[key] = value
	}
	return b
}

func (b *EventBuilder) PutTags(tags map[string]string) *EventBuilder {
	for k, v := range tags {
		b.PutTag(k, v)
	}
	return b
}

// PutExtra stores a string, bool or numeric value. Values that cannot be
// encoded are dropped when the event is serialized.
func (b *EventBuilder) PutExtra(key string, value any) *EventBuilder {
	if !b.frozen {
		b.event.Extra[key] = value
	}
	return b
}

func (b *EventBuilder) PutExtras(extra map[string]any) *EventBuilder {
	for k, v := range extra {
		b.PutExtra(k, v)
	}
	return b
}

func (b *EventBuilder) PutUserInfo(key, value string) *EventBuilder {
	if !b.frozen {
		b.event.User[key] = value
	}
	return b
}

func (b *EventBuilder) PutUser(user map[string]string) *EventBuilder {
	for k, v := range user {
		b.PutUserInfo(k, v)
	}
	return b
}

// AddModule appends name/version to the modules list when both are set
func (b *EventBuilder) AddModule(name, version string) *EventBuilder {
	if b.frozen {
		return b
	}
	b.event.modulesSet = true
	if name != "" && version != "" {
		b.event.Modules = append(b.event.Modules, Module{Name: name, Version: version})
	}
	return b
}

// SetError replaces the exception chain with the one described by err
func (b *EventBuilder) SetError(err error) *EventBuilder {
	if !b.frozen {
		b.event.Exceptions = exceptionChain(err)
	}
	return b
}

type wireException struct {
	Values []Exception `json:"values"`
}

// wireEvent fixes the key order of the JSON document
type wireEvent struct {
	EventID    string            `json:"event_id"`
	Message    *string           `json:"message,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Level      Level             `json:"level,omitempty"`
	Logger     *string           `json:"logger,omitempty"`
	Platform   string            `json:"platform"`
	Culprit    *string           `json:"culprit,omitempty"`
	Release    string            `json:"release,omitempty"`
	ServerName *string           `json:"server_name,omitempty"`
	Tags       map[string]string `json:"tags"`
	Extra      map[string]any    `json:"extra"`
	User       map[string]string `json:"user"`
	Modules    *[][2]string      `json:"modules,omitempty"`
	Exception  *wireException    `json:"exception,omitempty"`
}

// Serialize renders the event as the JSON document posted to the collector.
// Extra values that cannot be encoded are logged and left out.
func (b *EventBuilder) Serialize(logger *zap.Logger) (string, error) {
	return SerializeEvent(b.event, logger)
}

// SerializeEvent renders e as the JSON document posted to the collector
func SerializeEvent(e Event, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	w := wireEvent{
		EventID:    e.ID,
		Message:    e.Message,
		Timestamp:  e.Timestamp.UTC().Format(TimestampLayout),
		Level:      e.Level,
		Logger:     e.Logger,
		Platform:   e.Platform,
		Culprit:    e.Culprit,
		Release:    e.Release,
		ServerName: e.ServerName,
		Tags:       nonNilStrings(e.Tags),
		Extra:      make(map[string]any, len(e.Extra)),
		User:       nonNilStrings(e.User),
	}

	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, err := json.Marshal(e.Extra[k])
		if err != nil || !isExtraValue(e.Extra[k]) {
			logger.Error("Dropping extra value that cannot be serialized",
				zap.String("event_id", e.ID),
				zap.String("key", k),
				zap.Error(err))
			continue
		}
		w.Extra[k] = json.RawMessage(raw)
	}

	if e.modulesSet || len(e.Modules) > 0 {
		modules := make([][2]string, 0, len(e.Modules))
		for _, m := range e.Modules {
			modules = append(modules, [2]string{m.Name, m.Version})
		}
		w.Modules = &modules
	}

	if e.Exceptions != nil {
		w.Exception = &wireException{Values: e.Exceptions}
	}

	out, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func isExtraValue(v any) bool {
	switch v.(type) {
	case string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func nonNilStrings(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
