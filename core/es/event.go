package es

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"time"
	"unicode"
	"unicode/utf8"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/evstore/internal/reflector"
)

// MaxStreamIDLength is the maximum length of a stream identifier in bytes.
const MaxStreamIDLength = 256

// Event is an immutable fact recorded in a stream.
//
// ID, Type, Payload and Metadata are provided by the caller. StreamID,
// Version, CommitID and RecordedAt are assigned by the [Store] when the event
// is placed into an append batch.
type Event struct {
	// ID is the globally unique identifier of the event, used by consumers
	// for idempotent de-duplication.
	ID string `json:"id"`
	// StreamID identifies the stream (aggregate instance) the event belongs to.
	StreamID string `json:"stream_id"`
	// Version is the sequence number of the event within its stream (1, 2, 3, ...).
	Version Version `json:"version"`
	// Type is the semantic kind of the payload.
	Type string `json:"type"`
	// Payload is the encoded event body. It is never inspected by the store.
	Payload []byte `json:"payload"`
	// Metadata is optional opaque caller metadata.
	Metadata map[string]string `json:"metadata,omitempty"`
	// CommitID is shared by all events appended in the same batch.
	CommitID string `json:"commit_id"`
	// RecordedAt is the commit time of the batch the event was appended with.
	RecordedAt time.Time `json:"recorded_at"`
}

// IDGenerator is a function that generates unique IDs.
type IDGenerator func() string

// DefaultIDGenerator returns the default event ID generator using nanoid.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

type (
	eventOptions struct {
		id       string
		typ      string
		metadata map[string]string
	}

	// EventOption customizes an event during construction.
	EventOption func(*eventOptions)
)

// WithEventID overrides the generated event ID.
func WithEventID(id string) EventOption {
	return func(o *eventOptions) { o.id = id }
}

// WithEventType overrides the event type; only meaningful for [NewJSONEvent].
func WithEventType(t string) EventOption {
	return func(o *eventOptions) { o.typ = t }
}

// WithMetadata attaches metadata to the event.
func WithMetadata(md map[string]string) EventOption {
	return func(o *eventOptions) { o.metadata = maps.Clone(md) }
}

// NewEvent creates an event with an already encoded payload.
func NewEvent(eventType string, payload []byte, opts ...EventOption) Event {
	o := eventOptions{typ: eventType}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = gonanoid.Must()
	}
	return Event{
		ID:       o.id,
		Type:     o.typ,
		Payload:  bytes.Clone(payload),
		Metadata: o.metadata,
	}
}

// NewJSONEvent JSON-encodes v into the payload of a new event. The event
// type is taken from an EventType() string method when v has one, and from
// the Go type name otherwise.
func NewJSONEvent(v any, opts ...EventOption) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("encode event payload: %w", err)
	}
	return NewEvent(EventTypeOf(v), data, opts...), nil
}

// EventTypeOf returns the event type name used for v.
func EventTypeOf(v any) string {
	if t, ok := v.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(v).Name
}

// Equal reports whether e and other describe the same event.
func (e Event) Equal(other Event) bool {
	return e.ID == other.ID &&
		e.StreamID == other.StreamID &&
		e.Version == other.Version &&
		e.Type == other.Type &&
		e.CommitID == other.CommitID &&
		e.RecordedAt.Equal(other.RecordedAt) &&
		bytes.Equal(e.Payload, other.Payload) &&
		maps.Equal(e.Metadata, other.Metadata)
}

// Validate checks the fields a caller has to provide.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: event id is empty", ErrInvalidArgument)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: event type is empty", ErrInvalidArgument)
	}
	return nil
}

// ValidateStreamID checks that id is usable as a stream identifier.
func ValidateStreamID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: stream id is empty", ErrInvalidArgument)
	}
	if len(id) > MaxStreamIDLength {
		return fmt.Errorf("%w: stream id exceeds %d bytes", ErrInvalidArgument, MaxStreamIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: stream id is not valid utf-8", ErrInvalidArgument)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: stream id contains control characters", ErrInvalidArgument)
		}
	}
	return nil
}
