package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codewandler/evstore/core/es"
)

const payloadBase64 = "base64"

type AppendRequest struct {
	// ExpectedVersion is required; 0 creates the stream.
	ExpectedVersion *es.Version    `json:"expected_version"`
	Events          []EventRequest `json:"events"`
}

type EventRequest struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	// Payload is stored as raw JSON, or decoded from a base64 string when
	// PayloadEncoding is "base64".
	Payload         json.RawMessage   `json:"payload,omitempty"`
	PayloadEncoding string            `json:"payload_encoding,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type Event struct {
	ID              string            `json:"id"`
	StreamID        string            `json:"stream_id"`
	Version         es.Version        `json:"version"`
	Type            string            `json:"type"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	PayloadEncoding string            `json:"payload_encoding,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CommitID        string            `json:"commit_id"`
	RecordedAt      time.Time         `json:"recorded_at"`
}

type AppendResponse struct {
	StreamID string     `json:"stream_id"`
	Version  es.Version `json:"version"`
	CommitID string     `json:"commit_id"`
	Events   []Event    `json:"events"`
}

type ReadResponse struct {
	StreamID string  `json:"stream_id"`
	Events   []Event `json:"events"`
}

type VersionResponse struct {
	StreamID string     `json:"stream_id"`
	Version  es.Version `json:"version"`
}

type Commit struct {
	StreamID   string     `json:"stream_id"`
	CommitID   string     `json:"commit_id"`
	Version    es.Version `json:"version"`
	RecordedAt time.Time  `json:"recorded_at"`
	Dispatched bool       `json:"dispatched"`
	Events     []Event    `json:"events"`
}

type CommitsResponse struct {
	Commits []Commit `json:"commits"`
}

type ErrorResponse struct {
	Error    string      `json:"error"`
	Expected *es.Version `json:"expected,omitempty"`
	Actual   *es.Version `json:"actual,omitempty"`
}

func (r EventRequest) toEvent() (es.Event, error) {
	payload := []byte(r.Payload)
	switch r.PayloadEncoding {
	case "":
	case payloadBase64:
		var s string
		if err := json.Unmarshal(r.Payload, &s); err != nil {
			return es.Event{}, fmt.Errorf("%w: base64 payload must be a string", es.ErrInvalidArgument)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return es.Event{}, fmt.Errorf("%w: payload: %w", es.ErrInvalidArgument, err)
		}
		payload = b
	default:
		return es.Event{}, fmt.Errorf("%w: unknown payload encoding %q", es.ErrInvalidArgument, r.PayloadEncoding)
	}

	var opts []es.EventOption
	if r.ID != "" {
		opts = append(opts, es.WithEventID(r.ID))
	}
	if len(r.Metadata) > 0 {
		opts = append(opts, es.WithMetadata(r.Metadata))
	}
	return es.NewEvent(r.Type, payload, opts...), nil
}

func newEvent(e es.Event) Event {
	out := Event{
		ID:         e.ID,
		StreamID:   e.StreamID,
		Version:    e.Version,
		Type:       e.Type,
		Metadata:   e.Metadata,
		CommitID:   e.CommitID,
		RecordedAt: e.RecordedAt,
	}
	switch {
	case len(e.Payload) == 0:
	case json.Valid(e.Payload):
		out.Payload = json.RawMessage(e.Payload)
	default:
		data, _ := json.Marshal(base64.StdEncoding.EncodeToString(e.Payload))
		out.Payload = data
		out.PayloadEncoding = payloadBase64
	}
	return out
}

func newEvents(events []es.Event) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = newEvent(e)
	}
	return out
}

func newCommit(c es.Commit) Commit {
	return Commit{
		StreamID:   c.StreamID,
		CommitID:   c.CommitID,
		Version:    c.Version,
		RecordedAt: c.RecordedAt,
		Dispatched: c.Dispatched,
		Events:     newEvents(c.Events),
	}
}
