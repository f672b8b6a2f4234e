package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/evstore/core/es"
	"github.com/codewandler/evstore/internal/codec"
)

const (
	defaultSubjectPrefix = "evstore"
	defaultStreamName    = "EVSTORE"

	headerStreamVersion = "x-stream-version"
	headerCommitID      = "x-commit-id"

	fetchBatch   = 100
	fetchMaxWait = 2 * time.Second
)

type EventStoreConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix is the prefix of all commit subjects
	StreamName    string
	Storage       jetstream.StorageType
	Codec         codec.Codec
}

// commit is the body of one JetStream message. All events of an append
// batch travel in a single message, so a batch is stored atomically.
type commit struct {
	StreamID string     `json:"stream_id"`
	CommitID string     `json:"commit_id"`
	Version  es.Version `json:"version"`
	Events   []es.Event `json:"events"`
}

// EventStore is an es.Backend on NATS JetStream. Every stream maps to one
// subject; the version check is the per-subject last sequence expectation of
// the publish.
type EventStore struct {
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	codec         codec.Codec
	subjectPrefix string
}

func NewEventStore(ctx context.Context, cfg EventStoreConfig) (*EventStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	c := cfg.Codec
	if c == nil {
		c = codec.Default
	}

	log = log.With(
		slog.String("backend", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	log.Debug("ensuring stream")

	stream, streamInfo, err := ensureStream(ctx, js, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    cfg.Storage,
		Duplicates: 2 * time.Minute,
		DenyDelete: true,
		DenyPurge:  true,
	})
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log.Debug("ensured", slog.Uint64("messages", streamInfo.State.Msgs))

	return &EventStore{
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		codec:         c,
		subjectPrefix: subjectPrefix,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

func (e *EventStore) Append(
	ctx context.Context,
	streamID string,
	expected es.Version,
	events []es.Event,
) (es.Version, error) {
	if len(events) == 0 {
		return 0, es.ErrStoreNoEvents
	}

	subject := e.subjectForStream(streamID)

	current, lastSeq, err := e.head(ctx, subject)
	if err != nil {
		return 0, err
	}
	if current != expected {
		return 0, es.NewConflictError(streamID, expected, current)
	}

	newVersion := expected + es.Version(len(events))
	commitID := events[0].CommitID

	msg := natsgo.NewMsg(subject)
	msg.Header.Set(headerStreamVersion, newVersion.String())
	msg.Header.Set(headerCommitID, commitID)
	msg.Data, err = e.codec.Marshal(commit{
		StreamID: streamID,
		CommitID: commitID,
		Version:  newVersion,
		Events:   events,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: encode commit: %w", es.ErrInvalidArgument, err)
	}

	opts := []jetstream.PublishOpt{jetstream.WithExpectLastSequencePerSubject(lastSeq)}
	if commitID != "" {
		opts = append(opts, jetstream.WithMsgID(commitID))
	}

	ack, err := e.js.PublishMsg(ctx, msg, opts...)
	if err != nil {
		return 0, e.publishFailed(ctx, streamID, subject, expected, err)
	}
	if ack.Duplicate {
		e.log.Debug("commit already stored", slog.String("commit_id", commitID))
	}

	e.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		newVersion.SlogAttr(),
		slog.Int("num_events", len(events)),
		slog.Uint64("seq", ack.Sequence),
	)
	return newVersion, nil
}

func (e *EventStore) publishFailed(
	ctx context.Context,
	streamID string,
	subject string,
	expected es.Version,
	err error,
) error {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		actual, _, herr := e.head(ctx, subject)
		if herr != nil {
			return fmt.Errorf("read head after conflict: %w", herr)
		}
		return es.NewConflictError(streamID, expected, actual)
	}
	return classifyPublishError(subject, err)
}

// classifyPublishError maps a failed publish that is not a version conflict.
// Only failures known to leave the stream untouched are reported as
// unavailable; everything else may have been stored.
func classifyPublishError(subject string, err error) error {
	var apiErr *jetstream.APIError
	switch {
	case errors.Is(err, natsgo.ErrMaxPayload):
		return fmt.Errorf("%w: commit too large: %w", es.ErrInvalidArgument, err)

	case errors.Is(err, jetstream.ErrNoStreamResponse),
		errors.Is(err, natsgo.ErrNoResponders):
		// no server took the message
		return fmt.Errorf("%w: publish to %s: %w", es.ErrBackendUnavailable, subject, err)

	case errors.As(err, &apiErr):
		// the stream answered and rejected the message
		return fmt.Errorf("%w: publish to %s: %w", es.ErrBackendUnavailable, subject, err)

	default:
		// timeouts, cancellation and a connection lost after the message
		// left the client: the server may hold it without the ack reaching us
		return fmt.Errorf("%w: publish to %s: %w", es.ErrIndeterminate, subject, err)
	}
}

func (e *EventStore) Read(ctx context.Context, streamID string, from es.Version) ([]es.Event, error) {
	if from == 0 {
		from = 1
	}

	var (
		startAt = time.Now()
		subject = e.subjectForStream(streamID)
		events  = make([]es.Event, 0)
	)

	head, endSeq, err := e.head(ctx, subject)
	if err != nil {
		return nil, err
	}
	if endSeq == 0 || from > head {
		return events, nil
	}

	cc, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mb, err := cc.Fetch(fetchBatch, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}

		var seq uint64
		for msg := range mb.Messages() {
			md, err := msg.Metadata()
			if err != nil {
				return nil, err
			}
			seq = md.Sequence.Stream

			var c commit
			if err := e.codec.Unmarshal(msg.Data(), &c); err != nil {
				return nil, fmt.Errorf("decode commit at seq %d: %w", seq, err)
			}
			for _, ev := range c.Events {
				if ev.Version >= from {
					events = append(events, ev)
				}
			}
		}
		if err := mb.Error(); err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		if seq >= endSeq {
			break
		}
		if seq == 0 {
			return nil, fmt.Errorf("%w: no messages before seq %d of %s", es.ErrBackendUnavailable, endSeq, subject)
		}
	}

	e.log.Debug(
		"read",
		slog.String("stream_id", streamID),
		from.SlogAttrWithKey("from_version"),
		slog.Int("num_events", len(events)),
		slog.Duration("duration", time.Since(startAt)),
	)
	return events, nil
}

func (e *EventStore) CurrentVersion(ctx context.Context, streamID string) (es.Version, error) {
	v, _, err := e.head(ctx, e.subjectForStream(streamID))
	return v, err
}

// head returns the stream version and the sequence of the last commit on
// subject, both zero when there is none.
func (e *EventStore) head(ctx context.Context, subject string) (es.Version, uint64, error) {
	lm, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return es.NoStream, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("get last message for subject %q: %w", subject, err)
	}

	if h := lm.Header.Get(headerStreamVersion); h != "" {
		v, err := es.ParseVersion(h)
		if err != nil {
			return 0, 0, fmt.Errorf("header %s of seq %d: %w", headerStreamVersion, lm.Sequence, err)
		}
		return v, lm.Sequence, nil
	}

	var c commit
	if err := e.codec.Unmarshal(lm.Data, &c); err != nil {
		return 0, 0, fmt.Errorf("decode commit at seq %d: %w", lm.Sequence, err)
	}
	return c.Version, lm.Sequence, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) (s jetstream.Stream, si *jetstream.StreamInfo, err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err = js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err = s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

// subjectForStream encodes the stream id so that any id is a single valid
// subject token.
func (e *EventStore) subjectForStream(streamID string) string {
	return e.subjectPrefix + "." + base64.RawURLEncoding.EncodeToString([]byte(streamID))
}

var _ es.Backend = (*EventStore)(nil)
