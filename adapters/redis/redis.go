// Package redis provides an es.Backend on Redis.
//
// Each stream has a head key holding its version, a list key holding the
// encoded events and a hash of its commit ids. The keys share a hash tag, so
// they live in the same slot of a cluster and one Lua script can check and
// advance a stream atomically.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/codewandler/evstore/core/es"
	"github.com/codewandler/evstore/internal/codec"
)

const defaultKeyPrefix = "evstore:"

// appendScript compares the head to the expected version and pushes the
// events in one step. It records the commit id with the resulting version,
// so a command the client retries after a lost reply reports the original
// outcome instead of a conflict.
// KEYS[1] = head key
// KEYS[2] = events key
// KEYS[3] = commits key
// ARGV[1] = expected version
// ARGV[2] = commit id
// ARGV[3..] = encoded events
// returns {1, new version} on success and {0, actual version} on conflict.
var appendScript = redis.NewScript(`
local done = redis.call("HGET", KEYS[3], ARGV[2])
if done then
    return {1, tonumber(done)}
end

local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur ~= tonumber(ARGV[1]) then
    return {0, cur}
end

for i = 3, #ARGV do
    redis.call("RPUSH", KEYS[2], ARGV[i])
end

local new = cur + #ARGV - 2
redis.call("SET", KEYS[1], new)
redis.call("HSET", KEYS[3], ARGV[2], new)
return {1, new}
`)

type Config struct {
	// Client may retry commands; appends are idempotent per commit id.
	Client    redis.UniversalClient
	KeyPrefix string
	Log       *slog.Logger
	Codec     codec.Codec
}

type Backend struct {
	client redis.UniversalClient
	prefix string
	log    *slog.Logger
	codec  codec.Codec
}

func New(cfg Config) (*Backend, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis: no client")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default
	}
	return &Backend{
		client: cfg.Client,
		prefix: cfg.KeyPrefix,
		log:    cfg.Log.With(slog.String("backend", "redis")),
		codec:  cfg.Codec,
	}, nil
}

type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Log       *slog.Logger
}

// Open connects to a single Redis server and checks it is reachable.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: ping redis: %w", es.ErrBackendUnavailable, err)
	}
	return New(Config{Client: rdb, KeyPrefix: opts.KeyPrefix, Log: opts.Log})
}

func (b *Backend) Append(
	ctx context.Context,
	streamID string,
	expected es.Version,
	events []es.Event,
) (es.Version, error) {
	if len(events) == 0 {
		return 0, es.ErrStoreNoEvents
	}

	commitID := events[0].CommitID
	if commitID == "" {
		return 0, fmt.Errorf("%w: event without commit id", es.ErrInvalidArgument)
	}

	args := make([]any, 0, len(events)+2)
	args = append(args, expected.Uint64(), commitID)
	for i, e := range events {
		data, err := b.codec.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("%w: encode event %d: %w", es.ErrInvalidArgument, i, err)
		}
		args = append(args, data)
	}

	res, err := appendScript.Run(ctx, b.client, b.keys(streamID), args...).Int64Slice()
	if err != nil {
		return 0, classify("append", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("invalid response from append script: %v", res)
	}

	version := es.Version(res[1])
	if res[0] != 1 {
		return 0, es.NewConflictError(streamID, expected, version)
	}
	if want := expected + es.Version(len(events)); version != want {
		return 0, fmt.Errorf("%w: commit id %q already appended at version %d", es.ErrInvalidArgument, commitID, version)
	}

	b.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		version.SlogAttr(),
		slog.Int("num_events", len(events)),
	)
	return version, nil
}

func (b *Backend) Read(ctx context.Context, streamID string, from es.Version) ([]es.Event, error) {
	if from == 0 {
		from = 1
	}

	items, err := b.client.LRange(ctx, b.eventsKey(streamID), int64(from-1), -1).Result()
	if err != nil {
		return nil, classify("read", err)
	}

	events := make([]es.Event, 0, len(items))
	for i, item := range items {
		var e es.Event
		if err := b.codec.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode event %d of %q: %w", int(from)+i, streamID, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (b *Backend) CurrentVersion(ctx context.Context, streamID string) (es.Version, error) {
	v, err := b.client.Get(ctx, b.headKey(streamID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return es.NoStream, nil
	}
	if err != nil {
		return 0, classify("get head", err)
	}
	return es.Version(v), nil
}

// Client returns the underlying client.
func (b *Backend) Client() redis.UniversalClient { return b.client }

// Close closes the underlying client.
func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) keys(streamID string) []string {
	return []string{b.headKey(streamID), b.eventsKey(streamID), b.commitsKey(streamID)}
}

func (b *Backend) headKey(streamID string) string    { return b.tag(streamID) + ":head" }
func (b *Backend) eventsKey(streamID string) string  { return b.tag(streamID) + ":events" }
func (b *Backend) commitsKey(streamID string) string { return b.tag(streamID) + ":commits" }

// tag wraps the stream id in a hash tag. Braces inside the id would end the
// tag early, so they are replaced.
func (b *Backend) tag(streamID string) string {
	return b.prefix + "{" + tagReplacer.Replace(streamID) + "}"
}

var tagReplacer = strings.NewReplacer("{", "%7B", "}", "%7D", "%", "%25")

func classify(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case op == "append" && errors.As(err, &netErr) && netErr.Timeout():
		// the script may have run without the reply reaching us
		return fmt.Errorf("%w: %s: %w", es.ErrIndeterminate, op, err)
	case errors.Is(err, redis.ErrClosed), errors.As(err, &netErr):
		return fmt.Errorf("%w: %s: %w", es.ErrBackendUnavailable, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

var _ es.Backend = (*Backend)(nil)
