// Package stream wraps Redis streams with the small surface the pipeline
// needs: appends with approximate trimming, consumer-group creation, blocking
// group reads with an explicit cursor, per-entry acknowledgement and
// observability lookups. Delivery is at-least-once; callers compensate with
// application-level idempotency.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/clue/health"
)

// Default topology for the primary ingestion path.
const (
	IncomingStream = "events:incoming"
	ProcessorGroup = "event-processors"

	// DefaultMaxLen bounds the primary stream with approximate trimming.
	DefaultMaxLen = 10000
)

// Cursors for group reads.
const (
	// CursorNew requests entries never delivered to this group.
	CursorNew = ">"
	// CursorPending requests entries delivered to this consumer but not
	// yet acknowledged.
	CursorPending = "0"
)

type (
	// Entry is one stream record as delivered to a consumer.
	Entry struct {
		ID     string
		Fields map[string]string
	}

	// Info summarizes a stream for observability.
	Info struct {
		Length int64
		LastID string
		Groups int64
	}

	// GroupInfo summarizes one consumer group.
	GroupInfo struct {
		Name      string
		Consumers int64
		Pending   int64
	}

	// Client exposes the stream operations used by sources and the
	// dispatcher.
	Client interface {
		health.Pinger

		// Append adds the fields as a new entry and returns the broker
		// assigned id. The stream is trimmed approximately to the
		// configured maximum length.
		Append(ctx context.Context, stream string, fields map[string]string) (string, error)

		// EnsureGroup creates the consumer group starting at startID,
		// creating the stream when absent. Re-creating an existing group
		// is not an error.
		EnsureGroup(ctx context.Context, stream, group, startID string) error

		// Read delivers up to count entries for the consumer, blocking up
		// to block when no entry is available; block <= 0 means do not
		// block. The cursor selects new (CursorNew) or pending
		// (CursorPending) entries. A nil slice with nil error means
		// nothing was available.
		Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration, cursor string) ([]Entry, error)

		// Ack acknowledges one entry for the group. Returns true when the
		// entry was pending.
		Ack(ctx context.Context, stream, group, id string) (bool, error)

		// Info returns stream-level statistics.
		Info(ctx context.Context, stream string) (Info, error)

		// GroupInfo returns statistics for one group of the stream.
		GroupInfo(ctx context.Context, stream, group string) (GroupInfo, error)
	}

	// Options configures the Redis stream client.
	Options struct {
		// Redis is the shared connection. Required.
		Redis *redis.Client
		// MaxLen bounds appended streams. Zero uses DefaultMaxLen.
		MaxLen int64
	}

	client struct {
		redis  *redis.Client
		maxLen int64
	}
)

// New constructs a stream client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &client{redis: opts.Redis, maxLen: maxLen}, nil
}

func (c *client) Name() string { return "event-stream" }

func (c *client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

func (c *client) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if stream == "" {
		return "", errors.New("stream name is required")
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: c.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("stream append %s: %w", stream, err)
	}
	return id, nil
}

func (c *client) EnsureGroup(ctx context.Context, stream, group, startID string) error {
	if startID == "" {
		startID = "0"
	}
	err := c.redis.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("stream group create %s/%s: %w", stream, group, err)
	}
	return nil
}

func (c *client) Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration, cursor string) ([]Entry, error) {
	if cursor == "" {
		cursor = CursorNew
	}
	res, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, cursor},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // block timed out, nothing to deliver
		}
		return nil, fmt.Errorf("stream read %s/%s: %w", stream, group, err)
	}
	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			entries = append(entries, Entry{ID: msg.ID, Fields: stringFields(msg.Values)})
		}
	}
	return entries, nil
}

func (c *client) Ack(ctx context.Context, stream, group, id string) (bool, error) {
	n, err := c.redis.XAck(ctx, stream, group, id).Result()
	if err != nil {
		return false, fmt.Errorf("stream ack %s/%s %s: %w", stream, group, id, err)
	}
	return n > 0, nil
}

func (c *client) Info(ctx context.Context, stream string) (Info, error) {
	res, err := c.redis.XInfoStream(ctx, stream).Result()
	if err != nil {
		return Info{}, fmt.Errorf("stream info %s: %w", stream, err)
	}
	return Info{
		Length: res.Length,
		LastID: res.LastGeneratedID,
		Groups: res.Groups,
	}, nil
}

func (c *client) GroupInfo(ctx context.Context, stream, group string) (GroupInfo, error) {
	res, err := c.redis.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return GroupInfo{}, fmt.Errorf("stream group info %s: %w", stream, err)
	}
	for _, g := range res {
		if g.Name == group {
			return GroupInfo{Name: g.Name, Consumers: g.Consumers, Pending: g.Pending}, nil
		}
	}
	return GroupInfo{}, fmt.Errorf("stream group info %s: group %q not found", stream, group)
}

func stringFields(values map[string]any) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
