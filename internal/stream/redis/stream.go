package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arbnet/coordinator/internal/domain"
)

// StreamBus implements domain.StreamBus on Redis Streams with consumer
// groups. Appends trim with XADD MAXLEN ~ so streams stay bounded without
// synchronous trimming cost.
type StreamBus struct {
	rdb           redis.UniversalClient
	defaultMaxLen int64
}

// NewStreamBus creates a StreamBus backed by the given Client. defaultMaxLen
// bounds streams written through AppendWithLimit.
func NewStreamBus(c *Client, defaultMaxLen int64) *StreamBus {
	if defaultMaxLen <= 0 {
		defaultMaxLen = 10000
	}
	return &StreamBus{rdb: c.Underlying(), defaultMaxLen: defaultMaxLen}
}

// Append appends the flat field map to a stream. opts may request trimming;
// nil appends without trimming.
func (sb *StreamBus) Append(ctx context.Context, stream string, values map[string]string, opts *domain.StreamAddOptions) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: toValues(values),
	}
	if opts != nil && opts.MaxLen > 0 {
		args.MaxLen = opts.MaxLen
		args.Approx = opts.Approximate
	}
	id, err := sb.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return id, nil
}

// AppendWithLimit appends with the bus-wide approximate MAXLEN.
func (sb *StreamBus) AppendWithLimit(ctx context.Context, stream string, values map[string]string) (string, error) {
	return sb.Append(ctx, stream, values, &domain.StreamAddOptions{
		MaxLen:      sb.defaultMaxLen,
		Approximate: true,
	})
}

// EnsureGroup creates the consumer group from the stream's beginning,
// creating the stream too if it does not exist yet. An already existing
// group is not an error.
func (sb *StreamBus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := sb.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup blocks up to the given duration for new entries addressed to this
// consumer. It returns an empty slice (not an error) when the block times
// out.
func (sb *StreamBus) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]domain.StreamEntry, error) {
	res, err := sb.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read group %s on %s: %w", group, stream, err)
	}

	var entries []domain.StreamEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			entries = append(entries, domain.StreamEntry{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: toStrings(msg.Values),
			})
		}
	}
	return entries, nil
}

// Read tails a stream without a consumer group. lastID is the last entry id
// already seen ("$" to start from only-new, "0" from the beginning). Returns
// an empty slice when the block times out.
func (sb *StreamBus) Read(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]domain.StreamEntry, error) {
	if lastID == "" {
		lastID = "$"
	}
	res, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read %s: %w", stream, err)
	}

	var entries []domain.StreamEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			entries = append(entries, domain.StreamEntry{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: toStrings(msg.Values),
			})
		}
	}
	return entries, nil
}

// Ack acknowledges processed entries.
func (sb *StreamBus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := sb.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("redis: ack %s on %s: %w", group, stream, err)
	}
	return nil
}

// SkipToLatest moves the group's cursor to the stream's end, abandoning the
// backlog. Used when the consumer decides the backlog is all stale.
func (sb *StreamBus) SkipToLatest(ctx context.Context, stream, group string) error {
	if err := sb.rdb.XGroupSetID(ctx, stream, group, "$").Err(); err != nil {
		return fmt.Errorf("redis: skip group %s on %s to latest: %w", group, stream, err)
	}
	return nil
}

// Len returns the stream's current entry count.
func (sb *StreamBus) Len(ctx context.Context, stream string) (int64, error) {
	n, err := sb.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: stream len %s: %w", stream, err)
	}
	return n, nil
}

func toValues(values map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func toStrings(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			out[k] = s
		case []byte:
			out[k] = string(s)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// Compile-time interface check.
var _ domain.StreamBus = (*StreamBus)(nil)
