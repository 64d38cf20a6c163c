package domain

import (
	"context"
	"time"
)

// Default stream names. Overridable through config; these are the values the
// wider pipeline agrees on.
const (
	StreamOpportunities     = "stream:opportunities"
	StreamExecutionRequests = "stream:execution-requests"
	StreamForwardingDLQ     = "stream:forwarding-dlq"
)

// StreamAddOptions control trimming on append. A zero MaxLen means no trim.
// Approximate trims with the ~ flag, letting Redis trim lazily.
type StreamAddOptions struct {
	MaxLen      int64
	Approximate bool
}

// StreamEntry is a single entry read from a stream.
type StreamEntry struct {
	Stream string
	ID     string
	Values map[string]string
}

// StreamBus provides append and consumer-group access to durable streams.
type StreamBus interface {
	Append(ctx context.Context, stream string, values map[string]string, opts *StreamAddOptions) (string, error)
	// AppendWithLimit appends with the bus's configured default MAXLEN,
	// approximate. Use for high-volume streams that must stay bounded.
	AppendWithLimit(ctx context.Context, stream string, values map[string]string) (string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error)
	// Read tails a stream without a consumer group, starting after lastID
	// ("$" for only-new). Every reader sees every entry.
	Read(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// SkipToLatest moves the group's cursor to the stream's current end,
	// abandoning any backlog.
	SkipToLatest(ctx context.Context, stream, group string) error
	Len(ctx context.Context, stream string) (int64, error)
}

// LeaderElector reports whether this instance currently holds the
// coordinator lease. Followers keep state warm but never forward.
type LeaderElector interface {
	IsLeader() bool
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
