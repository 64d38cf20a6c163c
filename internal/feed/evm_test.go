package feed_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/feed"
)

// scriptedBus serves pre-canned batches from Read and cancels the tail's
// context once the script runs out.
type scriptedBus struct {
	mu      sync.Mutex
	batches [][]domain.StreamEntry
	calls   int
	cursors []string
	cancel  context.CancelFunc
}

func (b *scriptedBus) Read(_ context.Context, _, lastID string, _ int64, _ time.Duration) ([]domain.StreamEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursors = append(b.cursors, lastID)
	if b.calls < len(b.batches) {
		batch := b.batches[b.calls]
		b.calls++
		return batch, nil
	}
	b.cancel()
	return nil, nil
}

func (b *scriptedBus) seenCursors() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cursors...)
}

func (b *scriptedBus) Append(context.Context, string, map[string]string, *domain.StreamAddOptions) (string, error) {
	return "", nil
}
func (b *scriptedBus) AppendWithLimit(context.Context, string, map[string]string) (string, error) {
	return "", nil
}
func (b *scriptedBus) EnsureGroup(context.Context, string, string) error { return nil }
func (b *scriptedBus) ReadGroup(context.Context, string, string, string, int64, time.Duration) ([]domain.StreamEntry, error) {
	return nil, nil
}
func (b *scriptedBus) Ack(context.Context, string, string, ...string) error { return nil }
func (b *scriptedBus) SkipToLatest(context.Context, string, string) error   { return nil }
func (b *scriptedBus) Len(context.Context, string) (int64, error)           { return 0, nil }

type captureSink struct {
	mu  sync.Mutex
	got []domain.PriceUpdate
}

func (s *captureSink) ObserveEVMQuote(u domain.PriceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, u)
	return nil
}

func (s *captureSink) updates() []domain.PriceUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PriceUpdate(nil), s.got...)
}

func quoteEntry(id string, values map[string]string) domain.StreamEntry {
	return domain.StreamEntry{Stream: "stream:evm-quotes", ID: id, Values: values}
}

func runTail(t *testing.T, bus *scriptedBus, sink *captureSink) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus.cancel = cancel

	tail := feed.NewQuoteTail(bus, "stream:evm-quotes", sink, 100, time.Millisecond,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := tail.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQuoteTailFeedsParsedQuotes(t *testing.T) {
	bus := &scriptedBus{batches: [][]domain.StreamEntry{{
		quoteEntry("1-1", map[string]string{
			"chain":       "arbitrum",
			"dex":         "uniswap-v3",
			"poolAddress": "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640",
			"token0":      "WETH",
			"token1":      "USDC",
			"price":       "101.5",
			"reserve0":    "1000",
			"reserve1":    "101500",
			"feeBps":      "5",
			"blockNumber": "0x1b4",
			"timestamp":   "1700000000123",
		}),
	}}}
	sink := &captureSink{}

	runTail(t, bus, sink)

	got := sink.updates()
	require.Len(t, got, 1)
	u := got[0]
	assert.Equal(t, "arbitrum", u.Chain)
	assert.Equal(t, "uniswap-v3", u.Dex)
	assert.True(t, strings.EqualFold("0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640", u.PoolAddress),
		"address survives checksum normalization")
	assert.NotEqual(t, "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640", u.PoolAddress,
		"address is checksummed on ingest")
	assert.Equal(t, "WETH", u.Token0)
	assert.Equal(t, "USDC", u.Token1)
	assert.Equal(t, 101.5, u.Price)
	assert.Equal(t, 1000.0, u.Reserve0)
	assert.Equal(t, 5, u.FeeBps)
	assert.Equal(t, int64(436), u.BlockNumber, "hex quantity block numbers decode")
	assert.Equal(t, int64(1700000000123), u.Timestamp)
}

func TestQuoteTailDropsGarbage(t *testing.T) {
	bus := &scriptedBus{batches: [][]domain.StreamEntry{{
		quoteEntry("1-1", map[string]string{ // not an EVM address
			"chain": "arbitrum", "poolAddress": "orca:SOL-USDC:0", "price": "100",
		}),
		quoteEntry("1-2", map[string]string{ // unparseable price
			"chain": "arbitrum", "poolAddress": "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640", "price": "n/a",
		}),
		quoteEntry("1-3", map[string]string{ // non-positive price
			"chain": "arbitrum", "poolAddress": "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640", "price": "0",
		}),
	}}}
	sink := &captureSink{}

	runTail(t, bus, sink)

	assert.Empty(t, sink.updates())
	cursors := bus.seenCursors()
	require.GreaterOrEqual(t, len(cursors), 2)
	assert.Equal(t, "1-3", cursors[1], "cursor advances past dropped entries")
}

func TestQuoteTailAdvancesCursorAcrossBatches(t *testing.T) {
	valid := map[string]string{
		"chain":       "ethereum",
		"poolAddress": "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640",
		"price":       "99.5",
		"blockNumber": "18000000",
	}
	bus := &scriptedBus{batches: [][]domain.StreamEntry{
		{quoteEntry("5-1", valid), quoteEntry("5-2", valid)},
		{quoteEntry("6-1", valid)},
	}}
	sink := &captureSink{}

	runTail(t, bus, sink)

	require.Len(t, sink.updates(), 3)
	assert.Equal(t, int64(18000000), sink.updates()[0].BlockNumber, "decimal block numbers decode")

	cursors := bus.seenCursors()
	require.GreaterOrEqual(t, len(cursors), 3)
	assert.Equal(t, "", cursors[0], "first read starts at the stream tail")
	assert.Equal(t, "5-2", cursors[1])
	assert.Equal(t, "6-1", cursors[2])
}

func TestQuoteTailStampsMissingTimestamps(t *testing.T) {
	bus := &scriptedBus{batches: [][]domain.StreamEntry{{
		quoteEntry("1-1", map[string]string{
			"chain":       "base",
			"poolAddress": "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640",
			"price":       "100",
		}),
	}}}
	sink := &captureSink{}

	before := time.Now().UnixMilli()
	runTail(t, bus, sink)

	got := sink.updates()
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, got[0].Timestamp, before,
		"quotes without a timestamp are stamped on arrival so staleness pruning works")
}
