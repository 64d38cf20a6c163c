package ingest_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/ingest"
	"github.com/arbnet/coordinator/internal/trace"
)

// fakeGroupBus serves scripted batches from ReadGroup and cancels the
// consumer's context once the script runs out.
type fakeGroupBus struct {
	mu      sync.Mutex
	batches [][]domain.StreamEntry
	calls   int
	acked   []string
	ensured []string
	skipped []string
	cancel  context.CancelFunc
}

func (b *fakeGroupBus) ReadGroup(_ context.Context, _, _, _ string, _ int64, _ time.Duration) ([]domain.StreamEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls < len(b.batches) {
		batch := b.batches[b.calls]
		b.calls++
		return batch, nil
	}
	b.cancel()
	return nil, nil
}

func (b *fakeGroupBus) EnsureGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensured = append(b.ensured, stream+"/"+group)
	return nil
}

func (b *fakeGroupBus) Ack(_ context.Context, _, _ string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, ids...)
	return nil
}

func (b *fakeGroupBus) SkipToLatest(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.skipped = append(b.skipped, stream+"/"+group)
	return nil
}

func (b *fakeGroupBus) Append(context.Context, string, map[string]string, *domain.StreamAddOptions) (string, error) {
	return "", nil
}
func (b *fakeGroupBus) AppendWithLimit(context.Context, string, map[string]string) (string, error) {
	return "", nil
}
func (b *fakeGroupBus) Read(context.Context, string, string, int64, time.Duration) ([]domain.StreamEntry, error) {
	return nil, nil
}
func (b *fakeGroupBus) Len(context.Context, string) (int64, error) { return 0, nil }

type processCall struct {
	w        domain.WireOpportunity
	isLeader bool
	tc       *trace.Context
}

type fakeRouter struct {
	mu      sync.Mutex
	calls   []processCall
	expired int
	resets  int
}

func (r *fakeRouter) Process(_ context.Context, w domain.WireOpportunity, isLeader bool, tc *trace.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, processCall{w: w, isLeader: isLeader, tc: tc})
	return true
}

func (r *fakeRouter) ConsecutiveExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expired
}

func (r *fakeRouter) ResetConsecutiveExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	r.expired = 0
}

func (r *fakeRouter) processed() []processCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]processCall(nil), r.calls...)
}

type fixedLeader bool

func (l fixedLeader) IsLeader() bool { return bool(l) }

func wireEntry(id, oppID, chain string) domain.StreamEntry {
	return domain.StreamEntry{
		Stream: "stream:opportunities",
		ID:     id,
		Values: map[string]string{
			"id":               oppID,
			"type":             "intra-solana",
			"chain":            chain,
			"profitPercentage": "1.2",
			"timestamp":        "1700000000000",
		},
	}
}

func runConsumer(t *testing.T, cfg ingest.Config, bus *fakeGroupBus, router *fakeRouter, leader bool) *ingest.Consumer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus.cancel = cancel

	c := ingest.New(cfg, bus, router, fixedLeader(leader),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	return c
}

func consumerConfig() ingest.Config {
	return ingest.Config{
		Stream:    "stream:opportunities",
		Group:     "coordinator",
		Consumer:  "instance-1",
		ReadCount: 10,
		BlockMs:   1,
	}
}

func TestConsumerProcessesAndAcksEntries(t *testing.T) {
	bus := &fakeGroupBus{batches: [][]domain.StreamEntry{{
		wireEntry("1-1", "opp-a", "solana"),
		wireEntry("1-2", "opp-b", "arbitrum"),
	}}}
	router := &fakeRouter{}

	runConsumer(t, consumerConfig(), bus, router, true)

	calls := router.processed()
	require.Len(t, calls, 2)
	assert.Equal(t, "opp-a", calls[0].w.ID)
	assert.Equal(t, "opp-b", calls[1].w.ID)
	assert.True(t, calls[0].isLeader, "leader flag reaches the router")

	assert.Equal(t, []string{"1-1", "1-2"}, bus.acked)
	assert.Equal(t, []string{"stream:opportunities/coordinator"}, bus.ensured)
}

func TestConsumerAcksEntriesItFilters(t *testing.T) {
	cfg := consumerConfig()
	cfg.AllowChain = func(chain string) bool { return chain == "solana" }

	bus := &fakeGroupBus{batches: [][]domain.StreamEntry{{
		wireEntry("1-1", "opp-a", "ethereum"),
		wireEntry("1-2", "opp-b", "sol"), // alias canonicalizes before the filter
	}}}
	router := &fakeRouter{}

	c := runConsumer(t, cfg, bus, router, false)

	calls := router.processed()
	require.Len(t, calls, 1)
	assert.Equal(t, "opp-b", calls[0].w.ID)
	assert.False(t, calls[0].isLeader)

	assert.Equal(t, []string{"1-1", "1-2"}, bus.acked,
		"filtered entries are still acked; redelivery cannot change the outcome")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Consumed)
	assert.Equal(t, uint64(1), stats.Filtered)
}

func TestConsumerSkipsBacklogAfterExpiredRun(t *testing.T) {
	bus := &fakeGroupBus{batches: [][]domain.StreamEntry{{
		wireEntry("1-1", "opp-a", "solana"),
	}}}
	router := &fakeRouter{expired: 20}

	c := runConsumer(t, consumerConfig(), bus, router, true)

	assert.Equal(t, []string{"stream:opportunities/coordinator"}, bus.skipped)
	assert.Equal(t, 1, router.resets, "skip must reset the expired counter or every entry re-triggers it")
	assert.Equal(t, uint64(1), c.Stats().BacklogSkips)
}

func TestConsumerHoldsPositionBelowExpiredThreshold(t *testing.T) {
	bus := &fakeGroupBus{batches: [][]domain.StreamEntry{{
		wireEntry("1-1", "opp-a", "solana"),
	}}}
	router := &fakeRouter{expired: 19}

	runConsumer(t, consumerConfig(), bus, router, true)

	assert.Empty(t, bus.skipped)
	assert.Zero(t, router.resets)
}

func TestConsumerRecoversUpstreamTrace(t *testing.T) {
	traced := wireEntry("1-1", "opp-a", "solana")
	traced.Values[trace.FieldTraceID] = "trace-123"
	traced.Values[trace.FieldSpanID] = "span-456"
	untraced := wireEntry("1-2", "opp-b", "solana")

	bus := &fakeGroupBus{batches: [][]domain.StreamEntry{{traced, untraced}}}
	router := &fakeRouter{}

	runConsumer(t, consumerConfig(), bus, router, true)

	calls := router.processed()
	require.Len(t, calls, 2)
	require.NotNil(t, calls[0].tc)
	assert.Equal(t, "trace-123", calls[0].tc.TraceID)
	assert.Nil(t, calls[1].tc, "entries without a trace id start a fresh trace downstream")
}
