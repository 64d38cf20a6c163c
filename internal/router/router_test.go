package router_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/router"
	"github.com/arbnet/coordinator/internal/trace"
)

// fakeBus records appends and can be scripted to fail per stream.
type fakeBus struct {
	mu        sync.Mutex
	attempts  map[string]int // every Append call, including failed ones
	appends   []appendCall   // successful appends only
	failFirst map[string]int // fail the next N appends to a stream
	failAll   map[string]bool
	skipped   []string
}

type appendCall struct {
	stream string
	values map[string]string
	opts   *domain.StreamAddOptions
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		attempts:  make(map[string]int),
		failFirst: make(map[string]int),
		failAll:   make(map[string]bool),
	}
}

func (b *fakeBus) Append(_ context.Context, stream string, values map[string]string, opts *domain.StreamAddOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[stream]++
	if b.failAll[stream] {
		return "", fmt.Errorf("stream %s unavailable", stream)
	}
	if n := b.failFirst[stream]; n > 0 {
		b.failFirst[stream] = n - 1
		return "", fmt.Errorf("stream %s transient failure", stream)
	}
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	b.appends = append(b.appends, appendCall{stream: stream, values: cp, opts: opts})
	return fmt.Sprintf("0-%d", len(b.appends)), nil
}

func (b *fakeBus) AppendWithLimit(ctx context.Context, stream string, values map[string]string) (string, error) {
	return b.Append(ctx, stream, values, nil)
}

func (b *fakeBus) EnsureGroup(context.Context, string, string) error { return nil }

func (b *fakeBus) ReadGroup(context.Context, string, string, string, int64, time.Duration) ([]domain.StreamEntry, error) {
	return nil, nil
}

func (b *fakeBus) Read(context.Context, string, string, int64, time.Duration) ([]domain.StreamEntry, error) {
	return nil, nil
}

func (b *fakeBus) Ack(context.Context, string, string, ...string) error { return nil }

func (b *fakeBus) SkipToLatest(_ context.Context, stream, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.skipped = append(b.skipped, stream)
	return nil
}

func (b *fakeBus) Len(context.Context, string) (int64, error) { return 0, nil }

func (b *fakeBus) to(stream string) []appendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []appendCall
	for _, c := range b.appends {
		if c.stream == stream {
			out = append(out, c)
		}
	}
	return out
}

func (b *fakeBus) attemptsTo(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[stream]
}

const (
	execStream = "stream:execution-requests"
	dlqStream  = "stream:forwarding-dlq"
)

func testConfig() router.Config {
	return router.Config{
		MaxOpportunities:    100,
		DuplicateWindowMs:   5000,
		MinProfitPercentage: -100,
		MaxProfitPercentage: 100,
		OpportunityTTLMs:    60000,
		ChainTTLMs:          map[string]int64{"solana": 10000},
		MaxRetries:          3,
		RetryBaseDelayMs:    1,
		BreakerThreshold:    5,
		BreakerCooldownMs:   60000,
		ExecutionStream:     execStream,
		ExecutionMaxLen:     5000,
		DLQStream:           dlqStream,
		InstanceID:          "coord-test-1",
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(bus domain.StreamBus, mutate func(*router.Config)) *router.Router {
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return router.New(cfg, bus, nil, nil, nil, discard())
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func wireOpp(id, chain string, profit float64) domain.WireOpportunity {
	return domain.WireOpportunity{
		ID:               id,
		Chain:            chain,
		BuyDex:           "orca",
		SellDex:          "raydium",
		Token0:           "SOL",
		Token1:           "USDC",
		ProfitPercentage: f64(profit),
		Confidence:       f64(0.8),
		Timestamp:        i64(time.Now().UnixMilli()),
	}
}

func TestProcessRejectsMissingID(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, nil)

	ok := r.Process(context.Background(), domain.WireOpportunity{Chain: "solana"}, true, nil)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Size())
	assert.Zero(t, bus.attemptsTo(execStream))
}

func TestProcessHappyPathForwards(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, nil)

	ok := r.Process(context.Background(), wireOpp("opp-1", "solana", 1.5), true, nil)
	require.True(t, ok)

	calls := bus.to(execStream)
	require.Len(t, calls, 1)
	fields := calls[0].values
	assert.Equal(t, "opp-1", fields["id"])
	assert.Equal(t, "solana", fields["chain"])
	assert.Equal(t, "1.5", fields["profitPercentage"])
	assert.Equal(t, "opportunity-router", fields["forwardedBy"])
	assert.NotEmpty(t, fields["forwardedAt"])
	assert.NotEmpty(t, fields["_trace_traceId"], "forwarding must start a trace when none arrived")

	require.NotNil(t, calls[0].opts)
	assert.Equal(t, int64(5000), calls[0].opts.MaxLen)
	assert.True(t, calls[0].opts.Approximate)

	st := r.Stats()
	assert.Equal(t, uint64(1), st.TotalOpportunities)
	assert.Equal(t, uint64(1), st.TotalExecutions)
	assert.Zero(t, st.OpportunitiesDropped)

	stored, found := r.Opportunity("opp-1")
	require.True(t, found)
	assert.Equal(t, "solana", stored.Chain)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestProcessPropagatesTraceAsChildSpan(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, nil)

	tc := trace.New("solana-detector")
	require.True(t, r.Process(context.Background(), wireOpp("opp-t", "solana", 1), true, tc))

	calls := bus.to(execStream)
	require.Len(t, calls, 1)
	fields := calls[0].values
	assert.Equal(t, tc.TraceID, fields["_trace_traceId"])
	assert.Equal(t, tc.SpanID, fields["_trace_parentSpanId"])
	assert.Equal(t, "opportunity-router", fields["_trace_serviceName"])
	assert.NotEqual(t, tc.SpanID, fields["_trace_spanId"])
}

func TestProcessDeduplicatesWithinWindow(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, nil)

	base := time.Now().UnixMilli()
	first := wireOpp("opp-dup", "solana", 1)
	first.Timestamp = i64(base)
	require.True(t, r.Process(context.Background(), first, true, nil))

	second := wireOpp("opp-dup", "solana", 2)
	second.Timestamp = i64(base + 1000)
	assert.False(t, r.Process(context.Background(), second, true, nil))

	st := r.Stats()
	assert.Equal(t, uint64(1), st.TotalOpportunities)
	assert.Equal(t, uint64(1), st.DuplicatesRejected)
	assert.Len(t, bus.to(execStream), 1)

	// Same id beyond the window is a legitimate refresh.
	third := wireOpp("opp-dup", "solana", 3)
	third.Timestamp = i64(base + 6000)
	require.True(t, r.Process(context.Background(), third, true, nil))
	assert.Equal(t, 1, r.Size())
	assert.Equal(t, uint64(2), r.Stats().TotalOpportunities)
	assert.Len(t, bus.to(execStream), 2)
}

func TestProcessRejectsProfitOutOfBounds(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, nil)

	assert.False(t, r.Process(context.Background(), wireOpp("low", "solana", -150), true, nil))
	assert.False(t, r.Process(context.Background(), wireOpp("high", "solana", 150), true, nil))

	// Bounds are inclusive.
	assert.True(t, r.Process(context.Background(), wireOpp("min", "solana", -100), true, nil))
	assert.True(t, r.Process(context.Background(), wireOpp("max", "solana", 100), true, nil))

	st := r.Stats()
	assert.Equal(t, uint64(2), st.ValidationRejected)
	assert.Equal(t, uint64(2), st.TotalOpportunities)
}

func TestProcessNormalizesChain(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, nil)

	require.True(t, r.Process(context.Background(), wireOpp("opp-eth", "ETH", 1), true, nil))
	stored, found := r.Opportunity("opp-eth")
	require.True(t, found)
	assert.Equal(t, "ethereum", stored.Chain)

	assert.False(t, r.Process(context.Background(), wireOpp("opp-bad", "notachain", 1), true, nil))

	// A missing chain is accepted; only a present-but-unknown one is not.
	noChain := wireOpp("opp-none", "", 1)
	assert.True(t, r.Process(context.Background(), noChain, true, nil))
}

func TestProcessFollowerStoresWithoutForwarding(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, nil)

	require.True(t, r.Process(context.Background(), wireOpp("opp-f", "solana", 1), false, nil))

	_, found := r.Opportunity("opp-f")
	assert.True(t, found)
	assert.Zero(t, bus.attemptsTo(execStream))
	assert.Zero(t, r.Stats().TotalExecutions)
}

func TestProcessSkipsNonPendingStatus(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, nil)

	w := wireOpp("opp-done", "solana", 1)
	w.Status = "executed"
	require.True(t, r.Process(context.Background(), w, true, nil))

	stored, found := r.Opportunity("opp-done")
	require.True(t, found)
	assert.Equal(t, domain.StatusExecuted, stored.Status)
	assert.Zero(t, bus.attemptsTo(execStream))
}

func TestProcessStoresExpiredWithoutForwarding(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, nil)

	expired := wireOpp("opp-old", "solana", 1)
	expired.ExpiresAt = i64(time.Now().UnixMilli() - 1000)
	require.True(t, r.Process(context.Background(), expired, true, nil))

	_, found := r.Opportunity("opp-old")
	assert.True(t, found)
	assert.Zero(t, bus.attemptsTo(execStream))
	assert.Equal(t, 1, r.ConsecutiveExpired())

	// A fresh record ends the expired run and forwards normally.
	require.True(t, r.Process(context.Background(), wireOpp("opp-new", "solana", 1), true, nil))
	assert.Zero(t, r.ConsecutiveExpired())
	assert.Len(t, bus.to(execStream), 1)
}

func TestProcessBackfillsTokenLegs(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, nil)

	w := wireOpp("opp-legs", "solana", 1)
	w.Token0, w.Token1 = "SOL", "USDC"
	w.TokenIn, w.TokenOut = "", ""
	require.True(t, r.Process(context.Background(), w, false, nil))

	stored, _ := r.Opportunity("opp-legs")
	assert.Equal(t, "SOL", stored.TokenIn)
	assert.Equal(t, "USDC", stored.TokenOut)
}

func TestProcessPreservesUnknownFields(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, nil)

	w := domain.ParseWireFields(map[string]string{
		"id":               "opp-extra",
		"chain":            "solana",
		"profitPercentage": "1.2",
		"vendorScore":      "0.93",
	})
	require.True(t, r.Process(context.Background(), w, true, nil))

	calls := bus.to(execStream)
	require.Len(t, calls, 1)
	assert.Equal(t, "0.93", calls[0].values["vendorScore"], "unknown upstream fields must survive forwarding")
}

func TestUpsertEvictsOldestAtCapacity(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, func(c *router.Config) { c.MaxOpportunities = 3 })

	for _, id := range []string{"a", "b", "c", "d"} {
		require.True(t, r.Process(context.Background(), wireOpp(id, "solana", 1), false, nil))
	}

	assert.Equal(t, 3, r.Size())
	_, found := r.Opportunity("a")
	assert.False(t, found, "oldest record must be evicted first")
	assert.Equal(t, uint64(1), r.Stats().Evicted)
}

func TestOpportunitiesSnapshotNewestFirst(t *testing.T) {
	bus := newFakeBus()
	r := newTestRouter(bus, nil)

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, r.Process(context.Background(), wireOpp(id, "solana", 1), false, nil))
	}

	all := r.Opportunities(0)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[2].ID)

	two := r.Opportunities(2)
	require.Len(t, two, 2)
	assert.Equal(t, "c", two[0].ID)
}
