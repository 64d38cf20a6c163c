// Package ingest runs the consumer-group loop that feeds detector-produced
// opportunities from the inbound stream into the router.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/normalize"
	"github.com/arbnet/coordinator/internal/trace"
)

const (
	// consecutiveExpiredSkip is the run length of already-expired ingests
	// that triggers a cursor jump to the stream tail. Consuming a deep
	// backlog entry by entry only produces more expired opportunities.
	consecutiveExpiredSkip = 20

	// readRetryDelay is the pause after a failed stream read.
	readRetryDelay = time.Second
)

// Processor is the slice of the router the consumer drives.
type Processor interface {
	Process(ctx context.Context, w domain.WireOpportunity, isLeader bool, tc *trace.Context) bool
	ConsecutiveExpired() int
	ResetConsecutiveExpired()
}

// Config fixes the stream coordinates for one consumer instance.
type Config struct {
	Stream    string
	Group     string
	Consumer  string
	ReadCount int64
	BlockMs   int64
	// AllowChain filters entries by canonical chain before they reach the
	// router. Nil admits every chain.
	AllowChain func(chain string) bool
}

// Stats is a point-in-time snapshot of the consumer counters.
type Stats struct {
	Consumed     uint64 `json:"consumed"`
	Filtered     uint64 `json:"filtered"`
	BacklogSkips uint64 `json:"backlogSkips"`
}

// Consumer reads the opportunity stream through a consumer group, hands each
// entry to the router, and acks it regardless of outcome: redelivery cannot
// fix a reject, and the router stores rather than errors on expired input.
type Consumer struct {
	cfg    Config
	bus    domain.StreamBus
	router Processor
	leader domain.LeaderElector
	log    *slog.Logger

	consumed atomic.Uint64
	filtered atomic.Uint64
	skips    atomic.Uint64
}

// New creates a consumer. Zero ReadCount/BlockMs fall back to 10 entries and
// a 5s block.
func New(cfg Config, bus domain.StreamBus, router Processor, leader domain.LeaderElector, log *slog.Logger) *Consumer {
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.BlockMs <= 0 {
		cfg.BlockMs = 5000
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "coordinator"
	}
	return &Consumer{
		cfg:    cfg,
		bus:    bus,
		router: router,
		leader: leader,
		log:    log.With(slog.String("component", "ingest")),
	}
}

// Run blocks reading the stream until ctx is canceled. The consumer group is
// created on entry when missing.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.bus.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return fmt.Errorf("ingest: ensure group: %w", err)
	}

	c.log.Info("consumer started",
		slog.String("stream", c.cfg.Stream),
		slog.String("group", c.cfg.Group),
		slog.String("consumer", c.cfg.Consumer))

	block := time.Duration(c.cfg.BlockMs) * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := c.bus.ReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.ReadCount, block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("stream read failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readRetryDelay):
			}
			continue
		}

		for _, entry := range entries {
			c.handle(ctx, entry)
		}

		c.maybeSkipBacklog(ctx)
	}
}

// Stats snapshots the consumer counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Consumed:     c.consumed.Load(),
		Filtered:     c.filtered.Load(),
		BacklogSkips: c.skips.Load(),
	}
}

func (c *Consumer) handle(ctx context.Context, entry domain.StreamEntry) {
	defer func() {
		if err := c.bus.Ack(ctx, c.cfg.Stream, c.cfg.Group, entry.ID); err != nil {
			c.log.Warn("ack failed", slog.String("entryId", entry.ID), slog.Any("error", err))
		}
	}()

	tc := trace.FromFields(entry.Values)
	w := domain.ParseWireFields(entry.Values)

	if c.cfg.AllowChain != nil {
		chain, _ := normalize.Chain(w.Chain)
		if !c.cfg.AllowChain(chain) {
			c.filtered.Add(1)
			return
		}
	}

	c.router.Process(ctx, w, c.leader.IsLeader(), tc)
	c.consumed.Add(1)
}

// maybeSkipBacklog jumps the group cursor to the stream tail once the router
// reports a long run of expired-on-arrival entries. The counter reset is part
// of the contract: without it the next entry re-triggers the skip and the
// group never settles.
func (c *Consumer) maybeSkipBacklog(ctx context.Context) {
	expired := c.router.ConsecutiveExpired()
	if expired < consecutiveExpiredSkip {
		return
	}

	if err := c.bus.SkipToLatest(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		c.log.Error("backlog skip failed", slog.Any("error", err))
		return
	}
	c.router.ResetConsecutiveExpired()
	c.skips.Add(1)
	c.log.Warn("backlog skipped to stream tail",
		slog.Int("consecutiveExpired", expired),
		slog.String("stream", c.cfg.Stream))
}
