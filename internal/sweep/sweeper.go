// Package sweep runs the periodic cleanup that keeps the router's
// opportunity set and the engine's pool store within their retention
// horizons. Cleanup runs on its own task so scan latency never blocks
// ingest.
package sweep

import (
	"context"
	"log/slog"
	"time"
)

// OpportunityCleaner is the router's expiry sweep. Returns the number of
// opportunities removed.
type OpportunityCleaner interface {
	CleanupExpired() int
}

// PoolPruner is the pool store's TTL sweep. Returns the number of pools
// removed.
type PoolPruner interface {
	PruneStale(nowMs, maxAgeMs int64) int
}

// Sweeper periodically expires router opportunities and prunes pools that
// have not seen a write within the TTL. Either target may be nil when the
// process runs a single role.
type Sweeper struct {
	interval  time.Duration
	poolTTLMs int64
	router    OpportunityCleaner
	pools     PoolPruner
	log       *slog.Logger

	now func() time.Time
}

// New creates a sweeper. A non-positive interval falls back to 30s.
func New(interval time.Duration, poolTTLMs int64, router OpportunityCleaner, pools PoolPruner, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		interval:  interval,
		poolTTLMs: poolTTLMs,
		router:    router,
		pools:     pools,
		log:       log.With(slog.String("component", "sweep")),
		now:       time.Now,
	}
}

// Run sweeps on the interval until ctx is canceled. One final sweep runs on
// shutdown so a restart does not inherit a backlog of expired state.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.sweep()
			return ctx.Err()
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	var expired, pruned int
	if s.router != nil {
		expired = s.router.CleanupExpired()
	}
	if s.pools != nil && s.poolTTLMs > 0 {
		pruned = s.pools.PruneStale(s.now().UnixMilli(), s.poolTTLMs)
	}
	if expired > 0 || pruned > 0 {
		s.log.Debug("sweep completed",
			slog.Int("expiredOpportunities", expired),
			slog.Int("prunedPools", pruned))
	}
}
