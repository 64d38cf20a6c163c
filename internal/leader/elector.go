// Package leader elects a single forwarding coordinator among replicas using
// a Redis lease. Followers keep ingesting so their state stays warm, but only
// the leader appends to the execution stream.
package leader

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/arbnet/coordinator/internal/domain"
	streamredis "github.com/arbnet/coordinator/internal/stream/redis"
)

// renewLua extends the lease only while we still hold it, so a partitioned
// ex-leader cannot stomp on its successor.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    return 1
end
return 0
`

// releaseLua deletes the lease key only if its value matches the caller's
// token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Config tunes the lease.
type Config struct {
	Key   string
	TTL   time.Duration
	Renew time.Duration
}

// Elector runs the acquire/renew loop. IsLeader is safe from any goroutine.
type Elector struct {
	rdb       goredis.UniversalClient
	cfg       Config
	token     string
	isLeader  atomic.Bool
	renewSc   *goredis.Script
	releaseSc *goredis.Script
	log       *slog.Logger
}

// New creates an Elector with a fresh instance token.
func New(client *streamredis.Client, cfg Config, log *slog.Logger) *Elector {
	return &Elector{
		rdb:       client.Underlying(),
		cfg:       cfg,
		token:     uuid.New().String(),
		renewSc:   goredis.NewScript(renewLua),
		releaseSc: goredis.NewScript(releaseLua),
		log:       log.With(slog.String("component", "leader")),
	}
}

// IsLeader reports whether this instance currently holds the lease.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// Run drives the lease until ctx is done, then resigns. It only returns the
// context's error; Redis hiccups demote rather than crash.
func (e *Elector) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Renew)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.resign()
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick acquires or renews the lease and updates the leadership flag.
func (e *Elector) tick(ctx context.Context) {
	if e.isLeader.Load() {
		ok, err := e.renewSc.Run(ctx, e.rdb, []string{e.cfg.Key}, e.token, e.cfg.TTL.Milliseconds()).Int64()
		if err != nil {
			e.log.Warn("lease renew failed, stepping down", slog.Any("error", err))
			e.isLeader.Store(false)
			return
		}
		if ok != 1 {
			e.log.Warn("lease lost to another instance")
			e.isLeader.Store(false)
		}
		return
	}

	ok, err := e.rdb.SetNX(ctx, e.cfg.Key, e.token, e.cfg.TTL).Result()
	if err != nil {
		e.log.Debug("lease acquire failed", slog.Any("error", err))
		return
	}
	if ok {
		e.isLeader.Store(true)
		e.log.Info("acquired leadership", slog.String("key", e.cfg.Key))
	}
}

// resign releases the lease if held. Uses a fresh context because Run's
// context is already cancelled when we get here.
func (e *Elector) resign() {
	if !e.isLeader.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.releaseSc.Run(ctx, e.rdb, []string{e.cfg.Key}, e.token).Err(); err != nil {
		e.log.Warn("lease release failed", slog.Any("error", err))
		return
	}
	e.log.Info("released leadership")
}

// Static is a fixed-answer elector for single-instance deployments and
// tests.
type Static bool

// IsLeader implements domain.LeaderElector.
func (s Static) IsLeader() bool { return bool(s) }

// Compile-time interface checks.
var (
	_ domain.LeaderElector = (*Elector)(nil)
	_ domain.LeaderElector = Static(false)
)
