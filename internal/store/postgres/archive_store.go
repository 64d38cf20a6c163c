package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbnet/coordinator/internal/domain"
)

const (
	defaultQueueSize     = 1024
	defaultFlushInterval = 2 * time.Second
	// flushMax bounds one batch; a full buffer flushes without waiting for
	// the ticker.
	flushMax             = 128
	pruneInterval        = time.Hour
	shutdownFlushTimeout = 5 * time.Second
)

// ArchiveStoreConfig tunes the background writer.
type ArchiveStoreConfig struct {
	QueueSize     int
	FlushInterval time.Duration
	// RetentionDays prunes rows older than the horizon. Zero keeps
	// everything.
	RetentionDays int
}

// ArchiveStore implements domain.ForwardArchive. Records are enqueued
// without blocking and drained to PostgreSQL in batches by Run; when the
// queue is full records are shed, never the forwarding path's latency.
type ArchiveStore struct {
	pool *pgxpool.Pool
	cfg  ArchiveStoreConfig
	log  *slog.Logger

	queue   chan archiveItem
	dropped atomic.Uint64
	now     func() time.Time
}

type archiveItem struct {
	forward *domain.ForwardRecord
	dead    *domain.DeadLetterRecord
}

// NewArchiveStore creates an archive store over the given pool. Run must be
// started for records to reach the database.
func NewArchiveStore(pool *pgxpool.Pool, cfg ArchiveStoreConfig, log *slog.Logger) *ArchiveStore {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &ArchiveStore{
		pool:  pool,
		cfg:   cfg,
		log:   log.With(slog.String("component", "archive")),
		queue: make(chan archiveItem, cfg.QueueSize),
		now:   time.Now,
	}
}

// RecordForward enqueues a forwarding outcome. Never blocks.
func (s *ArchiveStore) RecordForward(r domain.ForwardRecord) {
	s.enqueue(archiveItem{forward: &r})
}

// RecordDeadLetter enqueues a dead-lettered opportunity. Never blocks.
func (s *ArchiveStore) RecordDeadLetter(r domain.DeadLetterRecord) {
	s.enqueue(archiveItem{dead: &r})
}

// Dropped returns how many records were shed on a full queue.
func (s *ArchiveStore) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *ArchiveStore) enqueue(item archiveItem) {
	select {
	case s.queue <- item:
	default:
		n := s.dropped.Add(1)
		if n == 1 || n%1000 == 0 {
			s.log.Warn("archive queue full, record dropped", slog.Uint64("dropped", n))
		}
	}
}

// Run drains the queue until ctx is canceled, then flushes what remains on a
// fresh deadline so shutdown does not lose the tail.
func (s *ArchiveStore) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	buf := make([]archiveItem, 0, flushMax)
	var lastPrune time.Time

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case item := <-s.queue:
					buf = append(buf, item)
				default:
					if len(buf) > 0 {
						fctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
						if err := s.flush(fctx, buf); err != nil {
							s.log.Error("final archive flush failed", slog.Any("error", err))
						}
						cancel()
					}
					return ctx.Err()
				}
			}

		case item := <-s.queue:
			buf = append(buf, item)
			if len(buf) >= flushMax {
				if err := s.flush(ctx, buf); err != nil {
					s.log.Error("archive flush failed", slog.Any("error", err))
				}
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				if err := s.flush(ctx, buf); err != nil {
					s.log.Error("archive flush failed", slog.Any("error", err))
				}
				buf = buf[:0]
			}
			if s.cfg.RetentionDays > 0 && s.now().Sub(lastPrune) >= pruneInterval {
				s.prune(ctx)
				lastPrune = s.now()
			}
		}
	}
}

const insertForwardQuery = `
	INSERT INTO forwarded_opportunities (
		opportunity_id, chain, opp_type, profit_percentage,
		stream, forwarded_by, forwarded_at, payload
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const insertDeadLetterQuery = `
	INSERT INTO dead_letters (
		opportunity_id, reason, service, instance_id,
		target_stream, failed_at, payload
	) VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (s *ArchiveStore) flush(ctx context.Context, items []archiveItem) error {
	batch := &pgx.Batch{}
	for _, item := range items {
		switch {
		case item.forward != nil:
			f := item.forward
			batch.Queue(insertForwardQuery,
				f.OpportunityID, f.Chain, f.Type, f.ProfitPercentage,
				f.Stream, f.ForwardedBy, f.ForwardedAt, f.Payload,
			)
		case item.dead != nil:
			d := item.dead
			batch.Queue(insertDeadLetterQuery,
				d.OpportunityID, d.Reason, d.Service, d.InstanceID,
				d.TargetStream, d.FailedAt, d.Payload,
			)
		}
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: archive batch item %d: %w", i, err)
		}
	}
	return nil
}

func (s *ArchiveStore) prune(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)

	if tag, err := s.pool.Exec(ctx,
		"DELETE FROM forwarded_opportunities WHERE forwarded_at < $1", cutoff); err != nil {
		s.log.Warn("forward archive prune failed", slog.Any("error", err))
	} else if tag.RowsAffected() > 0 {
		s.log.Info("forward archive pruned", slog.Int64("rows", tag.RowsAffected()))
	}

	if tag, err := s.pool.Exec(ctx,
		"DELETE FROM dead_letters WHERE failed_at < $1", cutoff); err != nil {
		s.log.Warn("dead letter prune failed", slog.Any("error", err))
	} else if tag.RowsAffected() > 0 {
		s.log.Info("dead letters pruned", slog.Int64("rows", tag.RowsAffected()))
	}
}

// RecentForwards returns the newest forwarding records, most recent first.
func (s *ArchiveStore) RecentForwards(ctx context.Context, limit int) ([]domain.ForwardRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT opportunity_id, chain, opp_type, profit_percentage,
		       stream, forwarded_by, forwarded_at, payload
		FROM forwarded_opportunities
		ORDER BY forwarded_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent forwards: %w", err)
	}
	defer rows.Close()

	var records []domain.ForwardRecord
	for rows.Next() {
		var r domain.ForwardRecord
		if err := rows.Scan(&r.OpportunityID, &r.Chain, &r.Type, &r.ProfitPercentage,
			&r.Stream, &r.ForwardedBy, &r.ForwardedAt, &r.Payload); err != nil {
			return nil, fmt.Errorf("postgres: scan forward record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: recent forwards rows: %w", err)
	}
	return records, nil
}

// RecentDeadLetters returns the newest dead-lettered records, most recent
// first.
func (s *ArchiveStore) RecentDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT opportunity_id, reason, service, instance_id,
		       target_stream, failed_at, payload
		FROM dead_letters
		ORDER BY failed_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent dead letters: %w", err)
	}
	defer rows.Close()

	var records []domain.DeadLetterRecord
	for rows.Next() {
		var r domain.DeadLetterRecord
		if err := rows.Scan(&r.OpportunityID, &r.Reason, &r.Service, &r.InstanceID,
			&r.TargetStream, &r.FailedAt, &r.Payload); err != nil {
			return nil, fmt.Errorf("postgres: scan dead letter record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: recent dead letters rows: %w", err)
	}
	return records, nil
}

var _ domain.ForwardArchive = (*ArchiveStore)(nil)
