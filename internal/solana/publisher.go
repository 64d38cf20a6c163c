package solana

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/trace"
)

// Publisher self-protection constants. After publishFailureThreshold
// consecutive exhausted publishes the publisher turns itself off for
// publishCooldown, so a dead broker doesn't burn every detection cycle on
// doomed retries.
const (
	publishMaxAttempts      = 3
	publishBaseDelay        = 50 * time.Millisecond
	publishFailureThreshold = 10
	publishCooldown         = 60 * time.Second
)

// PublisherStats is a point-in-time snapshot for the status surface.
type PublisherStats struct {
	Published           uint64    `json:"published"`
	Failed              uint64    `json:"failed"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Disabled            bool      `json:"disabled"`
	DisabledAt          time.Time `json:"disabledAt,omitzero"`
	CooldownUntil       time.Time `json:"cooldownUntil,omitzero"`
}

// Publisher hands detected opportunities to the coordinator's intake stream
// with bounded retries and a self-disable fuse.
type Publisher struct {
	bus     domain.StreamBus
	stream  string
	service string
	log     *slog.Logger
	pauses  chan<- domain.PublisherPause

	mu                  sync.Mutex
	consecutiveFailures int
	disabled            bool
	disabledAt          time.Time
	cooldownUntil       time.Time
	published           uint64
	failed              uint64

	baseDelay time.Duration
	now       func() time.Time
}

// NewPublisher returns a Publisher appending to stream. pauses may be nil;
// when set, self-disable events are sent without blocking.
func NewPublisher(bus domain.StreamBus, stream, service string, pauses chan<- domain.PublisherPause, log *slog.Logger) *Publisher {
	return &Publisher{
		bus:       bus,
		stream:    stream,
		service:   service,
		pauses:    pauses,
		log:       log.With(slog.String("component", "publisher")),
		baseDelay: publishBaseDelay,
		now:       time.Now,
	}
}

// Publish serializes and appends one opportunity. While the publisher is
// disabled it returns domain.ErrPublisherDisabled without touching the
// stream; once the cooldown elapses the next call resets state and proceeds.
func (p *Publisher) Publish(ctx context.Context, o domain.Opportunity) error {
	if err := p.gate(); err != nil {
		return err
	}

	fields := domain.EncodeStreamFields(o, p.now().UnixMilli())
	trace.New(p.service).Stamp(fields)

	var lastErr error
	for attempt := 1; attempt <= publishMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := p.bus.AppendWithLimit(ctx, p.stream, fields)
		if err == nil {
			p.recordSuccess()
			return nil
		}
		lastErr = err
		p.log.Warn("publish attempt failed",
			slog.String("opportunity", o.ID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))

		if attempt < publishMaxAttempts {
			delay := p.baseDelay << (attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	p.recordFailure()
	return fmt.Errorf("solana: publish opportunity %s: %w", o.ID, lastErr)
}

// gate enforces the disabled state, re-enabling after the cooldown.
func (p *Publisher) gate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.disabled {
		return nil
	}
	if p.now().Before(p.cooldownUntil) {
		return domain.ErrPublisherDisabled
	}
	p.disabled = false
	p.consecutiveFailures = 0
	p.log.Info("publisher re-enabled after cooldown")
	return nil
}

func (p *Publisher) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published++
	p.consecutiveFailures = 0
}

func (p *Publisher) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed++
	p.consecutiveFailures++
	if p.consecutiveFailures < publishFailureThreshold || p.disabled {
		return
	}

	now := p.now()
	p.disabled = true
	p.disabledAt = now
	p.cooldownUntil = now.Add(publishCooldown)
	p.log.Error("publisher disabled after consecutive failures",
		slog.Int("failures", p.consecutiveFailures),
		slog.Time("cooldownUntil", p.cooldownUntil))

	if p.pauses != nil {
		pause := domain.PublisherPause{
			ConsecutiveFailures: p.consecutiveFailures,
			DisabledAt:          now,
			CooldownUntil:       p.cooldownUntil,
		}
		select {
		case p.pauses <- pause:
		default:
		}
	}
}

// Stats snapshots the publisher.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublisherStats{
		Published:           p.published,
		Failed:              p.failed,
		ConsecutiveFailures: p.consecutiveFailures,
		Disabled:            p.disabled,
		DisabledAt:          p.disabledAt,
		CooldownUntil:       p.cooldownUntil,
	}
}
