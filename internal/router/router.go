// Package router implements the opportunity router: it ingests opportunity
// records from the detection side of the pipeline, deduplicates and validates
// them, retains a bounded working set, and forwards actionable ones to the
// execution engine's stream behind a circuit breaker with dead-letter
// fallback.
package router

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arbnet/coordinator/internal/breaker"
	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/normalize"
	"github.com/arbnet/coordinator/internal/trace"
)

// serviceName identifies this service in forwarded entries, DLQ records and
// trace spans.
const serviceName = "opportunity-router"

const (
	// consecutiveExpiredWarn is the run length of back-to-back expired
	// opportunities that first triggers a clock-skew/backlog warning; the
	// warning then repeats every consecutiveExpiredRepeat while the run
	// continues.
	consecutiveExpiredWarn   = 20
	consecutiveExpiredRepeat = 100
)

// Config tunes the router's validation, dedup, retention and forwarding.
type Config struct {
	MaxOpportunities     int
	DuplicateWindowMs    int64
	MinProfitPercentage  float64
	MaxProfitPercentage  float64
	OpportunityTTLMs     int64
	ChainTTLMs           map[string]int64
	MaxRetries           int
	RetryBaseDelayMs     int64
	StartupGracePeriodMs int64
	BreakerThreshold     int
	BreakerCooldownMs    int64
	ExecutionStream      string
	ExecutionMaxLen      int64
	DLQStream            string
	InstanceID           string
}

// Stats is a point-in-time snapshot of the router counters.
type Stats struct {
	Size                 int    `json:"size"`
	TotalOpportunities   uint64 `json:"totalOpportunities"`
	TotalExecutions      uint64 `json:"totalExecutions"`
	OpportunitiesDropped uint64 `json:"opportunitiesDropped"`
	DuplicatesRejected   uint64 `json:"duplicatesRejected"`
	ValidationRejected   uint64 `json:"validationRejected"`
	Evicted              uint64 `json:"evicted"`
	ConsecutiveExpired   int    `json:"consecutiveExpired"`
}

// Router holds the bounded working set of opportunities and drives the
// forwarding path. All exported methods are safe for concurrent use, though
// the ingest loop is expected to call Process sequentially so that stream
// order is preserved end to end.
type Router struct {
	cfg     Config
	bus     domain.StreamBus
	brk     *breaker.Breaker
	dlq     *FallbackWriter
	archive domain.ForwardArchive
	alerts  chan<- domain.Alert
	log     *slog.Logger

	mu                 sync.Mutex
	byID               map[string]*list.Element
	order              *list.List // of *domain.Opportunity, oldest insertion at front
	totalIngested      uint64
	totalExecutions    uint64
	dropped            uint64
	duplicates         uint64
	rejected           uint64
	evicted            uint64
	consecutiveExpired int

	createdAt    time.Time
	shutdown     chan struct{}
	shutdownOnce sync.Once

	now func() time.Time
}

// New builds a Router. bus, dlq, archive and alerts may each be nil: a nil
// bus disables forwarding (records are still stored), a nil dlq loses dead
// letters when the DLQ stream is unreachable, a nil archive skips the audit
// log and a nil alerts channel drops operational alerts.
func New(cfg Config, bus domain.StreamBus, dlq *FallbackWriter, archive domain.ForwardArchive, alerts chan<- domain.Alert, log *slog.Logger) *Router {
	if cfg.MaxOpportunities < 1 {
		cfg.MaxOpportunities = 1000
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelayMs < 1 {
		cfg.RetryBaseDelayMs = 10
	}
	if cfg.BreakerThreshold < 1 {
		cfg.BreakerThreshold = 5
	}
	if cfg.ExecutionStream == "" {
		cfg.ExecutionStream = domain.StreamExecutionRequests
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = domain.StreamForwardingDLQ
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		cfg:       cfg,
		bus:       bus,
		brk:       breaker.New(cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldownMs)*time.Millisecond),
		dlq:       dlq,
		archive:   archive,
		alerts:    alerts,
		log:       log,
		byID:      make(map[string]*list.Element),
		order:     list.New(),
		createdAt: time.Now(),
		shutdown:  make(chan struct{}),
		now:       time.Now,
	}
}

// Process runs one wire record through the ingest pipeline: identity and
// duplicate checks, bounds validation, chain normalization, retention, and,
// when this instance holds the lease and the record is still actionable,
// forwarding to the execution stream. It returns true once the record has
// been stored, regardless of the forwarding outcome.
func (r *Router) Process(ctx context.Context, w domain.WireOpportunity, isLeader bool, tc *trace.Context) bool {
	nowMs := r.now().UnixMilli()

	if w.ID == "" {
		r.log.Debug("opportunity without id dropped")
		return false
	}

	ts := nowMs
	if w.Timestamp != nil {
		ts = *w.Timestamp
	}

	r.mu.Lock()

	if el, ok := r.byID[w.ID]; ok {
		prev := el.Value.(*domain.Opportunity)
		if delta := ts - prev.Timestamp; delta > -r.cfg.DuplicateWindowMs && delta < r.cfg.DuplicateWindowMs {
			r.duplicates++
			r.mu.Unlock()
			r.log.Debug("duplicate opportunity ignored", "id", w.ID, "deltaMs", delta)
			return false
		}
	}

	if w.ProfitPercentage != nil {
		if p := *w.ProfitPercentage; p < r.cfg.MinProfitPercentage || p > r.cfg.MaxProfitPercentage {
			r.rejected++
			r.mu.Unlock()
			r.log.Warn("opportunity outside profit bounds",
				"id", w.ID,
				"profitPct", p,
				"min", r.cfg.MinProfitPercentage,
				"max", r.cfg.MaxProfitPercentage)
			return false
		}
	}

	chain := ""
	if w.Chain != "" {
		canonical, ok := normalize.Chain(w.Chain)
		if !ok {
			r.rejected++
			r.mu.Unlock()
			r.log.Warn("opportunity on unknown chain rejected", "id", w.ID, "chain", w.Chain)
			return false
		}
		chain = canonical
	}

	o := w.Decode(nowMs)
	o.Chain = chain
	if o.TokenIn == "" {
		o.TokenIn = o.Token0
	}
	if o.TokenOut == "" {
		o.TokenOut = o.Token1
	}

	r.upsert(&o)

	// Expiry gate: already-stale records are retained for inspection but
	// never forwarded. A long run of them means the detectors' clocks are
	// off or this consumer is chewing through an old backlog.
	if o.ExpiresAt > 0 && o.ExpiresAt < nowMs {
		r.consecutiveExpired++
		n := r.consecutiveExpired
		r.mu.Unlock()
		if n == consecutiveExpiredWarn || (n > consecutiveExpiredWarn && (n-consecutiveExpiredWarn)%consecutiveExpiredRepeat == 0) {
			r.log.Warn("consecutive expired opportunities",
				"count", n, "id", o.ID, "expiresAt", o.ExpiresAt, "now", nowMs)
		} else {
			r.log.Debug("expired opportunity stored without forwarding", "id", o.ID)
		}
		return true
	}
	if n := r.consecutiveExpired; n > 0 {
		r.consecutiveExpired = 0
		r.mu.Unlock()
		r.log.Info("fresh opportunity after expired run", "id", o.ID, "expiredRun", n)
	} else {
		r.mu.Unlock()
	}

	if !isLeader {
		r.log.Debug("not leader, stored without forwarding", "id", o.ID)
		return true
	}
	if o.Status != domain.StatusPending {
		r.log.Debug("status not pending, stored without forwarding", "id", o.ID, "status", string(o.Status))
		return true
	}

	r.Forward(ctx, o, tc)
	return true
}

// upsert stores o under its id, evicting the oldest entries once the working
// set exceeds the configured bound. Caller holds r.mu.
func (r *Router) upsert(o *domain.Opportunity) {
	if el, ok := r.byID[o.ID]; ok {
		el.Value = o
		r.order.MoveToBack(el)
	} else {
		r.byID[o.ID] = r.order.PushBack(o)
		for r.order.Len() > r.cfg.MaxOpportunities {
			front := r.order.Front()
			old := front.Value.(*domain.Opportunity)
			r.order.Remove(front)
			delete(r.byID, old.ID)
			r.evicted++
		}
	}
	r.totalIngested++
}

// Opportunity returns the stored record for id.
func (r *Router) Opportunity(id string) (domain.Opportunity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.byID[id]
	if !ok {
		return domain.Opportunity{}, false
	}
	return *el.Value.(*domain.Opportunity), true
}

// Opportunities returns up to limit records, newest first. A non-positive
// limit returns the whole working set.
func (r *Router) Opportunities(limit int) []domain.Opportunity {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.order.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Opportunity, 0, n)
	for el := r.order.Back(); el != nil && len(out) < n; el = el.Prev() {
		out = append(out, *el.Value.(*domain.Opportunity))
	}
	return out
}

// Size returns the current working-set size.
func (r *Router) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Stats snapshots the router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Size:                 r.order.Len(),
		TotalOpportunities:   r.totalIngested,
		TotalExecutions:      r.totalExecutions,
		OpportunitiesDropped: r.dropped,
		DuplicatesRejected:   r.duplicates,
		ValidationRejected:   r.rejected,
		Evicted:              r.evicted,
		ConsecutiveExpired:   r.consecutiveExpired,
	}
}

// BreakerStatus snapshots the forwarding circuit breaker.
func (r *Router) BreakerStatus() breaker.Status {
	return r.brk.Status()
}

// ConsecutiveExpired returns the current run length of expired ingests. The
// consumer loop uses it to decide when to abandon a stale backlog.
func (r *Router) ConsecutiveExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveExpired
}

// ResetConsecutiveExpired clears the expired-run counter after the consumer
// has skipped to the live end of the stream.
func (r *Router) ResetConsecutiveExpired() {
	r.mu.Lock()
	r.consecutiveExpired = 0
	r.mu.Unlock()
}

// Shutdown flags the router to stop forwarding. In-flight retry loops abort
// at their next checkpoint and count the record as dropped.
func (r *Router) Shutdown() {
	r.shutdownOnce.Do(func() { close(r.shutdown) })
}

func (r *Router) isShuttingDown() bool {
	select {
	case <-r.shutdown:
		return true
	default:
		return false
	}
}

func (r *Router) addDropped(n uint64) {
	r.mu.Lock()
	r.dropped += n
	r.mu.Unlock()
}

func (r *Router) addExecutions(n uint64) {
	r.mu.Lock()
	r.totalExecutions += n
	r.mu.Unlock()
}

func (r *Router) alert(a domain.Alert) {
	if r.alerts == nil {
		return
	}
	a.At = r.now()
	select {
	case r.alerts <- a:
	default:
		r.log.Warn("alert channel full, alert dropped", "type", a.Type)
	}
}
