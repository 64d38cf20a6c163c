package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbnet/coordinator/internal/breaker"
	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/normalize"
)

// maxEvmQuotes bounds the cross-chain quote buffer; stale quotes are pruned
// before the cap rejects anything.
const maxEvmQuotes = 10000

// Config tunes the detection engine.
type Config struct {
	MinProfitThreshold   float64 // percent
	MaxTriangularDepth   int
	PriceStalenessMs     int64
	PoolUpdateCooldownMs int64
	DefaultTradeValueUSD float64
	TriangularEnabled    bool
	CrossChainEnabled    bool
	BreakerThreshold     int
	BreakerCooldownMs    int64

	// Cross-chain cost model.
	BridgeFee          float64
	LatencyRiskPremium float64
	SolanaTxUSD        float64
	EvmGasUSD          map[string]float64
	DefaultEvmGasUSD   float64
}

// DetectionResult is one kernel scan's outcome.
type DetectionResult struct {
	Opportunities     []domain.Opportunity `json:"opportunities"`
	LatencyMs         int64                `json:"latencyMs"`
	StalePoolsSkipped int                  `json:"stalePoolsSkipped"`
	PathsExplored     int                  `json:"pathsExplored,omitempty"`
}

// scanStats accumulates per-scan counters inside the kernels.
type scanStats struct {
	stale int
	paths int
}

// EngineStats is a point-in-time snapshot for the status surface.
type EngineStats struct {
	Chain              string         `json:"chain"`
	Pools              PoolStoreStats `json:"pools"`
	EvmQuotes          int            `json:"evmQuotes"`
	Detections         uint64         `json:"detections"`
	OpportunitiesFound uint64         `json:"opportunitiesFound"`
	PoolsIngested      uint64         `json:"poolsIngested"`
	UpdatesRejected    uint64         `json:"updatesRejected"`
	AvgLatencyMs       float64        `json:"avgDetectionLatencyMs"`
	Breaker            breaker.Status `json:"breaker"`
	Publisher          PublisherStats `json:"publisher"`
	NormalizerCache    int            `json:"normalizerCache"`
}

// Engine ingests pool state for one chain, runs the detection kernels over
// it and hands findings to the publisher. Ingest handlers are safe for
// concurrent use; detection cycles are expected to run from one loop.
type Engine struct {
	chain     string
	cfg       Config
	store     *PoolStore
	factory   *Factory
	norm      *normalize.Normalizer
	brk       *breaker.Breaker
	publisher *Publisher
	shifts    chan<- domain.PriceShift
	log       *slog.Logger

	mu               sync.Mutex
	lastSet          map[string]int64 // per-address write cooldown
	quotes           map[string]domain.PriceUpdate
	quoteSeq         uint64
	lastScanVersion  uint64
	lastScanQuoteSeq uint64
	latencies        latencyWindow
	detections       uint64
	found            uint64
	poolsIngested    uint64
	updatesRejected  uint64
	teardowns        []func()

	now func() time.Time
}

// NewEngine builds an Engine for chain. publisher and shifts may be nil:
// detection then still works, findings just go nowhere but the caller.
func NewEngine(chain string, cfg Config, store *PoolStore, factory *Factory, norm *normalize.Normalizer, publisher *Publisher, shifts chan<- domain.PriceShift, log *slog.Logger) *Engine {
	if chain == "" {
		chain = "solana"
	}
	if cfg.MaxTriangularDepth < minCycleLen {
		cfg.MaxTriangularDepth = minCycleLen
	}
	if cfg.PoolUpdateCooldownMs < 0 {
		cfg.PoolUpdateCooldownMs = 0
	}
	if cfg.BreakerThreshold < 1 {
		cfg.BreakerThreshold = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		chain:     chain,
		cfg:       cfg,
		store:     store,
		factory:   factory,
		norm:      norm,
		brk:       breaker.New(cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldownMs)*time.Millisecond),
		publisher: publisher,
		shifts:    shifts,
		log:       log,
		lastSet:   make(map[string]int64),
		quotes:    make(map[string]domain.PriceUpdate),
		now:       time.Now,
	}
}

// Chain returns the chain this engine prices.
func (e *Engine) Chain() string { return e.chain }

// Store exposes the pool store for the control surface.
func (e *Engine) Store() *PoolStore { return e.store }

// AddPool runs one pool record through the ingest pipeline: chain check,
// per-address cooldown, symbol sanitation, validation, normalization, pair
// indexing and finally the store write. A price move on an already-known
// pool emits a PriceShift event.
func (e *Engine) AddPool(p domain.Pool) error {
	nowMs := e.now().UnixMilli()

	if p.Chain != "" {
		canonical, ok := normalize.Chain(p.Chain)
		if !ok || canonical != e.chain {
			return fmt.Errorf("solana: pool %s on chain %q: %w", p.Address, p.Chain, domain.ErrInvalidChain)
		}
	}
	p.Chain = e.chain

	if e.cfg.PoolUpdateCooldownMs > 0 {
		e.mu.Lock()
		last, seen := e.lastSet[p.Address]
		e.mu.Unlock()
		if seen && nowMs-last < e.cfg.PoolUpdateCooldownMs {
			return fmt.Errorf("solana: pool %s update within cooldown: %w", p.Address, domain.ErrRateLimited)
		}
	}

	p.Token0.Symbol = normalize.SanitizeSymbol(p.Token0.Symbol)
	p.Token1.Symbol = normalize.SanitizeSymbol(p.Token1.Symbol)
	if err := ValidatePool(p); err != nil {
		return err
	}

	p.NormalizedToken0 = e.norm.Symbol(p.Token0.Symbol, normalize.PreserveStaking)
	p.NormalizedToken1 = e.norm.Symbol(p.Token1.Symbol, normalize.PreserveStaking)
	if p.NormalizedToken0 == "" || p.NormalizedToken1 == "" {
		return fmt.Errorf("solana: pool %s symbols empty after normalization: %w", p.Address, domain.ErrInvalidPool)
	}
	p.Pair = domain.PairKey(p.NormalizedToken0, p.NormalizedToken1)
	if p.LastUpdated == 0 {
		p.LastUpdated = nowMs
	}

	prev, had := e.store.Get(p.Address)
	e.store.Set(p)

	e.mu.Lock()
	e.lastSet[p.Address] = nowMs
	e.poolsIngested++
	e.mu.Unlock()

	if had && prev.Price != p.Price && e.shifts != nil {
		shift := domain.PriceShift{
			PoolAddress: p.Address,
			Pair:        p.Pair,
			Dex:         p.Dex,
			OldPrice:    prev.Price,
			NewPrice:    p.Price,
			At:          e.now(),
		}
		select {
		case e.shifts <- shift:
		default:
		}
	}
	return nil
}

// HandlePoolUpdate adapts AddPool to the UpdateSource handler shape.
func (e *Engine) HandlePoolUpdate(p domain.Pool) {
	if err := e.AddPool(p); err != nil {
		e.rejectUpdate()
		e.log.Debug("pool update rejected", "address", p.Address, "error", err)
	}
}

// HandlePriceUpdate merges a lightweight price tick into the stored pool.
// Ticks for other chains or unknown pools are dropped; cross-chain quotes
// arrive through ObserveEVMQuote instead.
func (e *Engine) HandlePriceUpdate(u domain.PriceUpdate) {
	if u.Chain != "" {
		canonical, ok := normalize.Chain(u.Chain)
		if !ok || canonical != e.chain {
			e.rejectUpdate()
			e.log.Debug("price update for foreign chain dropped", "chain", u.Chain, "pool", u.PoolAddress)
			return
		}
	}
	pool, ok := e.store.Get(u.PoolAddress)
	if !ok {
		e.rejectUpdate()
		e.log.Debug("price update for unknown pool dropped", "pool", u.PoolAddress)
		return
	}

	pool.Price = u.Price
	if u.Reserve0 > 0 {
		pool.Reserve0 = u.Reserve0
	}
	if u.Reserve1 > 0 {
		pool.Reserve1 = u.Reserve1
	}
	if u.FeeBps > 0 {
		pool.FeeBps = u.FeeBps
	}
	if u.BlockNumber > 0 {
		pool.BlockNumber = u.BlockNumber
	}
	if u.Timestamp > 0 {
		pool.LastUpdated = u.Timestamp
	} else {
		pool.LastUpdated = 0 // AddPool stamps now
	}

	if err := e.AddPool(pool); err != nil {
		e.rejectUpdate()
		e.log.Debug("price update rejected", "pool", u.PoolAddress, "error", err)
	}
}

// HandlePoolRemoved drops the pool from the store.
func (e *Engine) HandlePoolRemoved(address string) {
	if e.store.Delete(address) {
		e.log.Debug("pool removed", "address", address)
	}
}

func (e *Engine) rejectUpdate() {
	e.mu.Lock()
	e.updatesRejected++
	e.mu.Unlock()
}

// ConnectToUpdates subscribes the engine to a live update source, tearing
// down any previous subscription first so handlers never double-fire.
func (e *Engine) ConnectToUpdates(src domain.UpdateSource) {
	e.Stop()
	removePool := src.OnPoolUpdate(e.HandlePoolUpdate)
	removePrice := src.OnPriceUpdate(e.HandlePriceUpdate)
	removeGone := src.OnPoolRemoved(e.HandlePoolRemoved)
	e.mu.Lock()
	e.teardowns = append(e.teardowns, removePool, removePrice, removeGone)
	e.mu.Unlock()
}

// Stop unsubscribes from the current update source, if any.
func (e *Engine) Stop() {
	e.mu.Lock()
	teardowns := e.teardowns
	e.teardowns = nil
	e.mu.Unlock()
	for _, f := range teardowns {
		f()
	}
}

// ObserveEVMQuote buffers a quote from another chain for cross-chain
// matching. Quotes for this engine's own chain are invalid here.
func (e *Engine) ObserveEVMQuote(u domain.PriceUpdate) error {
	canonical, ok := normalize.Chain(u.Chain)
	if !ok || canonical == e.chain {
		return fmt.Errorf("solana: evm quote chain %q: %w", u.Chain, domain.ErrInvalidChain)
	}
	if u.PoolAddress == "" || u.Price < minValidPrice || !isFinite(u.Price) {
		return fmt.Errorf("solana: evm quote %s/%s unpriceable: %w", u.Chain, u.PoolAddress, domain.ErrInvalidPool)
	}
	u.Chain = canonical
	nowMs := e.now().UnixMilli()
	if u.Timestamp == 0 {
		u.Timestamp = nowMs
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	key := canonical + "|" + u.PoolAddress
	if _, exists := e.quotes[key]; !exists && len(e.quotes) >= maxEvmQuotes {
		e.pruneQuotesLocked(nowMs)
		if len(e.quotes) >= maxEvmQuotes {
			return fmt.Errorf("solana: evm quote buffer full: %w", domain.ErrRateLimited)
		}
	}
	e.quotes[key] = u
	e.quoteSeq++
	return nil
}

// pruneQuotesLocked drops quotes past the staleness horizon. Caller holds
// e.mu.
func (e *Engine) pruneQuotesLocked(nowMs int64) {
	for k, q := range e.quotes {
		if nowMs-q.Timestamp > e.cfg.PriceStalenessMs {
			delete(e.quotes, k)
		}
	}
}

func (e *Engine) evmQuotes() []domain.PriceUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.PriceUpdate, 0, len(e.quotes))
	for _, q := range e.quotes {
		out = append(out, q)
	}
	return out
}

// DetectIntraDex scans for same-pair spreads across Solana DEXes.
func (e *Engine) DetectIntraDex(ctx context.Context) (DetectionResult, error) {
	return e.detect(ctx, "intra-dex", func(nowMs int64, st *scanStats) []domain.Opportunity {
		return e.detectIntraDex(nowMs, st)
	})
}

// DetectTriangular scans for profitable cycles through the pool graph.
func (e *Engine) DetectTriangular(ctx context.Context) (DetectionResult, error) {
	return e.detect(ctx, "triangular", func(nowMs int64, st *scanStats) []domain.Opportunity {
		return e.detectTriangular(nowMs, st)
	})
}

// DetectCrossChain nets stored pools against the buffered EVM quotes.
func (e *Engine) DetectCrossChain(ctx context.Context) (DetectionResult, error) {
	updates := e.evmQuotes()
	return e.detect(ctx, "cross-chain", func(nowMs int64, st *scanStats) []domain.Opportunity {
		return e.detectCrossChain(nowMs, updates, st)
	})
}

// detect wraps one kernel scan with the circuit breaker and latency
// accounting. A panicking kernel must not take the engine down: the panic is
// absorbed into an error and the breaker records the failure.
func (e *Engine) detect(ctx context.Context, kind string, fn func(int64, *scanStats) []domain.Opportunity) (res DetectionResult, err error) {
	if cerr := ctx.Err(); cerr != nil {
		return DetectionResult{}, cerr
	}
	if !e.brk.Allow() {
		e.log.Warn("detection circuit open, scan skipped", "kind", kind)
		return DetectionResult{}, domain.ErrBreakerOpen
	}

	start := e.now()
	defer func() {
		if p := recover(); p != nil {
			e.brk.RecordFailure()
			err = fmt.Errorf("solana: %s detection: panic: %v", kind, p)
			res = DetectionResult{}
			e.log.Error("detection kernel panicked", "kind", kind, "error", err)
		}
	}()

	var st scanStats
	opps := fn(start.UnixMilli(), &st)
	latency := e.now().Sub(start).Milliseconds()
	e.brk.RecordSuccess()

	e.mu.Lock()
	e.detections++
	e.found += uint64(len(opps))
	e.latencies.add(latency)
	e.mu.Unlock()

	if len(opps) > 0 {
		e.log.Info("detection scan finished",
			"kind", kind, "opportunities", len(opps),
			"latencyMs", latency, "staleSkipped", st.stale)
	}
	return DetectionResult{
		Opportunities:     opps,
		LatencyMs:         latency,
		StalePoolsSkipped: st.stale,
		PathsExplored:     st.paths,
	}, nil
}

// DetectAndPublish runs one full detection cycle across the enabled kernels
// and hands every finding to the publisher. The cycle is skipped outright
// when neither the pool store nor the quote buffer changed since the last
// one. Returns the number of opportunities published.
func (e *Engine) DetectAndPublish(ctx context.Context) (int, error) {
	version := e.store.Version()
	e.mu.Lock()
	seq := e.quoteSeq
	unchanged := version == e.lastScanVersion && seq == e.lastScanQuoteSeq
	e.mu.Unlock()
	if unchanged {
		return 0, nil
	}

	var all []domain.Opportunity
	collect := func(res DetectionResult, err error) error {
		if err != nil {
			if errors.Is(err, domain.ErrBreakerOpen) {
				return nil // detect already logged the skip
			}
			return err
		}
		all = append(all, res.Opportunities...)
		return nil
	}

	var firstErr error
	if err := collect(e.DetectIntraDex(ctx)); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.cfg.TriangularEnabled {
		if err := collect(e.DetectTriangular(ctx)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.cfg.CrossChainEnabled {
		if err := collect(e.DetectCrossChain(ctx)); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	published := 0
	if e.publisher != nil {
		for _, o := range all {
			err := e.publisher.Publish(ctx, o)
			if err == nil {
				published++
				continue
			}
			if errors.Is(err, domain.ErrPublisherDisabled) || ctx.Err() != nil {
				break
			}
		}
	}

	e.mu.Lock()
	e.lastScanVersion = version
	e.lastScanQuoteSeq = seq
	e.mu.Unlock()
	return published, firstErr
}

// Run drives periodic detection cycles until ctx is canceled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.DetectAndPublish(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.log.Warn("detection cycle failed", "error", err)
			}
		}
	}
}

// BreakerStatus snapshots the detection circuit breaker.
func (e *Engine) BreakerStatus() breaker.Status {
	return e.brk.Status()
}

// Stats snapshots the engine for the status surface.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	st := EngineStats{
		Chain:              e.chain,
		EvmQuotes:          len(e.quotes),
		Detections:         e.detections,
		OpportunitiesFound: e.found,
		PoolsIngested:      e.poolsIngested,
		UpdatesRejected:    e.updatesRejected,
		AvgLatencyMs:       e.latencies.avg(),
	}
	e.mu.Unlock()

	st.Pools = e.store.Stats()
	st.Breaker = e.brk.Status()
	if e.publisher != nil {
		st.Publisher = e.publisher.Stats()
	}
	st.NormalizerCache = e.norm.CacheLen()
	return st
}

// latencyWindow is a fixed ring of recent detection latencies.
type latencyWindow struct {
	samples [64]int64
	n       int
	idx     int
}

func (w *latencyWindow) add(ms int64) {
	w.samples[w.idx] = ms
	w.idx = (w.idx + 1) % len(w.samples)
	if w.n < len(w.samples) {
		w.n++
	}
}

func (w *latencyWindow) avg() float64 {
	if w.n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < w.n; i++ {
		sum += w.samples[i]
	}
	return float64(sum) / float64(w.n)
}
