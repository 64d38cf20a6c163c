package solana

import (
	"math"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/normalize"
)

// defaultEvmFeeBps is assumed when an EVM quote does not carry its pool fee.
// 30 bps is the dominant tier across EVM DEXes.
const defaultEvmFeeBps = 30

// detectCrossChain compares recent EVM quotes against stored Solana pools for
// the same economic pair. Token symbols collapse liquid-staking variants so
// mSOL on Solana matches a SOL quote on Arbitrum. The cost model stacks both
// venues' trading fees, the bridge fee, gas on both legs and a latency risk
// premium; only spreads that clear all of it are emitted.
func (e *Engine) detectCrossChain(nowMs int64, updates []domain.PriceUpdate, st *scanStats) []domain.Opportunity {
	if len(updates) == 0 {
		return nil
	}

	evmByPair := make(map[string][]orientedQuote, len(updates))
	for _, u := range updates {
		if u.Chain == "" || u.Chain == e.chain {
			continue
		}
		if u.Price < minValidPrice || !isFinite(u.Price) {
			continue
		}
		if u.Timestamp > 0 && nowMs-u.Timestamp > e.cfg.PriceStalenessMs {
			st.stale++
			continue
		}
		t0 := e.norm.Symbol(u.Token0, normalize.CollapseStaking)
		t1 := e.norm.Symbol(u.Token1, normalize.CollapseStaking)
		if t0 == "" || t1 == "" || t0 == t1 {
			continue
		}
		pair, price := orientPair(t0, t1, u.Price)
		evmByPair[pair] = append(evmByPair[pair], orientedQuote{update: u, price: price})
	}
	if len(evmByPair) == 0 {
		return nil
	}

	var out []domain.Opportunity
	for _, pool := range e.usablePools(e.store.Snapshot(), nowMs, st) {
		t0 := e.norm.Symbol(pool.Token0.Symbol, normalize.CollapseStaking)
		t1 := e.norm.Symbol(pool.Token1.Symbol, normalize.CollapseStaking)
		if t0 == "" || t1 == "" || t0 == t1 {
			continue
		}
		pair, solPrice := orientPair(t0, t1, pool.Price)
		quotes, ok := evmByPair[pair]
		if !ok {
			continue
		}

		for _, q := range quotes {
			if opp, found := e.priceGap(pool, solPrice, q); found {
				out = append(out, opp)
			}
		}
	}
	return out
}

type orientedQuote struct {
	update domain.PriceUpdate
	price  float64
}

// priceGap nets one Solana pool against one EVM quote.
func (e *Engine) priceGap(pool domain.Pool, solPrice float64, q orientedQuote) (domain.Opportunity, bool) {
	rawDiffPct := (solPrice - q.price) / q.price * 100
	if !isFinite(rawDiffPct) {
		return domain.Opportunity{}, false
	}

	evmFeeBps := q.update.FeeBps
	if evmFeeBps <= 0 {
		evmFeeBps = defaultEvmFeeBps
	}

	gasUSD := e.evmGasUSD(q.update.Chain) + e.cfg.SolanaTxUSD
	totalCosts := float64(pool.FeeBps)/10000 +
		float64(evmFeeBps)/10000 +
		e.cfg.BridgeFee +
		gasUSD/e.cfg.DefaultTradeValueUSD +
		e.cfg.LatencyRiskPremium

	net := math.Abs(rawDiffPct)/100 - totalCosts
	netPct := net * 100
	if netPct < e.cfg.MinProfitThreshold {
		return domain.Opportunity{}, false
	}

	direction := DirectionBuyEVMSellSolana
	if solPrice < q.price {
		direction = DirectionBuySolanaSellEVM
	}
	return e.factory.CrossChain(pool, q.update, direction, netPct, gasUSD, e.cfg.DefaultTradeValueUSD), true
}

// evmGasUSD resolves the per-chain swap gas estimate in USD.
func (e *Engine) evmGasUSD(chain string) float64 {
	if usd, ok := e.cfg.EvmGasUSD[chain]; ok {
		return usd
	}
	return e.cfg.DefaultEvmGasUSD
}

// orientPair puts a two-sided quote into canonical pair orientation: the
// price is always quoted as second token per first, with tokens in lexical
// order, so quotes from venues with flipped token ordering compare directly.
func orientPair(t0, t1 string, price float64) (string, float64) {
	if t0 <= t1 {
		return domain.PairKey(t0, t1), price
	}
	return domain.PairKey(t0, t1), 1 / price
}
