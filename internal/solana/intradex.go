package solana

import (
	"sort"

	"github.com/arbnet/coordinator/internal/domain"
)

// maxComparisonsPerPair caps pairwise pool comparisons within one pair so a
// heavily fragmented pair (hundreds of pools) cannot stall a detection cycle.
const maxComparisonsPerPair = 500

// detectIntraDex scans every pair with at least two live pools for a price
// spread that survives both pools' fees. Buy side is always the cheaper pool.
func (e *Engine) detectIntraDex(nowMs int64, st *scanStats) []domain.Opportunity {
	pairs := e.store.Pairs()
	sort.Strings(pairs)

	threshold := e.cfg.MinProfitThreshold / 100
	var out []domain.Opportunity

	for _, pair := range pairs {
		pools := e.usablePools(e.store.PoolsForPair(pair), nowMs, st)
		if len(pools) < 2 {
			continue
		}
		sort.Slice(pools, func(i, j int) bool { return pools[i].Address < pools[j].Address })

		comparisons := 0
		for i := 0; i < len(pools) && comparisons < maxComparisonsPerPair; i++ {
			for j := i + 1; j < len(pools); j++ {
				comparisons++
				if comparisons > maxComparisonsPerPair {
					break
				}

				buy, sell := pools[i], pools[j]
				if buy.Price > sell.Price {
					buy, sell = sell, buy
				}
				if buy.Price < minValidPrice {
					continue
				}

				gross := (sell.Price - buy.Price) / buy.Price
				fees := float64(buy.FeeBps+sell.FeeBps) / 10000
				net := gross - fees
				if !isFinite(net) || net < threshold {
					continue
				}

				out = append(out, e.factory.IntraDex(
					buy, sell,
					net*100,
					e.cfg.SolanaTxUSD,
					e.cfg.DefaultTradeValueUSD,
				))
			}
		}
		if comparisons >= maxComparisonsPerPair {
			e.log.Warn("comparison cap hit, pair scan aborted",
				"pair", pair, "pools", len(pools), "cap", maxComparisonsPerPair)
		}
	}
	return out
}

// usablePools filters out stale and unpriceable pools before any kernel
// math, counting the stale ones into the scan stats.
func (e *Engine) usablePools(pools []domain.Pool, nowMs int64, st *scanStats) []domain.Pool {
	out := pools[:0]
	for _, p := range pools {
		if p.Price < minValidPrice || !isFinite(p.Price) {
			continue
		}
		if p.StaleAt(nowMs, e.cfg.PriceStalenessMs) {
			st.stale++
			continue
		}
		out = append(out, p)
	}
	return out
}
