package domain

import "strings"

// TokenInfo identifies one side of a liquidity pool.
type TokenInfo struct {
	Mint     string
	Symbol   string
	Decimals int
}

// Pool is a snapshot of one DEX liquidity pool. Price is quoted as token1
// per token0. NormalizedToken0/1 and Pair are filled in at ingest so the
// detection kernels never re-normalize.
type Pool struct {
	Address          string
	ProgramID        string
	Dex              string
	Chain            string
	Token0           TokenInfo
	Token1           TokenInfo
	NormalizedToken0 string
	NormalizedToken1 string
	Pair             string
	FeeBps           int
	Reserve0         float64
	Reserve1         float64
	Price            float64
	BlockNumber      int64
	LastUpdated      int64 // unix ms
}

// PairKey builds the order-independent lookup key for two normalized token
// symbols.
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "-" + b
}

// StaleAt reports whether the pool's last update is older than maxAgeMs at
// nowMs.
func (p Pool) StaleAt(nowMs, maxAgeMs int64) bool {
	return nowMs-p.LastUpdated > maxAgeMs
}
