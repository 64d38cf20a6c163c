package normalize

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/lru"
)

// Mode selects how aggressively Symbol folds token variants together.
type Mode int

const (
	// PreserveStaking unwraps wrapped tokens but keeps liquid-staking
	// derivatives distinct. Used for same-chain pricing, where mSOL and SOL
	// really do trade at different prices.
	PreserveStaking Mode = iota
	// CollapseStaking additionally folds liquid-staking derivatives into
	// their underlying asset. Used for cross-chain matching, where the
	// venues quote different representations of the same economic asset.
	CollapseStaking
)

// wrappedAliases folds wrapped representations into the underlying symbol.
var wrappedAliases = map[string]string{
	"WETH":   "ETH",
	"WBTC":   "BTC",
	"WSOL":   "SOL",
	"WMATIC": "MATIC",
	"WPOL":   "MATIC",
	"WBNB":   "BNB",
	"WAVAX":  "AVAX",
	"WFTM":   "FTM",
}

// stakingAliases folds liquid-staking derivatives into the underlying asset.
var stakingAliases = map[string]string{
	"MSOL":    "SOL",
	"JITOSOL": "SOL",
	"BSOL":    "SOL",
	"STSOL":   "SOL",
	"STETH":   "ETH",
	"WSTETH":  "ETH",
	"RETH":    "ETH",
	"CBETH":   "ETH",
}

const maxSymbolLen = 20

// SanitizeSymbol strips characters outside [A-Za-z0-9.-] and truncates to 20
// characters. Upstream symbols come from on-chain metadata and cannot be
// trusted to be printable.
func SanitizeSymbol(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		}
		if b.Len() >= maxSymbolLen {
			break
		}
	}
	return b.String()
}

// Normalizer canonicalizes token symbols with a shared LRU cache. One
// instance is shared between ingest and the detection kernels.
type Normalizer struct {
	cache *lru.Cache[string, string]
}

// NewNormalizer returns a Normalizer backed by an LRU of cacheSize entries.
func NewNormalizer(cacheSize int) *Normalizer {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	return &Normalizer{cache: lru.NewCache[string, string](cacheSize)}
}

// Symbol sanitizes, uppercases and de-aliases a raw token symbol under the
// given mode. Results are memoized per (mode, raw) pair.
func (n *Normalizer) Symbol(raw string, mode Mode) string {
	key := cacheKey(raw, mode)
	if v, ok := n.cache.Get(key); ok {
		return v
	}
	v := normalizeSymbol(raw, mode)
	n.cache.Add(key, v)
	return v
}

// CacheLen reports the current number of memoized entries.
func (n *Normalizer) CacheLen() int {
	return n.cache.Len()
}

func cacheKey(raw string, mode Mode) string {
	if mode == CollapseStaking {
		return "c:" + raw
	}
	return "p:" + raw
}

func normalizeSymbol(raw string, mode Mode) string {
	s := strings.ToUpper(SanitizeSymbol(raw))
	if alias, ok := wrappedAliases[s]; ok {
		s = alias
	}
	if mode == CollapseStaking {
		if alias, ok := stakingAliases[s]; ok {
			s = alias
		}
	}
	return s
}
