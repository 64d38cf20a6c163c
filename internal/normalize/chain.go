// Package normalize canonicalizes chain names and token symbols coming from
// upstream detectors so that lookups and cross-venue comparisons line up.
package normalize

import "strings"

// canonicalChains is the closed set of chains the coordinator accepts.
var canonicalChains = map[string]struct{}{
	"ethereum":  {},
	"bsc":       {},
	"arbitrum":  {},
	"polygon":   {},
	"optimism":  {},
	"base":      {},
	"avalanche": {},
	"fantom":    {},
	"zksync":    {},
	"linea":     {},
	"solana":    {},
}

// chainAliases maps the shorthand names upstream emitters use to canonical
// chain names.
var chainAliases = map[string]string{
	"eth":        "ethereum",
	"mainnet":    "ethereum",
	"binance":    "bsc",
	"bnb":        "bsc",
	"arb":        "arbitrum",
	"arbi":       "arbitrum",
	"matic":      "polygon",
	"poly":       "polygon",
	"op":         "optimism",
	"avax":       "avalanche",
	"ftm":        "fantom",
	"zk":         "zksync",
	"zksync-era": "zksync",
	"sol":        "solana",
}

// Chain lowercases, trims and de-aliases a chain name. ok is false when the
// result is not in the canonical set.
func Chain(raw string) (string, bool) {
	c := strings.ToLower(strings.TrimSpace(raw))
	if alias, found := chainAliases[c]; found {
		c = alias
	}
	_, ok := canonicalChains[c]
	return c, ok
}

// IsCanonicalChain reports whether s is already a canonical chain name.
func IsCanonicalChain(s string) bool {
	_, ok := canonicalChains[s]
	return ok
}

// Chains returns the canonical chain set as a fresh slice.
func Chains() []string {
	out := make([]string, 0, len(canonicalChains))
	for c := range canonicalChains {
		out = append(out, c)
	}
	return out
}
