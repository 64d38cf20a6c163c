package solana

import (
	"fmt"
	"math"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/arbnet/coordinator/internal/domain"
)

// minValidPrice is the smallest pool price treated as a real quote. Anything
// below is a dust artifact or a division blowup upstream.
const minValidPrice = 1e-12

// maxFeeBps caps pool fees at 100%.
const maxFeeBps = 10000

// ValidAddress accepts real Solana addresses (base58, 32-44 chars decoding
// to a 32-byte key) plus the colon-separated synthetic ids the integration
// fixtures use ("dex:pair:0").
func ValidAddress(addr string) bool {
	if addr == "" {
		return false
	}
	if strings.Contains(addr, ":") {
		parts := strings.Split(addr, ":")
		for _, p := range parts {
			if p == "" {
				return false
			}
		}
		return len(parts) >= 2
	}
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return false
	}
	return len(raw) == 32
}

// ValidatePool rejects pool records the kernels cannot price safely.
func ValidatePool(p domain.Pool) error {
	if !ValidAddress(p.Address) {
		return fmt.Errorf("solana: pool address %q: %w", p.Address, domain.ErrInvalidPool)
	}
	if p.Token0.Symbol == "" || p.Token1.Symbol == "" {
		return fmt.Errorf("solana: pool %s missing token symbols: %w", p.Address, domain.ErrInvalidPool)
	}
	if p.FeeBps < 0 || p.FeeBps > maxFeeBps {
		return fmt.Errorf("solana: pool %s fee %d out of range: %w", p.Address, p.FeeBps, domain.ErrInvalidPool)
	}
	if p.Price < minValidPrice || !isFinite(p.Price) {
		return fmt.Errorf("solana: pool %s price %g invalid: %w", p.Address, p.Price, domain.ErrInvalidPool)
	}
	if p.Reserve0 < 0 || p.Reserve1 < 0 {
		return fmt.Errorf("solana: pool %s negative reserves: %w", p.Address, domain.ErrInvalidPool)
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
