package solana_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/solana"
)

func TestFactoryIDFormat(t *testing.T) {
	f := solana.NewFactory(30*time.Second, 10)
	buy := storedPool("orca:sol-usdc:0", "SOL-USDC", 1)
	sell := storedPool("raydium:sol-usdc:0", "SOL-USDC", 1)

	idPattern := regexp.MustCompile(`^sol-intra-solana-[0-9a-f]{8}-[0-9a-z]+$`)
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		o := f.IntraDex(buy, sell, 1.0, 0.01, 1000)
		assert.Regexp(t, idPattern, o.ID)
		_, dup := seen[o.ID]
		require.False(t, dup, "id %s minted twice", o.ID)
		seen[o.ID] = struct{}{}
	}
}

func TestFactoryIntraDexFields(t *testing.T) {
	f := solana.NewFactory(30*time.Second, 10)
	buy := domain.Pool{
		Address:          "orca:sol-usdc:0",
		Dex:              "orca",
		NormalizedToken0: "SOL",
		NormalizedToken1: "USDC",
		Price:            100,
	}
	sell := domain.Pool{
		Address:          "raydium:sol-usdc:0",
		Dex:              "raydium",
		NormalizedToken0: "SOL",
		NormalizedToken1: "USDC",
		Price:            102,
	}

	o := f.IntraDex(buy, sell, 1.4, 0.01, 1000)

	assert.Equal(t, domain.TypeIntraSolana, o.Type)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Equal(t, "solana", o.Chain)
	assert.Equal(t, "orca", o.BuyDex)
	assert.Equal(t, "raydium", o.SellDex)
	assert.Equal(t, buy.Address, o.BuyPair)
	assert.Equal(t, sell.Address, o.SellPair)
	assert.Equal(t, "SOL", o.TokenIn)
	assert.Equal(t, "USDC", o.TokenOut)
	assert.Equal(t, "1000", o.AmountIn)
	assert.Equal(t, 100.0, o.BuyPrice)
	assert.Equal(t, 102.0, o.SellPrice)
	assert.InDelta(t, 1.4, o.ProfitPercentage, 1e-12)
	assert.InDelta(t, 0.85, o.Confidence, 1e-12)
	assert.Equal(t, o.Timestamp+30_000, o.ExpiresAt)
	assert.Equal(t, o.Timestamp, o.PipelineTimestamps["detectedAt"])
}

func TestFactoryTriangularPathMapping(t *testing.T) {
	f := solana.NewFactory(30*time.Second, 10)
	first := domain.Pool{Address: "orca:sol-usdc:0", Dex: "orca", Price: 100}
	mid := domain.Pool{Address: "raydium:usdc-jup:0", Dex: "raydium", Price: 0.05}
	last := domain.Pool{Address: "meteora:jup-sol:0", Dex: "meteora", Price: 0.21}

	o := f.Triangular([]string{"SOL", "USDC", "JUP"}, []domain.Pool{first, mid, last}, 4.7, 0.01, 1000)

	assert.Equal(t, domain.TypeTriangular, o.Type)
	assert.Equal(t, []string{"SOL", "USDC", "JUP"}, o.Path)
	assert.Equal(t, "SOL", o.TokenIn)
	assert.Equal(t, "SOL", o.TokenOut, "a cycle ends where it starts")
	assert.Equal(t, "orca", o.BuyDex)
	assert.Equal(t, "meteora", o.SellDex)
	assert.Equal(t, first.Address, o.BuyPair)
	assert.Equal(t, last.Address, o.SellPair)
	assert.InDelta(t, 0.75, o.Confidence, 1e-12)
	assert.Equal(t, o.Timestamp+30_000, o.ExpiresAt)
}

func TestFactoryCrossChainDirectionAndExpiry(t *testing.T) {
	f := solana.NewFactory(30*time.Second, 10)
	sol := domain.Pool{
		Address:          "orca:msol-usdc:0",
		Dex:              "orca",
		NormalizedToken0: "MSOL",
		NormalizedToken1: "USDC",
		Price:            100,
	}
	evm := domain.PriceUpdate{
		Chain:       "arbitrum",
		Dex:         "uniswap-v3",
		PoolAddress: "0x1f98431c8ad98523631ae4a59f267346ea31f984",
		Price:       110,
	}

	o := f.CrossChain(sol, evm, solana.DirectionBuySolanaSellEVM, 8.18, 0.11, 1000)
	assert.Equal(t, domain.TypeCrossChain, o.Type)
	assert.Equal(t, "solana", o.Chain)
	assert.Equal(t, "solana", o.SourceChain)
	assert.Equal(t, "arbitrum", o.TargetChain)
	assert.Equal(t, "orca", o.BuyDex)
	assert.Equal(t, "uniswap-v3", o.SellDex)
	assert.Equal(t, sol.Address, o.BuyPair)
	assert.Equal(t, evm.PoolAddress, o.SellPair)
	assert.InDelta(t, 0.60, o.Confidence, 1e-12)
	// Cross-chain settles slowly: 30s base expiry stretched by factor 10.
	assert.Equal(t, o.Timestamp+300_000, o.ExpiresAt)

	rev := f.CrossChain(sol, evm, solana.DirectionBuyEVMSellSolana, 8.18, 0.11, 1000)
	assert.Equal(t, "arbitrum", rev.Chain)
	assert.Equal(t, "arbitrum", rev.SourceChain)
	assert.Equal(t, "solana", rev.TargetChain)
	assert.Equal(t, "uniswap-v3", rev.BuyDex)
	assert.Equal(t, "orca", rev.SellDex)
	assert.Equal(t, evm.PoolAddress, rev.BuyPair)
	assert.Equal(t, sol.Address, rev.SellPair)
}
