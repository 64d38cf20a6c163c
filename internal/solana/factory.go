package solana

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arbnet/coordinator/internal/domain"
)

// Detection confidence by kind. Intra-DEX needs one venue and two legs;
// triangular adds path risk; cross-chain adds bridge and latency risk.
const (
	confidenceIntraDex   = 0.85
	confidenceTriangular = 0.75
	confidenceCrossChain = 0.60
)

// Factory mints opportunities with process-unique ids. The id format is
// sol-<type>-<prefix>-<seq> where prefix is per-process and seq is a base36
// counter, so ids stay unique across restarts and replicas without
// coordination.
type Factory struct {
	prefix           string
	counter          atomic.Uint64
	expiry           time.Duration
	crossChainFactor float64
	now              func() time.Time
}

// NewFactory returns a Factory whose opportunities expire after expiry
// (cross-chain ones after expiry times crossChainFactor).
func NewFactory(expiry time.Duration, crossChainFactor float64) *Factory {
	if crossChainFactor <= 0 {
		crossChainFactor = 1
	}
	return &Factory{
		prefix:           strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		expiry:           expiry,
		crossChainFactor: crossChainFactor,
		now:              time.Now,
	}
}

func (f *Factory) nextID(kind string) string {
	n := f.counter.Add(1)
	return "sol-" + kind + "-" + f.prefix + "-" + strconv.FormatUint(n, 36)
}

// IntraDex builds an opportunity for buying on the cheaper pool and selling
// on the dearer one within the same pair.
func (f *Factory) IntraDex(buy, sell domain.Pool, netProfitPct, estGasUSD, tradeValueUSD float64) domain.Opportunity {
	nowMs := f.now().UnixMilli()
	return domain.Opportunity{
		ID:               f.nextID(domain.TypeIntraSolana),
		Type:             domain.TypeIntraSolana,
		Status:           domain.StatusPending,
		Chain:            "solana",
		BuyDex:           buy.Dex,
		SellDex:          sell.Dex,
		BuyPair:          buy.Address,
		SellPair:         sell.Address,
		Token0:           buy.NormalizedToken0,
		Token1:           buy.NormalizedToken1,
		TokenIn:          buy.NormalizedToken0,
		TokenOut:         buy.NormalizedToken1,
		AmountIn:         formatTradeValue(tradeValueUSD),
		BuyPrice:         buy.Price,
		SellPrice:        sell.Price,
		ProfitPercentage: netProfitPct,
		Confidence:       confidenceIntraDex,
		EstimatedGasCost: estGasUSD,
		Timestamp:        nowMs,
		ExpiresAt:        nowMs + f.expiry.Milliseconds(),
		PipelineTimestamps: map[string]int64{
			"detectedAt": nowMs,
		},
	}
}

// Triangular builds an opportunity for a profitable cycle. tokens is the
// open path (the start token is implied as the final destination); pools are
// the hops in order, including the closing one.
func (f *Factory) Triangular(tokens []string, pools []domain.Pool, netProfitPct, estGasUSD, tradeValueUSD float64) domain.Opportunity {
	nowMs := f.now().UnixMilli()
	o := domain.Opportunity{
		ID:               f.nextID(domain.TypeTriangular),
		Type:             domain.TypeTriangular,
		Status:           domain.StatusPending,
		Chain:            "solana",
		AmountIn:         formatTradeValue(tradeValueUSD),
		ProfitPercentage: netProfitPct,
		Confidence:       confidenceTriangular,
		EstimatedGasCost: estGasUSD,
		Path:             tokens,
		Timestamp:        nowMs,
		ExpiresAt:        nowMs + f.expiry.Milliseconds(),
		PipelineTimestamps: map[string]int64{
			"detectedAt": nowMs,
		},
	}
	if len(tokens) > 0 {
		o.TokenIn = tokens[0]
		o.TokenOut = tokens[0]
	}
	if len(pools) > 0 {
		first, last := pools[0], pools[len(pools)-1]
		o.BuyDex = first.Dex
		o.SellDex = last.Dex
		o.BuyPair = first.Address
		o.SellPair = last.Address
		o.BuyPrice = first.Price
		o.SellPrice = last.Price
	}
	return o
}

// Cross-chain trade directions.
const (
	DirectionBuySolanaSellEVM = "buy-solana-sell-evm"
	DirectionBuyEVMSellSolana = "buy-evm-sell-solana"
)

// CrossChain builds an opportunity spanning a Solana pool and an EVM quote.
// Cross-chain settlement is slow, so the expiry is stretched by the
// configured factor.
func (f *Factory) CrossChain(sol domain.Pool, evm domain.PriceUpdate, direction string, netProfitPct, estGasUSD, tradeValueUSD float64) domain.Opportunity {
	nowMs := f.now().UnixMilli()
	expiry := time.Duration(float64(f.expiry) * f.crossChainFactor)

	o := domain.Opportunity{
		ID:               f.nextID(domain.TypeCrossChain),
		Type:             domain.TypeCrossChain,
		Status:           domain.StatusPending,
		Direction:        direction,
		Token0:           sol.NormalizedToken0,
		Token1:           sol.NormalizedToken1,
		AmountIn:         formatTradeValue(tradeValueUSD),
		ProfitPercentage: netProfitPct,
		Confidence:       confidenceCrossChain,
		EstimatedGasCost: estGasUSD,
		Timestamp:        nowMs,
		ExpiresAt:        nowMs + expiry.Milliseconds(),
		PipelineTimestamps: map[string]int64{
			"detectedAt": nowMs,
		},
	}

	if direction == DirectionBuySolanaSellEVM {
		o.Chain = "solana"
		o.SourceChain = "solana"
		o.TargetChain = evm.Chain
		o.BuyDex = sol.Dex
		o.SellDex = evm.Dex
		o.BuyPair = sol.Address
		o.SellPair = evm.PoolAddress
		o.BuyPrice = sol.Price
		o.SellPrice = evm.Price
	} else {
		o.Chain = evm.Chain
		o.SourceChain = evm.Chain
		o.TargetChain = "solana"
		o.BuyDex = evm.Dex
		o.SellDex = sol.Dex
		o.BuyPair = evm.PoolAddress
		o.SellPair = sol.Address
		o.BuyPrice = evm.Price
		o.SellPrice = sol.Price
	}
	return o
}

func formatTradeValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
