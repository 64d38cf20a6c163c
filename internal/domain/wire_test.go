package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbnet/coordinator/internal/domain"
)

const nowMs = int64(1700000000000)

func TestParseWireFieldsRoutesUnknownKeysToExtra(t *testing.T) {
	w := domain.ParseWireFields(map[string]string{
		"id":               "opp-1",
		"buyDex":           "orca",
		"detectorVersion":  "2.3.1",
		"rawSlot":          "284112233",
		"_trace_traceId":   "abc123",
		"_trace_spanId":    "def456",
		"profitPercentage": "not-a-number",
	})

	assert.Equal(t, "opp-1", w.ID)
	assert.Equal(t, "orca", w.BuyDex)
	assert.Nil(t, w.ProfitPercentage, "malformed numerics are treated as missing")

	require.Len(t, w.Extra, 2, "trace keys must not leak into Extra")
	assert.Equal(t, "2.3.1", w.Extra["detectorVersion"])
	assert.Equal(t, "284112233", w.Extra["rawSlot"])
}

func TestParseWireFieldsNumericLeniency(t *testing.T) {
	w := domain.ParseWireFields(map[string]string{
		"timestamp":    "1700000000123.45",
		"useFlashLoan": "1",
		"path":         "SOL>USDC>BONK",
	})

	require.NotNil(t, w.Timestamp)
	assert.Equal(t, int64(1700000000123), *w.Timestamp)
	require.NotNil(t, w.UseFlashLoan)
	assert.True(t, *w.UseFlashLoan)
	assert.Equal(t, []string{"SOL", "USDC", "BONK"}, w.Path, "bare paths split on >")

	jsonPath := domain.ParseWireFields(map[string]string{
		"path": `["SOL","USDC"]`,
	})
	assert.Equal(t, []string{"SOL", "USDC"}, jsonPath.Path)
}

func TestDecodeAppliesDefaults(t *testing.T) {
	o := domain.ParseWireFields(map[string]string{
		"id": "opp-2",
	}).Decode(nowMs)

	assert.Equal(t, domain.TypeSimple, o.Type)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Equal(t, nowMs, o.Timestamp, "missing timestamp defaults to ingest time")
	assert.Equal(t, nowMs, o.ReceivedAt)
	assert.Zero(t, o.ExpiresAt)
	assert.Zero(t, o.ProfitPercentage)
}

func TestDecodeKeepsExplicitValues(t *testing.T) {
	o := domain.ParseWireFields(map[string]string{
		"id":        "opp-3",
		"type":      domain.TypeCrossChain,
		"status":    "executing",
		"timestamp": "1699999999000",
	}).Decode(nowMs)

	assert.Equal(t, domain.TypeCrossChain, o.Type)
	assert.Equal(t, domain.StatusExecuting, o.Status)
	assert.Equal(t, int64(1699999999000), o.Timestamp)

	// Statuses outside the lifecycle collapse to pending.
	bogus := domain.ParseWireFields(map[string]string{
		"id":     "opp-4",
		"status": "definitely-not-a-status",
	}).Decode(nowMs)
	assert.Equal(t, domain.StatusPending, bogus.Status)
}

func TestEncodeStreamFieldsContract(t *testing.T) {
	fields := domain.EncodeStreamFields(domain.Opportunity{ID: "opp-5"}, nowMs)

	// Contract fields are always present even when empty.
	for _, key := range []string{
		"id", "type", "chain", "timestamp",
		"buyDex", "sellDex", "tokenIn", "tokenOut", "amountIn",
		"buyPrice", "sellPrice", "profitPercentage", "confidence",
		"useFlashLoan", "expiresAt",
	} {
		_, ok := fields[key]
		assert.True(t, ok, "missing contract field %q", key)
	}

	assert.Equal(t, domain.TypeSimple, fields["type"])
	assert.Equal(t, "unknown", fields["chain"])
	assert.Equal(t, "1700000000000", fields["timestamp"])
	assert.Equal(t, "0", fields["buyPrice"])
	assert.Equal(t, "false", fields["useFlashLoan"])
	assert.Equal(t, "", fields["expiresAt"])

	// Optional fields stay absent rather than empty.
	assert.NotContains(t, fields, "sourceChain")
	assert.NotContains(t, fields, "estimatedGasCost")
	assert.NotContains(t, fields, "blockNumber")
	assert.NotContains(t, fields, "path")
}

func TestEncodeCanonicalFieldsWinOverExtra(t *testing.T) {
	fields := domain.EncodeStreamFields(domain.Opportunity{
		ID:    "opp-6",
		Chain: "solana",
		Extra: map[string]string{
			"id":       "spoofed",
			"chain":    "spoofed",
			"rawQuote": "preserved",
		},
	}, nowMs)

	assert.Equal(t, "opp-6", fields["id"])
	assert.Equal(t, "solana", fields["chain"])
	assert.Equal(t, "preserved", fields["rawQuote"])
}

func TestWireRoundTrip(t *testing.T) {
	in := domain.Opportunity{
		ID:               "opp-7",
		Type:             domain.TypeTriangular,
		Status:           domain.StatusPending,
		Chain:            "solana",
		BuyDex:           "raydium",
		SellDex:          "orca",
		TokenIn:          "SOL",
		TokenOut:         "SOL",
		AmountIn:         "1000",
		BuyPrice:         141.25,
		SellPrice:        142.1,
		ProfitPercentage: 0.6,
		Confidence:       0.85,
		UseFlashLoan:     true,
		Path:             []string{"SOL", "USDC", "BONK", "SOL"},
		Timestamp:        nowMs - 500,
		ExpiresAt:        nowMs + 29500,
		PipelineTimestamps: map[string]int64{
			"detectedAt": nowMs - 500,
		},
		Extra: map[string]string{
			"detectorVersion": "2.3.1",
		},
	}

	fields := domain.EncodeStreamFields(in, nowMs)
	out := domain.ParseWireFields(fields).Decode(nowMs)

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Chain, out.Chain)
	assert.Equal(t, in.BuyDex, out.BuyDex)
	assert.Equal(t, in.SellDex, out.SellDex)
	assert.Equal(t, in.TokenIn, out.TokenIn)
	assert.Equal(t, in.AmountIn, out.AmountIn)
	assert.Equal(t, in.BuyPrice, out.BuyPrice)
	assert.Equal(t, in.SellPrice, out.SellPrice)
	assert.Equal(t, in.ProfitPercentage, out.ProfitPercentage)
	assert.Equal(t, in.Confidence, out.Confidence)
	assert.Equal(t, in.UseFlashLoan, out.UseFlashLoan)
	assert.Equal(t, in.Path, out.Path)
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.Equal(t, in.ExpiresAt, out.ExpiresAt)
	assert.Equal(t, in.PipelineTimestamps, out.PipelineTimestamps)
	assert.Equal(t, in.Extra, out.Extra)
}

func TestEffectiveExpiryPrefersExplicitDeadline(t *testing.T) {
	chainTTLs := map[string]int64{"solana": 10000}

	explicit := domain.Opportunity{Chain: "solana", Timestamp: nowMs, ExpiresAt: nowMs + 1}
	assert.Equal(t, nowMs+1, explicit.EffectiveExpiry(chainTTLs, 60000))

	perChain := domain.Opportunity{Chain: "solana", Timestamp: nowMs}
	assert.Equal(t, nowMs+10000, perChain.EffectiveExpiry(chainTTLs, 60000))

	fallback := domain.Opportunity{Chain: "base", Timestamp: nowMs}
	assert.Equal(t, nowMs+60000, fallback.EffectiveExpiry(chainTTLs, 60000))

	assert.False(t, perChain.Expired(nowMs+10000, chainTTLs, 60000))
	assert.True(t, perChain.Expired(nowMs+10001, chainTTLs, 60000))
}
