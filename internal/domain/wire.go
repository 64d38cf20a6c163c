package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// TraceFieldPrefix marks flat-map keys that carry trace propagation data.
// They are owned by the trace package and never treated as opportunity
// payload.
const TraceFieldPrefix = "_trace_"

// WireOpportunity is the loose shape opportunities arrive in. Every field is
// optional; numeric fields are pointers so a missing value is distinguishable
// from zero. Decode applies the defaulting rules, validation happens in the
// router.
type WireOpportunity struct {
	ID               string
	Type             string
	Chain            string
	SourceChain      string
	TargetChain      string
	Direction        string
	BuyDex           string
	SellDex          string
	BuyPair          string
	SellPair         string
	Token0           string
	Token1           string
	TokenIn          string
	TokenOut         string
	AmountIn         string
	Status           string
	BuyPrice         *float64
	SellPrice        *float64
	ProfitPercentage *float64
	Confidence       *float64
	EstimatedGasCost *float64
	Timestamp        *int64
	ExpiresAt        *int64
	BlockNumber      *int64
	UseFlashLoan     *bool
	Path             []string

	PipelineTimestamps map[string]int64
	Extra              map[string]string
}

// ParseWireFields builds a WireOpportunity from a flat stream entry. Keys the
// service does not model land in Extra verbatim; malformed numeric values are
// treated as missing. Trace-prefixed keys are skipped entirely.
func ParseWireFields(fields map[string]string) WireOpportunity {
	var w WireOpportunity
	for k, v := range fields {
		if strings.HasPrefix(k, TraceFieldPrefix) {
			continue
		}
		switch k {
		case "id":
			w.ID = strings.TrimSpace(v)
		case "type":
			w.Type = strings.TrimSpace(v)
		case "chain":
			w.Chain = strings.TrimSpace(v)
		case "sourceChain":
			w.SourceChain = strings.TrimSpace(v)
		case "targetChain":
			w.TargetChain = strings.TrimSpace(v)
		case "direction":
			w.Direction = v
		case "buyDex":
			w.BuyDex = v
		case "sellDex":
			w.SellDex = v
		case "buyPair":
			w.BuyPair = v
		case "sellPair":
			w.SellPair = v
		case "token0":
			w.Token0 = v
		case "token1":
			w.Token1 = v
		case "tokenIn":
			w.TokenIn = v
		case "tokenOut":
			w.TokenOut = v
		case "amountIn":
			w.AmountIn = v
		case "status":
			w.Status = v
		case "buyPrice":
			w.BuyPrice = parseWireFloat(v)
		case "sellPrice":
			w.SellPrice = parseWireFloat(v)
		case "profitPercentage":
			w.ProfitPercentage = parseWireFloat(v)
		case "confidence":
			w.Confidence = parseWireFloat(v)
		case "estimatedGasCost":
			w.EstimatedGasCost = parseWireFloat(v)
		case "timestamp":
			w.Timestamp = parseWireInt(v)
		case "expiresAt":
			w.ExpiresAt = parseWireInt(v)
		case "blockNumber":
			w.BlockNumber = parseWireInt(v)
		case "useFlashLoan":
			w.UseFlashLoan = parseWireBool(v)
		case "path":
			w.Path = parseWirePath(v)
		case "pipelineTimestamps":
			w.PipelineTimestamps = parseWireTimestamps(v)
		default:
			if w.Extra == nil {
				w.Extra = make(map[string]string)
			}
			w.Extra[k] = v
		}
	}
	return w
}

// Decode materializes the canonical record, applying the defaulting rules:
// type falls back to "simple", timestamp to nowMs, status to pending, and
// missing numerics to zero.
func (w WireOpportunity) Decode(nowMs int64) Opportunity {
	o := Opportunity{
		ID:                 w.ID,
		Type:               w.Type,
		Chain:              w.Chain,
		SourceChain:        w.SourceChain,
		TargetChain:        w.TargetChain,
		Direction:          w.Direction,
		BuyDex:             w.BuyDex,
		SellDex:            w.SellDex,
		BuyPair:            w.BuyPair,
		SellPair:           w.SellPair,
		Token0:             w.Token0,
		Token1:             w.Token1,
		TokenIn:            w.TokenIn,
		TokenOut:           w.TokenOut,
		AmountIn:           w.AmountIn,
		Path:               w.Path,
		PipelineTimestamps: w.PipelineTimestamps,
		Extra:              w.Extra,
		Status:             StatusPending,
	}
	if o.Type == "" {
		o.Type = TypeSimple
	}
	switch OpportunityStatus(w.Status) {
	case StatusExecuting, StatusExecuted, StatusFailed:
		o.Status = OpportunityStatus(w.Status)
	}
	if w.Timestamp != nil {
		o.Timestamp = *w.Timestamp
	} else {
		o.Timestamp = nowMs
	}
	if w.ExpiresAt != nil {
		o.ExpiresAt = *w.ExpiresAt
	}
	if w.BlockNumber != nil {
		o.BlockNumber = *w.BlockNumber
	}
	if w.BuyPrice != nil {
		o.BuyPrice = *w.BuyPrice
	}
	if w.SellPrice != nil {
		o.SellPrice = *w.SellPrice
	}
	if w.ProfitPercentage != nil {
		o.ProfitPercentage = *w.ProfitPercentage
	}
	if w.Confidence != nil {
		o.Confidence = *w.Confidence
	}
	if w.EstimatedGasCost != nil {
		o.EstimatedGasCost = *w.EstimatedGasCost
	}
	if w.UseFlashLoan != nil {
		o.UseFlashLoan = *w.UseFlashLoan
	}
	o.ReceivedAt = nowMs
	return o
}

// EncodeStreamFields flattens an opportunity for XADD. Preserved unknown
// fields are written first so the canonical fields always win on collision.
// Defaulting follows the pipeline wire contract: type and chain fall back to
// "simple"/"unknown" when empty, timestamp to nowMs when zero, while the
// other contract fields are always present and keep an empty string as-is.
func EncodeStreamFields(o Opportunity, nowMs int64) map[string]string {
	out := make(map[string]string, len(o.Extra)+24)
	for k, v := range o.Extra {
		out[k] = v
	}

	out["id"] = o.ID
	typ := o.Type
	if typ == "" {
		typ = TypeSimple
	}
	out["type"] = typ
	chain := o.Chain
	if chain == "" {
		chain = "unknown"
	}
	out["chain"] = chain
	ts := o.Timestamp
	if ts == 0 {
		ts = nowMs
	}
	out["timestamp"] = strconv.FormatInt(ts, 10)

	out["buyDex"] = o.BuyDex
	out["sellDex"] = o.SellDex
	out["tokenIn"] = o.TokenIn
	out["tokenOut"] = o.TokenOut
	out["amountIn"] = o.AmountIn
	out["buyPrice"] = formatWireFloat(o.BuyPrice)
	out["sellPrice"] = formatWireFloat(o.SellPrice)
	out["profitPercentage"] = formatWireFloat(o.ProfitPercentage)
	out["confidence"] = formatWireFloat(o.Confidence)
	out["useFlashLoan"] = strconv.FormatBool(o.UseFlashLoan)
	if o.ExpiresAt > 0 {
		out["expiresAt"] = strconv.FormatInt(o.ExpiresAt, 10)
	} else {
		out["expiresAt"] = ""
	}

	putNonEmpty(out, "sourceChain", o.SourceChain)
	putNonEmpty(out, "targetChain", o.TargetChain)
	putNonEmpty(out, "direction", o.Direction)
	putNonEmpty(out, "buyPair", o.BuyPair)
	putNonEmpty(out, "sellPair", o.SellPair)
	putNonEmpty(out, "token0", o.Token0)
	putNonEmpty(out, "token1", o.Token1)
	putNonEmpty(out, "status", string(o.Status))
	if o.EstimatedGasCost != 0 {
		out["estimatedGasCost"] = formatWireFloat(o.EstimatedGasCost)
	}
	if o.BlockNumber > 0 {
		out["blockNumber"] = strconv.FormatInt(o.BlockNumber, 10)
	}
	if len(o.Path) > 0 {
		if b, err := json.Marshal(o.Path); err == nil {
			out["path"] = string(b)
		}
	}
	if len(o.PipelineTimestamps) > 0 {
		if b, err := json.Marshal(o.PipelineTimestamps); err == nil {
			out["pipelineTimestamps"] = string(b)
		}
	}
	return out
}

func putNonEmpty(m map[string]string, k, v string) {
	if v != "" {
		m[k] = v
	}
}

func formatWireFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseWireFloat(s string) *float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &f
}

func parseWireInt(s string) *int64 {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &n
	}
	// Upstream emitters sometimes send sub-millisecond precision.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		n := int64(f)
		return &n
	}
	return nil
}

func parseWireBool(s string) *bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		b := true
		return &b
	case "false", "0":
		b := false
		return &b
	}
	return nil
}

func parseWirePath(s string) []string {
	var path []string
	if err := json.Unmarshal([]byte(s), &path); err == nil {
		return path
	}
	if s == "" {
		return nil
	}
	return strings.Split(s, ">")
}

func parseWireTimestamps(s string) map[string]int64 {
	var raw map[string]float64
	if err := json.Unmarshal([]byte(s), &raw); err != nil || len(raw) == 0 {
		return nil
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		out[k] = int64(v)
	}
	return out
}
