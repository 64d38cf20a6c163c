package domain

// OpportunityStatus tracks an opportunity through its forwarding lifecycle.
type OpportunityStatus string

const (
	StatusPending   OpportunityStatus = "pending"
	StatusExecuting OpportunityStatus = "executing"
	StatusExecuted  OpportunityStatus = "executed"
	StatusFailed    OpportunityStatus = "failed"
)

// Opportunity type tags. The wire format carries free-form type strings;
// these are the ones this system produces or treats specially.
const (
	TypeSimple      = "simple"
	TypeIntraSolana = "intra-solana"
	TypeTriangular  = "triangular"
	TypeCrossChain  = "cross-chain"
)

// Opportunity is the canonical in-memory record of a detected arbitrage.
// Upstream detectors speak the loose wire format (WireOpportunity); once an
// update passes validation it is held and forwarded in this shape.
type Opportunity struct {
	ID               string
	Type             string
	Status           OpportunityStatus
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
	BuyPrice         float64
	SellPrice        float64
	ProfitPercentage float64
	Confidence       float64
	EstimatedGasCost float64
	UseFlashLoan     bool
	Path             []string
	BlockNumber      int64
	Timestamp        int64 // unix ms, detection time
	ExpiresAt        int64 // unix ms, 0 when the source set none
	ReceivedAt       int64 // unix ms, coordinator ingest time

	// PipelineTimestamps records per-stage unix-ms marks (detectedAt,
	// coordinatorAt, ...) for end-to-end latency accounting.
	PipelineTimestamps map[string]int64

	// Extra preserves wire fields this service does not model so that
	// forwarding stays lossless for downstream consumers.
	Extra map[string]string
}

// EffectiveExpiry resolves the unix-ms instant after which the opportunity is
// stale: the explicit ExpiresAt when the source set one, otherwise Timestamp
// plus the TTL for its chain (falling back to defaultTTL).
func (o Opportunity) EffectiveExpiry(chainTTLMs map[string]int64, defaultTTLMs int64) int64 {
	if o.ExpiresAt > 0 {
		return o.ExpiresAt
	}
	ttl := defaultTTLMs
	if t, ok := chainTTLMs[o.Chain]; ok && t > 0 {
		ttl = t
	}
	return o.Timestamp + ttl
}

// Expired reports whether the opportunity is past its effective expiry at
// nowMs.
func (o Opportunity) Expired(nowMs int64, chainTTLMs map[string]int64, defaultTTLMs int64) bool {
	return nowMs > o.EffectiveExpiry(chainTTLMs, defaultTTLMs)
}
