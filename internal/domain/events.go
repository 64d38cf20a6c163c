package domain

import "time"

// PriceUpdate is the unified lightweight update shape for a pool whose full
// record is already known, or for off-engine quotes (EVM legs of cross-chain
// detection).
type PriceUpdate struct {
	Chain       string
	Dex         string
	PoolAddress string
	Token0      string
	Token1      string
	Price       float64
	Reserve0    float64
	Reserve1    float64
	FeeBps      int
	BlockNumber int64
	Timestamp   int64 // unix ms
}

// Pool state handlers. An UpdateSource invokes these from its read loop; the
// remove func unregisters the handler.
type (
	PoolUpdateHandler  func(Pool)
	PriceUpdateHandler func(PriceUpdate)
	PoolRemovedHandler func(address string)
)

// UpdateSource delivers live pool state changes to subscribers.
type UpdateSource interface {
	OnPoolUpdate(PoolUpdateHandler) (remove func())
	OnPriceUpdate(PriceUpdateHandler) (remove func())
	OnPoolRemoved(PoolRemovedHandler) (remove func())
}

// PriceShift is emitted when a stored pool's price moves.
type PriceShift struct {
	PoolAddress string
	Pair        string
	Dex         string
	OldPrice    float64
	NewPrice    float64
	At          time.Time
}

// PublisherPause is emitted when the opportunity publisher disables itself
// after repeated stream failures.
type PublisherPause struct {
	ConsecutiveFailures int
	DisabledAt          time.Time
	CooldownUntil       time.Time
}
