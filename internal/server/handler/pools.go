package handler

import (
	"net/http"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/solana"
)

// PoolSource is the slice of the pool store the pool endpoints need.
type PoolSource interface {
	Snapshot() []domain.Pool
	PoolsForPair(pairKey string) []domain.Pool
	Pairs() []string
	Stats() solana.PoolStoreStats
}

// PoolHandler serves read access to the detection engine's pool store.
type PoolHandler struct {
	store PoolSource // nil when the detection half is not running
}

// NewPoolHandler creates a PoolHandler over the given store.
func NewPoolHandler(store PoolSource) *PoolHandler {
	return &PoolHandler{store: store}
}

// listPoolsResponse wraps the list endpoint output.
type listPoolsResponse struct {
	Pools []domain.Pool `json:"pools"`
	Count int           `json:"count"`
	Total int           `json:"total"`
}

// List returns tracked pools, optionally filtered to one normalized pair.
// The pair key must match the form returned by the pairs endpoint.
// GET /api/pools?limit=100&pair=MINTA/MINTB
func (h *PoolHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "detection engine not running in this mode")
		return
	}

	limit := parseLimit(r, 100, 1000)

	var pools []domain.Pool
	if pair := r.URL.Query().Get("pair"); pair != "" {
		pools = h.store.PoolsForPair(pair)
	} else {
		pools = h.store.Snapshot()
	}

	total := len(pools)
	if len(pools) > limit {
		pools = pools[:limit]
	}

	writeJSON(w, http.StatusOK, listPoolsResponse{
		Pools: pools,
		Count: len(pools),
		Total: total,
	})
}

// listPairsResponse wraps the pairs endpoint output.
type listPairsResponse struct {
	Pairs []string              `json:"pairs"`
	Count int                   `json:"count"`
	Store solana.PoolStoreStats `json:"store"`
}

// ListPairs returns every normalized pair with at least one tracked pool,
// along with the store counters.
// GET /api/pools/pairs
func (h *PoolHandler) ListPairs(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "detection engine not running in this mode")
		return
	}

	pairs := h.store.Pairs()

	writeJSON(w, http.StatusOK, listPairsResponse{
		Pairs: pairs,
		Count: len(pairs),
		Store: h.store.Stats(),
	})
}
