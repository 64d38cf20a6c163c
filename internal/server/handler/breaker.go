package handler

import (
	"net/http"

	"github.com/arbnet/coordinator/internal/breaker"
)

// BreakerSource exposes a circuit breaker's point-in-time status.
type BreakerSource interface {
	BreakerStatus() breaker.Status
}

// BreakerHandler serves the circuit breaker states: the router's forwarding
// breaker and the engine's detection breaker, whichever halves are running.
type BreakerHandler struct {
	forwarding BreakerSource
	publishing BreakerSource
}

// NewBreakerHandler creates a BreakerHandler. Either source may be nil.
func NewBreakerHandler(forwarding, publishing BreakerSource) *BreakerHandler {
	return &BreakerHandler{forwarding: forwarding, publishing: publishing}
}

// breakerResponse is the breaker endpoint payload. Halves that are not
// running in this mode are omitted.
type breakerResponse struct {
	Forwarding *breaker.Status `json:"forwarding,omitempty"`
	Publishing *breaker.Status `json:"publishing,omitempty"`
}

// Get responds with the state of every breaker this instance runs.
// GET /api/breaker
func (h *BreakerHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.forwarding == nil && h.publishing == nil {
		writeError(w, http.StatusNotImplemented, "no breakers running in this mode")
		return
	}

	var resp breakerResponse
	if h.forwarding != nil {
		st := h.forwarding.BreakerStatus()
		resp.Forwarding = &st
	}
	if h.publishing != nil {
		st := h.publishing.BreakerStatus()
		resp.Publishing = &st
	}

	writeJSON(w, http.StatusOK, resp)
}
