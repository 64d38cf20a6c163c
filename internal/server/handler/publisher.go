package handler

import (
	"net/http"

	"github.com/arbnet/coordinator/internal/solana"
)

// PublisherSource exposes the opportunity publisher's counters.
type PublisherSource interface {
	Stats() solana.PublisherStats
}

// PublisherHandler serves the publisher's self-disable state and counters.
type PublisherHandler struct {
	pub PublisherSource // nil when the detection half is not running
}

// NewPublisherHandler creates a PublisherHandler over the given publisher.
func NewPublisherHandler(pub PublisherSource) *PublisherHandler {
	return &PublisherHandler{pub: pub}
}

// GetStats responds with the publisher counters, including whether the
// self-disable fuse has blown and when it re-arms.
// GET /api/publisher
func (h *PublisherHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.pub == nil {
		writeError(w, http.StatusNotImplemented, "publisher not running in this mode")
		return
	}

	writeJSON(w, http.StatusOK, h.pub.Stats())
}
