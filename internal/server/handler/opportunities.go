package handler

import (
	"net/http"

	"github.com/arbnet/coordinator/internal/domain"
)

// OpportunitySource is the slice of the router the opportunity endpoints
// need: point lookups and bounded snapshots of the working set.
type OpportunitySource interface {
	Opportunity(id string) (domain.Opportunity, bool)
	Opportunities(limit int) []domain.Opportunity
}

// OpportunityHandler serves read access to the router's working set.
type OpportunityHandler struct {
	source OpportunitySource // nil when the forwarding half is not running
}

// NewOpportunityHandler creates an OpportunityHandler over the given source.
func NewOpportunityHandler(source OpportunitySource) *OpportunityHandler {
	return &OpportunityHandler{source: source}
}

// listOpportunitiesResponse wraps the list endpoint output.
type listOpportunitiesResponse struct {
	Opportunities []domain.Opportunity `json:"opportunities"`
	Count         int                  `json:"count"`
	Limit         int                  `json:"limit"`
}

// List returns the most recently updated opportunities in the working set.
// GET /api/opportunities?limit=50
func (h *OpportunityHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusNotImplemented, "opportunity router not running in this mode")
		return
	}

	limit := parseLimit(r, 50, 500)
	opps := h.source.Opportunities(limit)

	writeJSON(w, http.StatusOK, listOpportunitiesResponse{
		Opportunities: opps,
		Count:         len(opps),
		Limit:         limit,
	})
}

// Get returns a single opportunity by its ID.
// GET /api/opportunities/{id}
func (h *OpportunityHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusNotImplemented, "opportunity router not running in this mode")
		return
	}

	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing opportunity id")
		return
	}

	opp, ok := h.source.Opportunity(id)
	if !ok {
		writeError(w, http.StatusNotFound, "opportunity not found")
		return
	}

	writeJSON(w, http.StatusOK, opp)
}
