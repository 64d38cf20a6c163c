package handler

import (
	"net/http"
	"time"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/router"
	"github.com/arbnet/coordinator/internal/solana"
)

// RouterStatus exposes the router counters the status surface reports. It is
// declared locally so the handler package does not depend on the concrete
// router beyond its stats types.
type RouterStatus interface {
	Stats() router.Stats
}

// EngineStatus exposes the detection engine counters.
type EngineStatus interface {
	Stats() solana.EngineStats
}

// StatusHandler serves the instance status endpoint: operating mode, leader
// flag, uptime and the counters of whichever halves are running.
type StatusHandler struct {
	mode       string
	instanceID string
	startedAt  time.Time
	leader     domain.LeaderElector
	router     RouterStatus // nil when the forwarding half is not running
	engine     EngineStatus // nil when the detection half is not running
}

// NewStatusHandler creates a StatusHandler for the given mode and instance.
func NewStatusHandler(mode, instanceID string, leader domain.LeaderElector) *StatusHandler {
	return &StatusHandler{
		mode:       mode,
		instanceID: instanceID,
		startedAt:  time.Now(),
		leader:     leader,
	}
}

// WithRouter attaches the opportunity router as a stats source.
func (h *StatusHandler) WithRouter(r RouterStatus) *StatusHandler {
	h.router = r
	return h
}

// WithEngine attaches the detection engine as a stats source.
func (h *StatusHandler) WithEngine(e EngineStatus) *StatusHandler {
	h.engine = e
	return h
}

// statusResponse is the status endpoint payload. Router and Engine are
// omitted for modes that do not run them.
type statusResponse struct {
	Mode          string              `json:"mode"`
	InstanceID    string              `json:"instanceId"`
	Leader        bool                `json:"leader"`
	UptimeSeconds int64               `json:"uptimeSeconds"`
	Router        *router.Stats       `json:"router,omitempty"`
	Engine        *solana.EngineStats `json:"engine,omitempty"`
}

// GetStatus responds with a point-in-time snapshot of the instance.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Mode:          h.mode,
		InstanceID:    h.instanceID,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	if h.leader != nil {
		resp.Leader = h.leader.IsLeader()
	}
	if h.router != nil {
		stats := h.router.Stats()
		resp.Router = &stats
	}
	if h.engine != nil {
		stats := h.engine.Stats()
		resp.Engine = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}
