package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthCheckTimeout bounds each dependency probe so a hung Redis or
// Postgres cannot stall the health endpoint.
const healthCheckTimeout = 5 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint. The stream bus probe is
// mandatory: without Redis the coordinator can neither consume nor forward,
// so its loss alone makes the instance unhealthy.
type HealthHandler struct {
	bus    Pinger
	checks map[string]func(context.Context) error
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler probing the given stream bus.
func NewHealthHandler(bus Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		bus:    bus,
		checks: make(map[string]func(context.Context) error),
		logger: logger,
	}
}

// WithCheck registers an additional named dependency probe, such as the
// forwarding archive or the DLQ bucket. Returns the handler for chaining.
func (h *HealthHandler) WithCheck(name string, probe func(context.Context) error) *HealthHandler {
	h.checks[name] = probe
	return h
}

// healthResponse is the health endpoint payload.
type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// Check responds with the aggregate health of the instance's dependencies.
// Any failing probe degrades the status and flips the response to 503 so
// orchestrators stop routing to this instance.
// GET /api/health
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	results := make(map[string]string, len(h.checks)+1)

	if err := h.bus.Ping(ctx); err != nil {
		status = "degraded"
		results["redis"] = err.Error()
		h.logger.WarnContext(r.Context(), "health: redis ping failed",
			slog.String("error", err.Error()),
		)
	} else {
		results["redis"] = "ok"
	}

	for name, probe := range h.checks {
		if err := probe(ctx); err != nil {
			status = "degraded"
			results[name] = err.Error()
			h.logger.WarnContext(r.Context(), "health: dependency check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		results[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    results,
	})
}
