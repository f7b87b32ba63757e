package api

import (
	"net/http"

	"github.com/malwarebo/portrait/monitoring"
	"github.com/malwarebo/portrait/providers"
)

type HealthHandler struct {
	health *monitoring.HealthService
}

func CreateHealthHandler(health *monitoring.HealthService) *HealthHandler {
	return &HealthHandler{health: health}
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.health.GetHealth(r.Context())

	status := http.StatusOK
	if report.Status == monitoring.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// NetworkInfoSource is implemented by *providers.CallExecutor.
type NetworkInfoSource interface {
	NetworkInfo() providers.NetworkInfo
}

type DebugHandler struct {
	source NetworkInfoSource
}

func CreateDebugHandler(source NetworkInfoSource) *DebugHandler {
	return &DebugHandler{source: source}
}

func (h *DebugHandler) HandleNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.NetworkInfo())
}
