// Package handler provides HTTP handlers for the Kiro server.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kiro-gateway/kiro-claude-gateway/internal/pool"
)

// HealthHandler handles GET /health requests.
type HealthHandler struct {
	pool *pool.Manager
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Provider  string `json:"provider"`
	Accounts  AccountsStatus `json:"accounts"`
}

// AccountsStatus represents account pool status.
type AccountsStatus struct {
	Total   int `json:"total"`
	Healthy int `json:"healthy"`
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(p *pool.Manager) *HealthHandler {
	return &HealthHandler{pool: p}
}

// ServeHTTP handles GET /health.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	summary := h.pool.Summarize()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Provider:  pool.DefaultProviderType,
		Accounts:  AccountsStatus{Total: summary.Total, Healthy: summary.Healthy},
	}
	if summary.Total > 0 && summary.Healthy == 0 {
		response.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// ProviderHealthHandler handles GET /provider_health, reporting the pool's
// unhealthy ratio against a caller-supplied threshold.
type ProviderHealthHandler struct {
	pool *pool.Manager
}

// NewProviderHealthHandler creates a new provider-health handler.
func NewProviderHealthHandler(p *pool.Manager) *ProviderHealthHandler {
	return &ProviderHealthHandler{pool: p}
}

// ProviderHealthResponse reports the pool's health ratio against a threshold.
type ProviderHealthResponse struct {
	Total          int     `json:"total"`
	Healthy        int     `json:"healthy"`
	UnhealthyRatio float64 `json:"unhealthyRatio"`
	Threshold      float64 `json:"threshold"`
	SummaryHealth  bool    `json:"summaryHealth"`
}

// ServeHTTP handles GET /provider_health?unhealthRatioThreshold=<float>.
func (h *ProviderHealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	threshold := 0.5
	if raw := r.URL.Query().Get("unhealthRatioThreshold"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			threshold = parsed
		}
	}

	summary := h.pool.Summarize()
	var ratio float64
	if summary.Total > 0 {
		ratio = float64(summary.Total-summary.Healthy) / float64(summary.Total)
	}
	summaryHealth := ratio < threshold

	response := ProviderHealthResponse{
		Total:          summary.Total,
		Healthy:        summary.Healthy,
		UnhealthyRatio: ratio,
		Threshold:      threshold,
		SummaryHealth:  summaryHealth,
	}

	w.Header().Set("Content-Type", "application/json")
	if !summaryHealth {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}
