package relay

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler exposes the relay over HTTP
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	exporter          *EventExporter
	metrics           *StatsCollector
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, exporter *EventExporter, metrics *StatsCollector) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		exporter:          exporter,
		metrics:           metrics,
	}
}

// HandleConnection upgrades a relay socket. Rooms are chosen by the client's hello.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	// Upgrade writes its own HTTP error response on failure
	if err := h.connectionManager.UpgradeConnection(w, r); err != nil {
		log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("failed to upgrade WebSocket connection")
	}
}

type healthResponse struct {
	OK  bool  `json:"ok"`
	Now int64 `json:"now"`
}

// HandleHealth reports liveness with the relay clock in epoch milliseconds
func (h *WebSocketHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Now: h.connectionManager.nowMs()})
}

type statsResponse struct {
	ConnectionStats
	Export       ExportStats                 `json:"export"`
	ExportByType map[string]EventTypeMetrics `json:"exportByType"`
}

// HandleStats returns statistics about active connections
func (h *WebSocketHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		ConnectionStats: h.connectionManager.GetConnectionStats(),
		Export:          h.exporter.Stats(),
		ExportByType:    h.metrics.Snapshot(),
	})
}

// HandleRoot answers plain HTTP requests that are not socket upgrades
func (h *WebSocketHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Rhythmforge multiplayer relay is running."))
}

// RegisterRoutes registers relay routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnection)
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/stats", h.HandleStats)
	mux.HandleFunc("/", h.HandleRoot)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}
