package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"

	"telemetry-bridge/internal/utils"
)

// ConnectionStatus reports whether the broker connection is up.
type ConnectionStatus interface {
	IsConnected() bool
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	db     *sql.DB
	mqtt   ConnectionStatus
	logger *slog.Logger
}

func NewHealthchecker(db *sql.DB, mqtt ConnectionStatus, logger *slog.Logger) healthchecker {
	return &healthcheckerImpl{db: db, mqtt: mqtt, logger: logger}
}

// handleHealthz fails only when the database is unreachable. A broker outage
// is reported but the bridge keeps serving WebSocket clients.
func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		h.logger.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusServiceUnavailable, "failed to check database connectivity")
		return
	}
	mqtt := "disabled"
	if h.mqtt != nil {
		mqtt = "disconnected"
		if h.mqtt.IsConnected() {
			mqtt = "connected"
		}
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "mqtt": mqtt})
}

func registerHealthcheck(mux *http.ServeMux, db *sql.DB, mqtt ConnectionStatus, logger *slog.Logger) {
	healthchecker := NewHealthchecker(db, mqtt, logger)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
