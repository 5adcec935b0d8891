package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"

	"telemetry-bridge/internal/metrics"
	"telemetry-bridge/internal/repository"
	"telemetry-bridge/internal/sequence"
	"telemetry-bridge/internal/stats"
)

type Deps struct {
	DB         *sql.DB
	MQTT       ConnectionStatus
	Aggregator *stats.Aggregator
	Tracker    *sequence.Tracker
	Repository repository.TelemetryRepository
	Metrics    *metrics.Metrics
	WebSocket  http.Handler
	Logger     *slog.Logger
}

func NewMux(d Deps) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, d.DB, d.MQTT, d.Logger)

	sc := &statsController{
		aggregator: d.Aggregator,
		tracker:    d.Tracker,
		repo:       d.Repository,
		logger:     d.Logger,
	}
	sc.registerRoutes(mux)

	mux.Handle("GET /metrics", d.Metrics.Handler())
	if d.WebSocket != nil {
		mux.Handle("GET /ws", d.WebSocket)
	}
	return mux
}
