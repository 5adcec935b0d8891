package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"telemetry-bridge/internal/repository"
	"telemetry-bridge/internal/sequence"
	"telemetry-bridge/internal/stats"
	"telemetry-bridge/internal/utils"
)

type statsResponse struct {
	stats.Statistics
	WindowStart time.Time         `json:"windowStart"`
	Sequence    sequence.Counters `json:"sequence"`
}

type deviceResponse struct {
	Device   *stats.DeviceStatistics `json:"device"`
	Readings []repository.Reading    `json:"readings"`
}

type windowResponse struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AvgTemp     float64   `json:"avgTemp"`
	AvgHum      float64   `json:"avgHum"`
	Count       uint64    `json:"count"`
	DeviceCount int       `json:"deviceCount"`
	Stored      bool      `json:"stored"`
}

type statsController struct {
	aggregator *stats.Aggregator
	tracker    *sequence.Tracker
	repo       repository.TelemetryRepository
	logger     *slog.Logger
}

func (c *statsController) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stats", c.handleStats)
	mux.HandleFunc("GET /stats/devices", c.handleDevices)
	mux.HandleFunc("GET /stats/devices/{id}", c.handleDevice)
	mux.HandleFunc("GET /stats/windows", c.handleWindows)
	mux.HandleFunc("POST /stats/reset", c.handleReset)
}

func (c *statsController) handleStats(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, statsResponse{
		Statistics:  c.aggregator.Snapshot(),
		WindowStart: c.aggregator.WindowStart(),
		Sequence:    c.tracker.Counters(),
	})
}

func (c *statsController) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := c.aggregator.Devices()
	if devices == nil {
		devices = []stats.DeviceStatistics{}
	}
	utils.WriteJSON(w, http.StatusOK, devices)
}

func (c *statsController) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, err := utils.QueryLimit(r, 10, 1000)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var resp deviceResponse
	if d, ok := c.aggregator.DeviceSnapshot(id); ok {
		resp.Device = &d
	}
	resp.Readings, err = c.repo.LatestReadings(r.Context(), id, limit)
	if err != nil {
		c.logger.Error("failed to load readings", "device_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	if resp.Device == nil && len(resp.Readings) == 0 {
		utils.WriteError(w, http.StatusNotFound, "unknown device "+id)
		return
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

func (c *statsController) handleWindows(w http.ResponseWriter, r *http.Request) {
	limit, err := utils.QueryLimit(r, 20, 1000)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	windows, err := c.repo.Windows(r.Context(), limit)
	if err != nil {
		c.logger.Error("failed to load windows", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load windows")
		return
	}
	utils.WriteJSON(w, http.StatusOK, windows)
}

// handleReset closes the current window. The closed window is returned even
// when storing it fails.
func (c *statsController) handleReset(w http.ResponseWriter, r *http.Request) {
	closed := c.aggregator.Reset()
	c.logger.Info("stats window reset",
		"start", closed.Start,
		"end", closed.End,
		"count", closed.Stats.Count,
	)

	stored := true
	if err := c.repo.InsertWindow(r.Context(), closed); err != nil {
		stored = false
		c.logger.Error("failed to store closed window", "error", err)
	}
	utils.WriteJSON(w, http.StatusOK, windowResponse{
		Start:       closed.Start,
		End:         closed.End,
		AvgTemp:     closed.Stats.AvgTemp,
		AvgHum:      closed.Stats.AvgHum,
		Count:       closed.Stats.Count,
		DeviceCount: closed.Stats.DeviceCount,
		Stored:      stored,
	})
}
