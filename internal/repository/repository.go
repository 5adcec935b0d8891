package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"telemetry-bridge/internal/envelope"
	"telemetry-bridge/internal/stats"
)

// timestampLayout is fixed width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-latest-readings.sql
var getLatestReadingsSQL string

//go:embed sql/get-readings-count.sql
var getReadingsCountSQL string

//go:embed sql/insert-window.sql
var insertWindowSQL string

//go:embed sql/get-windows.sql
var getWindowsSQL string

// Reading is a stored telemetry record.
type Reading struct {
	DeviceID   string    `json:"deviceId"`
	Seq        uint64    `json:"seq"`
	TS         int64     `json:"ts"`
	Topic      string    `json:"topic"`
	TempC      float64   `json:"tempC"`
	HumPct     float64   `json:"humPct"`
	BatteryPct float64   `json:"batteryPct"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Window is a stored closed aggregation window.
type Window struct {
	ID          int64     `json:"id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AvgTemp     float64   `json:"avgTemp"`
	AvgHum      float64   `json:"avgHum"`
	Count       uint64    `json:"count"`
	DeviceCount int       `json:"deviceCount"`
}

type TelemetryRepository interface {
	InsertReading(ctx context.Context, t envelope.Telemetry) error
	LatestReadings(ctx context.Context, deviceID string, limit int) ([]Reading, error)
	ReadingsCount(ctx context.Context, deviceID string) (int, error)
	InsertWindow(ctx context.Context, w stats.Window) error
	Windows(ctx context.Context, limit int) ([]Window, error)
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) TelemetryRepository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) InsertReading(ctx context.Context, t envelope.Telemetry) error {
	_, err := r.db.ExecContext(ctx, insertReadingSQL,
		t.DeviceID, int64(t.Seq), t.TS, t.Topic, t.TempC, t.HumPct, t.BatteryPct,
	)
	if err != nil {
		return fmt.Errorf("insert reading %s/%d: %w", t.DeviceID, t.Seq, err)
	}
	return nil
}

func (r *repositoryImpl) LatestReadings(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	rows, err := r.db.QueryContext(ctx, getLatestReadingsSQL, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close latest readings rows", "error", err)
		}
	}()

	out := []Reading{}
	for rows.Next() {
		var (
			rec        Reading
			seq        int64
			receivedAt string
		)
		if err := rows.Scan(&rec.DeviceID, &seq, &rec.TS, &rec.Topic, &rec.TempC, &rec.HumPct, &rec.BatteryPct, &receivedAt); err != nil {
			return nil, err
		}
		rec.Seq = uint64(seq)
		if rec.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) ReadingsCount(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, getReadingsCountSQL, deviceID).Scan(&n)
	return n, err
}

func (r *repositoryImpl) InsertWindow(ctx context.Context, w stats.Window) error {
	_, err := r.db.ExecContext(ctx, insertWindowSQL,
		w.Start.UTC().Format(timestampLayout),
		w.End.UTC().Format(timestampLayout),
		w.Stats.AvgTemp,
		w.Stats.AvgHum,
		int64(w.Stats.Count),
		w.Stats.DeviceCount,
	)
	if err != nil {
		return fmt.Errorf("insert window: %w", err)
	}
	return nil
}

func (r *repositoryImpl) Windows(ctx context.Context, limit int) ([]Window, error) {
	rows, err := r.db.QueryContext(ctx, getWindowsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close windows rows", "error", err)
		}
	}()

	out := []Window{}
	for rows.Next() {
		var (
			w          Window
			start, end string
			count      int64
		)
		if err := rows.Scan(&w.ID, &start, &end, &w.AvgTemp, &w.AvgHum, &count, &w.DeviceCount); err != nil {
			return nil, err
		}
		w.Count = uint64(count)
		if w.Start, err = parseTime(start); err != nil {
			return nil, err
		}
		if w.End, err = parseTime(end); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
