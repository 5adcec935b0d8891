// Package stats maintains rolling telemetry statistics, globally and per
// device, without storing raw history.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"telemetry-bridge/internal/envelope"
)

// Statistics is the global aggregate since the last reset.
type Statistics struct {
	AvgTemp     float64 `json:"avgTemp"`
	AvgHum      float64 `json:"avgHum"`
	Count       uint64  `json:"count"`
	DeviceCount int     `json:"deviceCount"`
}

// DeviceStatistics is the aggregate of one device since the last reset.
type DeviceStatistics struct {
	DeviceID       string  `json:"deviceId"`
	AvgTemp        float64 `json:"avgTemp"`
	AvgHum         float64 `json:"avgHum"`
	Count          uint64  `json:"count"`
	LastTS         int64   `json:"lastTs"`
	LastSeq        uint64  `json:"lastSeq"`
	LastBatteryPct float64 `json:"lastBatteryPct"`
}

// Window is the global aggregate of one closed window.
type Window struct {
	Start time.Time
	End   time.Time
	Stats Statistics
}

// mean is an incrementally maintained arithmetic mean.
type mean struct {
	n   uint64
	avg float64
}

func (m *mean) add(v float64) {
	m.n++
	m.avg += (v - m.avg) / float64(m.n)
}

const shardCount = 32

type deviceShard struct {
	mu      sync.Mutex
	devices map[string]*deviceState
}

// deviceState backs one DeviceStatistics. The Last* fields follow the
// highest seq recorded.
type deviceState struct {
	stats DeviceStatistics
	temp  mean
	hum   mean
}

func (d *deviceState) add(t envelope.Telemetry) {
	first := d.temp.n == 0
	d.temp.add(t.TempC)
	d.hum.add(t.HumPct)
	d.stats.AvgTemp = d.temp.avg
	d.stats.AvgHum = d.hum.avg
	d.stats.Count = d.temp.n
	if first || t.Seq > d.stats.LastSeq {
		d.stats.LastTS = t.TS
		d.stats.LastSeq = t.Seq
		d.stats.LastBatteryPct = t.BatteryPct
	}
}

// Aggregator owns the statistics. Per-device state is sharded by device id;
// the global aggregate has its own lock.
//
// Lock order is always shard(s) before global.
type Aggregator struct {
	now    func() time.Time
	shards [shardCount]deviceShard

	mu          sync.Mutex
	temp        mean
	hum         mean
	deviceCount int
	windowStart time.Time
}

func NewAggregator() *Aggregator {
	return newAggregator(time.Now)
}

func newAggregator(now func() time.Time) *Aggregator {
	a := &Aggregator{now: now}
	for i := range a.shards {
		a.shards[i].devices = make(map[string]*deviceState)
	}
	a.windowStart = now()
	return a
}

func (a *Aggregator) shardFor(deviceID string) *deviceShard {
	return &a.shards[xxhash.Sum64String(deviceID)%shardCount]
}

// Record adds one accepted reading and returns the updated global statistics.
func (a *Aggregator) Record(t envelope.Telemetry) Statistics {
	sh := a.shardFor(t.DeviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	d, seen := sh.devices[t.DeviceID]
	if !seen {
		d = &deviceState{stats: DeviceStatistics{DeviceID: t.DeviceID}}
		sh.devices[t.DeviceID] = d
	}
	d.add(t)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.temp.add(t.TempC)
	a.hum.add(t.HumPct)
	if !seen {
		a.deviceCount++
	}
	return a.snapshotLocked()
}

// Snapshot returns a copy of the global statistics.
func (a *Aggregator) Snapshot() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Statistics {
	return Statistics{
		AvgTemp:     a.temp.avg,
		AvgHum:      a.hum.avg,
		Count:       a.temp.n,
		DeviceCount: a.deviceCount,
	}
}

// DeviceSnapshot returns a copy of the statistics of deviceID.
func (a *Aggregator) DeviceSnapshot(deviceID string) (DeviceStatistics, bool) {
	sh := a.shardFor(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	d, ok := sh.devices[deviceID]
	if !ok {
		return DeviceStatistics{}, false
	}
	return d.stats, true
}

// Devices returns copies of all per-device statistics, sorted by id.
func (a *Aggregator) Devices() []DeviceStatistics {
	var out []DeviceStatistics
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		for _, d := range sh.devices {
			out = append(out, d.stats)
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Reset clears all statistics and starts a new window. It returns the
// window that was closed.
func (a *Aggregator) Reset() Window {
	for i := range a.shards {
		a.shards[i].mu.Lock()
	}
	a.mu.Lock()

	end := a.now()
	closed := Window{Start: a.windowStart, End: end, Stats: a.snapshotLocked()}

	for i := range a.shards {
		a.shards[i].devices = make(map[string]*deviceState)
	}
	a.temp = mean{}
	a.hum = mean{}
	a.deviceCount = 0
	a.windowStart = end

	a.mu.Unlock()
	for i := range a.shards {
		a.shards[i].mu.Unlock()
	}
	return closed
}

// WindowStart returns when the current window began.
func (a *Aggregator) WindowStart() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowStart
}
