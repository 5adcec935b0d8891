// Package sequence classifies per-device sequence numbers as new,
// duplicate or out of order.
package sequence

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Verdict classifies one sequence number.
type Verdict int

const (
	Accept Verdict = iota
	Duplicate
	OutOfOrder
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case OutOfOrder:
		return "out_of_order"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Policy decides what happens to out-of-order records.
type Policy int

const (
	// PolicyReject drops out-of-order records.
	PolicyReject Policy = iota
	// PolicyFlag forwards out-of-order records marked as flagged.
	PolicyFlag
)

func (p Policy) String() string {
	if p == PolicyFlag {
		return "flag"
	}
	return "reject"
}

// ParsePolicy parses "reject" or "flag".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reject":
		return PolicyReject, nil
	case "flag":
		return PolicyFlag, nil
	default:
		return PolicyReject, fmt.Errorf("invalid out-of-order policy %q (allowed: reject, flag)", s)
	}
}

// Result is the classification of one Check call.
type Result struct {
	Verdict Verdict
	// Previous is the last accepted sequence number before this call.
	// Valid only if HasPrevious.
	Previous    uint64
	HasPrevious bool
	// Gap is the number of sequence numbers skipped by an accepted record.
	Gap uint64
	// Forward reports whether the record should reach the aggregator.
	Forward bool
	// Flagged marks an out-of-order record forwarded under PolicyFlag.
	Flagged bool
}

// Counters are cumulative totals since the tracker was created.
type Counters struct {
	Accepted   uint64 `json:"accepted"`
	Duplicates uint64 `json:"duplicates"`
	OutOfOrder uint64 `json:"outOfOrder"`
	Gaps       uint64 `json:"gaps"`
}

const shardCount = 32

type shard struct {
	mu   sync.Mutex
	last map[string]uint64
}

// Tracker holds the last accepted sequence number of every device.
// Devices are spread over shards so unrelated devices do not contend.
type Tracker struct {
	policy Policy
	shards [shardCount]shard

	accepted   atomic.Uint64
	duplicates atomic.Uint64
	outOfOrder atomic.Uint64
	gaps       atomic.Uint64
}

func NewTracker(policy Policy) *Tracker {
	t := &Tracker{policy: policy}
	for i := range t.shards {
		t.shards[i].last = make(map[string]uint64)
	}
	return t
}

func (t *Tracker) Policy() Policy { return t.policy }

func (t *Tracker) shardFor(deviceID string) *shard {
	return &t.shards[xxhash.Sum64String(deviceID)%shardCount]
}

// Check classifies seq for deviceID and records it when accepted.
// Duplicate and out-of-order numbers never change the stored state.
func (t *Tracker) Check(deviceID string, seq uint64) Result {
	sh := t.shardFor(deviceID)
	sh.mu.Lock()
	prev, ok := sh.last[deviceID]
	var res Result
	switch {
	case !ok:
		sh.last[deviceID] = seq
		res = Result{Verdict: Accept, Forward: true}
	case seq == prev:
		res = Result{Verdict: Duplicate, Previous: prev, HasPrevious: true}
	case seq > prev:
		sh.last[deviceID] = seq
		res = Result{Verdict: Accept, Previous: prev, HasPrevious: true, Gap: seq - prev - 1, Forward: true}
	default:
		flag := t.policy == PolicyFlag
		res = Result{Verdict: OutOfOrder, Previous: prev, HasPrevious: true, Forward: flag, Flagged: flag}
	}
	sh.mu.Unlock()

	switch res.Verdict {
	case Accept:
		t.accepted.Add(1)
		t.gaps.Add(res.Gap)
	case Duplicate:
		t.duplicates.Add(1)
	case OutOfOrder:
		t.outOfOrder.Add(1)
	}
	return res
}

// LastSeq returns the last accepted sequence number for deviceID.
func (t *Tracker) LastSeq(deviceID string) (uint64, bool) {
	sh := t.shardFor(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	seq, ok := sh.last[deviceID]
	return seq, ok
}

// Forget drops the state of deviceID; its next record is accepted as new.
func (t *Tracker) Forget(deviceID string) {
	sh := t.shardFor(deviceID)
	sh.mu.Lock()
	delete(sh.last, deviceID)
	sh.mu.Unlock()
}

func (t *Tracker) Counters() Counters {
	return Counters{
		Accepted:   t.accepted.Load(),
		Duplicates: t.duplicates.Load(),
		OutOfOrder: t.outOfOrder.Load(),
		Gaps:       t.gaps.Load(),
	}
}
