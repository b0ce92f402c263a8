package models

import "time"

// CycleStats are the counters of one poll cycle.
type CycleStats struct {
	Seq             uint64         `json:"seq"`
	StartedAt       time.Time      `json:"started_at"`
	Duration        time.Duration  `json:"duration_ns"`
	Evaluated       int            `json:"evaluated"`
	Emitted         int            `json:"emitted"`
	ByDirection     map[string]int `json:"by_direction"`
	Rejections      map[string]int `json:"rejections"`
	DataUnavailable int            `json:"data_unavailable"`
	RiskRejected    int            `json:"risk_rejected"`
	OrdersFilled    int            `json:"orders_filled"`
	OrdersFailed    int            `json:"orders_failed"`
	Alerts          int            `json:"alerts"`
	Deferred        int            `json:"deferred"`
}

// NewCycleStats returns zeroed stats for cycle seq.
func NewCycleStats(seq uint64, startedAt time.Time) CycleStats {
	return CycleStats{
		Seq:         seq,
		StartedAt:   startedAt,
		ByDirection: make(map[string]int),
		Rejections:  make(map[string]int),
	}
}

// Totals accumulate across cycles for the stats endpoint.
type Totals struct {
	Cycles       uint64         `json:"cycles"`
	SkippedTicks uint64         `json:"skipped_ticks"`
	Emitted      uint64         `json:"emitted"`
	ByDirection  map[string]int `json:"by_direction"`
	OrdersFilled uint64         `json:"orders_filled"`
	OrdersFailed uint64         `json:"orders_failed"`
	Alerts       uint64         `json:"alerts"`
	LastCycleAt  time.Time      `json:"last_cycle_at"`
	StartedAt    time.Time      `json:"started_at"`
}

// Snapshot is what a cycle publishes for readers.
type Snapshot struct {
	Active    []Signal   `json:"active"`
	Stats     CycleStats `json:"stats"`
	UpdatedAt time.Time  `json:"updated_at"`
}
