package stabilizer

import (
	"math"
	"time"

	"SignalDesk/internal/domain/models"
)

// Config sets the anti-flapping intervals.
type Config struct {
	Cooldown                   time.Duration
	MinReemitInterval          time.Duration
	MinDirectionChangeInterval time.Duration
	MinConfidenceDelta         float64
}

// DefaultConfig returns 300s cooldown and re-emit, 900s reversal and a
// 20 point confidence delta.
func DefaultConfig() Config {
	return Config{
		Cooldown:                   300 * time.Second,
		MinReemitInterval:          300 * time.Second,
		MinDirectionChangeInterval: 900 * time.Second,
		MinConfidenceDelta:         20,
	}
}

// Reason explains a decision.
type Reason string

const (
	ReasonAccepted        Reason = "accepted"
	ReasonHold            Reason = "hold"
	ReasonStale           Reason = "stale_cycle"
	ReasonCooldown        Reason = "cooldown"
	ReasonReemit          Reason = "reemit_interval"
	ReasonDirectionChange Reason = "direction_change"
	ReasonConfidenceDelta Reason = "confidence_delta"
)

// Decision is the outcome for one candidate. Record is the record to commit
// when Accepted.
type Decision struct {
	Accepted bool
	Reason   Reason
	Record   models.StabilizerRecord
}

// Policy evaluates candidates against the previous record. It is pure.
type Policy struct {
	cfg Config
}

// NewPolicy creates a policy.
func NewPolicy(cfg Config) *Policy { return &Policy{cfg: cfg} }

// Config returns the policy settings.
func (p *Policy) Config() Config { return p.cfg }

// Evaluate decides whether cand may be emitted at now by cycle seq.
func (p *Policy) Evaluate(prev *models.StabilizerRecord, cand models.Signal, now time.Time, seq uint64) Decision {
	if cand.Direction == models.Hold {
		return Decision{Reason: ReasonHold}
	}
	if prev != nil {
		if prev.CycleSeq > seq {
			return Decision{Reason: ReasonStale}
		}
		if now.Before(prev.CooldownUntil) {
			return Decision{Reason: ReasonCooldown}
		}
		elapsed := now.Sub(prev.LastEmittedAt)
		if elapsed < p.cfg.MinReemitInterval {
			return Decision{Reason: ReasonReemit}
		}
		if cand.Direction != prev.LastDirection && elapsed < p.cfg.MinDirectionChangeInterval {
			return Decision{Reason: ReasonDirectionChange}
		}
		if math.Abs(cand.Confidence-prev.LastConfidence) < p.cfg.MinConfidenceDelta {
			return Decision{Reason: ReasonConfidenceDelta}
		}
	}
	return Decision{
		Accepted: true,
		Reason:   ReasonAccepted,
		Record: models.StabilizerRecord{
			Instrument:     cand.Instrument,
			LastDirection:  cand.Direction,
			LastConfidence: cand.Confidence,
			LastEmittedAt:  now,
			CooldownUntil:  now.Add(p.cfg.Cooldown),
			CycleSeq:       seq,
		},
	}
}
