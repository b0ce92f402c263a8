package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentClass tunes how strongly the scorer reacts to an instrument.
type InstrumentClass string

const (
	ClassStandard     InstrumentClass = "standard"
	ClassMajor        InstrumentClass = "major"
	ClassHighVariance InstrumentClass = "high_variance"
)

// Instrument is a tradable asset as configured for the pipeline.
type Instrument struct {
	ID           string // upstream market data id, e.g. "bitcoin"
	Symbol       string // display/exchange symbol, e.g. "BTC"
	Class        InstrumentClass
	QuoteAsset   string
	MinIncrement decimal.Decimal
	Plan         OrderPlan
}

// PriceSample is a single observation in a PriceSeries.
type PriceSample struct {
	Timestamp time.Time `json:"ts"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
}

// PriceSeries holds samples for one instrument, oldest first.
type PriceSeries struct {
	Instrument string
	Samples    []PriceSample
}

// Len returns the number of samples.
func (s PriceSeries) Len() int { return len(s.Samples) }

// Prices returns the price column.
func (s PriceSeries) Prices() []float64 {
	out := make([]float64, len(s.Samples))
	for i, p := range s.Samples {
		out[i] = p.Price
	}
	return out
}

// Volumes returns the volume column.
func (s PriceSeries) Volumes() []float64 {
	out := make([]float64, len(s.Samples))
	for i, p := range s.Samples {
		out[i] = p.Volume
	}
	return out
}

// Last returns the newest sample and false when the series is empty.
func (s PriceSeries) Last() (PriceSample, bool) {
	if len(s.Samples) == 0 {
		return PriceSample{}, false
	}
	return s.Samples[len(s.Samples)-1], true
}

// Normalize orders samples oldest first and drops duplicate timestamps,
// keeping the last sample seen for a timestamp.
func (s PriceSeries) Normalize() PriceSeries {
	if len(s.Samples) < 2 {
		return s
	}
	samples := make([]PriceSample, len(s.Samples))
	copy(samples, s.Samples)
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	out := samples[:0]
	for _, p := range samples {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(p.Timestamp) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return PriceSeries{Instrument: s.Instrument, Samples: out}
}

// Quote is the cheap current snapshot of an instrument.
type Quote struct {
	Price     float64   `json:"price"`
	Change24h float64   `json:"change_24h_pct"`
	Volume24h float64   `json:"volume_24h"`
	MarketCap float64   `json:"market_cap"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Candle represents an OHLCV bar as stored by the ingest side.
type Candle struct {
	Bucket time.Time
	Symbol string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}
