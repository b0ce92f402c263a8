package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Trend is the qualitative ordering of price and its moving averages.
type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

// Bollinger holds the band triple.
type Bollinger struct {
	Upper float64 `json:"upper"`
	Mid   float64 `json:"mid"`
	Lower float64 `json:"lower"`
}

// IndicatorSet is derived fresh each cycle and never mutated afterwards.
type IndicatorSet struct {
	Price         float64   `json:"price"`
	RSI           float64   `json:"rsi"`
	MACDHistogram float64   `json:"macd_histogram"`
	Bollinger     Bollinger `json:"bollinger"`
	SMA5          float64   `json:"sma5"`
	SMA10         float64   `json:"sma10"`
	SMA20         float64   `json:"sma20"`
	Volatility    float64   `json:"volatility"`
	Trend         Trend     `json:"trend"`
	VolumeRatio   float64   `json:"volume_ratio"`
	Stochastic    float64   `json:"stochastic"`
}

// Direction is the signal verdict, ordered from most bearish to most bullish.
type Direction int

const (
	StrongSell Direction = iota - 2
	Sell
	Hold
	Buy
	StrongBuy
)

var directionNames = map[Direction]string{
	StrongSell: "STRONG_SELL",
	Sell:       "SELL",
	Hold:       "HOLD",
	Buy:        "BUY",
	StrongBuy:  "STRONG_BUY",
}

func (d Direction) String() string {
	if s, ok := directionNames[d]; ok {
		return s
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// IsBullish reports whether d is BUY or STRONG_BUY.
func (d Direction) IsBullish() bool { return d > Hold }

// IsBearish reports whether d is SELL or STRONG_SELL.
func (d Direction) IsBearish() bool { return d < Hold }

// ParseDirection parses the upper-case name of a direction.
func ParseDirection(s string) (Direction, error) {
	for d, name := range directionNames {
		if strings.EqualFold(name, s) {
			return d, nil
		}
	}
	return Hold, fmt.Errorf("unknown direction %q", s)
}

func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseDirection(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Directions lists every direction, bearish first.
func Directions() []Direction {
	return []Direction{StrongSell, Sell, Hold, Buy, StrongBuy}
}

// Signal is a scored verdict for one instrument.
type Signal struct {
	Instrument  string       `json:"instrument"`
	Direction   Direction    `json:"direction"`
	Strength    float64      `json:"strength"`
	Confidence  float64      `json:"confidence"`
	Price       float64      `json:"price"`
	TargetPct   float64      `json:"target_pct"`
	StopPct     float64      `json:"stop_pct"`
	TargetPrice float64      `json:"target_price"`
	StopPrice   float64      `json:"stop_price"`
	Score       float64      `json:"score"`
	Reasons     []string     `json:"reasons"`
	Indicators  IndicatorSet `json:"indicators"`
	GeneratedAt time.Time    `json:"generated_at"`
	ExpiresAt   time.Time    `json:"expires_at,omitempty"`
}

// StabilizerRecord is the last accepted emission for an instrument.
type StabilizerRecord struct {
	Instrument     string    `json:"instrument"`
	LastDirection  Direction `json:"last_direction"`
	LastConfidence float64   `json:"last_confidence"`
	LastEmittedAt  time.Time `json:"last_emitted_at"`
	CooldownUntil  time.Time `json:"cooldown_until"`
	CycleSeq       uint64    `json:"cycle_seq"`
}
