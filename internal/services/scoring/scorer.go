package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"SignalDesk/internal/domain/models"
)

// Config holds every weight and threshold of the scoring policy.
type Config struct {
	RSIExtremeLow     float64
	RSIModerateLow    float64
	RSIMildLow        float64
	RSIExtremeHigh    float64
	RSIModerateHigh   float64
	RSIMildHigh       float64
	RSIExtremeWeight  float64
	RSIModerateWeight float64
	RSIMildWeight     float64

	TrendWeight float64

	SMABandPct float64
	SMAWeight  float64

	MomentumLowPct     float64
	MomentumHighPct    float64
	MomentumLowWeight  float64
	MomentumHighWeight float64

	VolumeCapRatio float64
	VolumeWeight   float64

	HighVolatilityPct     float64
	LowVolatilityPct      float64
	HighVolatilityPenalty float64
	LowVolatilityBonus    float64

	MajorMultiplier        float64
	HighVarianceMultiplier float64
	HighVarianceMovePct    float64

	StrongThreshold float64
	ActionThreshold float64

	StrengthPerPoint   float64
	ConfidencePerPoint float64

	MinTargetPct  float64
	MaxTargetPct  float64
	TargetStepPct float64
	RiskReward    float64

	Validity   time.Duration
	MaxReasons int
}

// DefaultConfig returns the canonical weights.
func DefaultConfig() Config {
	return Config{
		RSIExtremeLow:     25,
		RSIModerateLow:    35,
		RSIMildLow:        45,
		RSIExtremeHigh:    75,
		RSIModerateHigh:   65,
		RSIMildHigh:       55,
		RSIExtremeWeight:  4,
		RSIModerateWeight: 2,
		RSIMildWeight:     1,

		TrendWeight: 3,

		SMABandPct: 2,
		SMAWeight:  1,

		MomentumLowPct:     5,
		MomentumHighPct:    10,
		MomentumLowWeight:  1,
		MomentumHighWeight: 2,

		VolumeCapRatio: 0.10,
		VolumeWeight:   1,

		HighVolatilityPct:     8,
		LowVolatilityPct:      2,
		HighVolatilityPenalty: 1,
		LowVolatilityBonus:    0.5,

		MajorMultiplier:        0.8,
		HighVarianceMultiplier: 1.2,
		HighVarianceMovePct:    15,

		StrongThreshold: 5,
		ActionThreshold: 2,

		StrengthPerPoint:   10,
		ConfidencePerPoint: 7.5,

		MinTargetPct:  1.5,
		MaxTargetPct:  6,
		TargetStepPct: 0.75,
		RiskReward:    3,

		Validity:   30 * time.Minute,
		MaxReasons: 4,
	}
}

const (
	scoreFloor = 50
	scoreCeil  = 95
)

// Input is everything the scorer looks at for one instrument.
type Input struct {
	Instrument models.Instrument
	Indicators models.IndicatorSet
	Quote      models.Quote
}

// Scorer turns indicators into a directional signal. It keeps no state.
type Scorer struct {
	cfg Config
	now func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock overrides the generatedAt source.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// NewScorer creates a scorer.
func NewScorer(cfg Config, opts ...Option) *Scorer {
	if cfg.MaxReasons <= 0 {
		cfg.MaxReasons = 4
	}
	if cfg.RiskReward <= 0 {
		cfg.RiskReward = 3
	}
	s := &Scorer{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type contribution struct {
	delta  float64
	reason string
}

// Score never fails: malformed input or an internal fault yields a HOLD
// signal with confidence 50 and a single diagnostic reason.
func (s *Scorer) Score(in Input) (sig models.Signal) {
	now := s.now()
	defer func() {
		if r := recover(); r != nil {
			sig = s.failed(in, now, fmt.Errorf("panic: %v", r))
		}
	}()
	out, err := s.score(in, now)
	if err != nil {
		return s.failed(in, now, err)
	}
	return out
}

func (s *Scorer) score(in Input, now time.Time) (models.Signal, error) {
	if err := validate(in); err != nil {
		return models.Signal{}, models.NewError(models.KindComputation, "score", in.Instrument.Symbol, err)
	}
	ind := in.Indicators
	cfg := s.cfg

	var parts []contribution
	score := 0.0
	add := func(delta float64, reason string) {
		if delta == 0 {
			return
		}
		score += delta
		parts = append(parts, contribution{delta: delta, reason: reason})
	}

	switch {
	case ind.RSI <= cfg.RSIExtremeLow:
		add(cfg.RSIExtremeWeight, fmt.Sprintf("RSI %.1f extremely oversold", ind.RSI))
	case ind.RSI <= cfg.RSIModerateLow:
		add(cfg.RSIModerateWeight, fmt.Sprintf("RSI %.1f oversold", ind.RSI))
	case ind.RSI <= cfg.RSIMildLow:
		add(cfg.RSIMildWeight, fmt.Sprintf("RSI %.1f leaning oversold", ind.RSI))
	case ind.RSI >= cfg.RSIExtremeHigh:
		add(-cfg.RSIExtremeWeight, fmt.Sprintf("RSI %.1f extremely overbought", ind.RSI))
	case ind.RSI >= cfg.RSIModerateHigh:
		add(-cfg.RSIModerateWeight, fmt.Sprintf("RSI %.1f overbought", ind.RSI))
	case ind.RSI >= cfg.RSIMildHigh:
		add(-cfg.RSIMildWeight, fmt.Sprintf("RSI %.1f leaning overbought", ind.RSI))
	}

	switch ind.Trend {
	case models.TrendBullish:
		add(cfg.TrendWeight, "bullish trend: price above SMA5 > SMA10 > SMA20")
	case models.TrendBearish:
		add(-cfg.TrendWeight, "bearish trend: price below SMA5 < SMA10 < SMA20")
	}

	if ind.SMA5 > 0 {
		offset := (ind.Price - ind.SMA5) / ind.SMA5 * 100
		switch {
		case offset > cfg.SMABandPct:
			add(cfg.SMAWeight, fmt.Sprintf("price %.2f%% above SMA5", offset))
		case offset < -cfg.SMABandPct:
			add(-cfg.SMAWeight, fmt.Sprintf("price %.2f%% below SMA5", -offset))
		}
	}

	change := in.Quote.Change24h
	switch {
	case math.Abs(change) > cfg.MomentumHighPct:
		add(math.Copysign(cfg.MomentumHighWeight, change), fmt.Sprintf("strong 24h momentum %+.2f%%", change))
	case math.Abs(change) > cfg.MomentumLowPct:
		add(math.Copysign(cfg.MomentumLowWeight, change), fmt.Sprintf("24h momentum %+.2f%%", change))
	}

	if mcap := in.Quote.MarketCap; mcap > 0 && score != 0 && cfg.VolumeCapRatio > 0 {
		if ratio := in.Quote.Volume24h / mcap; ratio > cfg.VolumeCapRatio {
			add(math.Copysign(cfg.VolumeWeight, score), fmt.Sprintf("24h volume %.0f%% of market cap confirms move", ratio*100))
		}
	}

	switch {
	case ind.Volatility > cfg.HighVolatilityPct && score != 0:
		next := towardZero(score, cfg.HighVolatilityPenalty)
		add(next-score, fmt.Sprintf("high volatility %.2f%% dampens score", ind.Volatility))
	case ind.Volatility < cfg.LowVolatilityPct && score != 0:
		add(math.Copysign(cfg.LowVolatilityBonus, score), fmt.Sprintf("low volatility %.2f%% firms up score", ind.Volatility))
	}

	switch in.Instrument.Class {
	case models.ClassMajor:
		if cfg.MajorMultiplier > 0 && score != 0 {
			add(score*cfg.MajorMultiplier-score, fmt.Sprintf("major asset dampening x%.1f", cfg.MajorMultiplier))
		}
	case models.ClassHighVariance:
		if cfg.HighVarianceMultiplier > 0 && score != 0 && math.Abs(change) > cfg.HighVarianceMovePct {
			add(score*cfg.HighVarianceMultiplier-score, fmt.Sprintf("high-variance asset amplifying x%.1f on %.1f%% move", cfg.HighVarianceMultiplier, change))
		}
	}

	dir := s.direction(score)
	abs := math.Abs(score)
	sig := models.Signal{
		Instrument:  in.Instrument.Symbol,
		Direction:   dir,
		Strength:    clamp(scoreFloor+cfg.StrengthPerPoint*abs, scoreFloor, scoreCeil),
		Confidence:  clamp(scoreFloor+cfg.ConfidencePerPoint*abs, scoreFloor, scoreCeil),
		Price:       ind.Price,
		TargetPrice: ind.Price,
		StopPrice:   ind.Price,
		Score:       score,
		Reasons:     topReasons(parts, cfg.MaxReasons),
		Indicators:  ind,
		GeneratedAt: now,
	}
	if cfg.Validity > 0 {
		sig.ExpiresAt = now.Add(cfg.Validity)
	}
	if dir != models.Hold {
		target := clamp(cfg.MinTargetPct+cfg.TargetStepPct*(abs-cfg.ActionThreshold), cfg.MinTargetPct, cfg.MaxTargetPct)
		stop := target / cfg.RiskReward
		if dir.IsBearish() {
			target, stop = -target, -stop
		}
		sig.TargetPct = target
		sig.StopPct = -stop
		sig.TargetPrice = ind.Price * (1 + sig.TargetPct/100)
		sig.StopPrice = ind.Price * (1 + sig.StopPct/100)
	}
	return sig, nil
}

// direction applies the thresholds in order, first match wins.
func (s *Scorer) direction(score float64) models.Direction {
	switch {
	case score >= s.cfg.StrongThreshold:
		return models.StrongBuy
	case score >= s.cfg.ActionThreshold:
		return models.Buy
	case score <= -s.cfg.StrongThreshold:
		return models.StrongSell
	case score <= -s.cfg.ActionThreshold:
		return models.Sell
	default:
		return models.Hold
	}
}

func (s *Scorer) failed(in Input, now time.Time, err error) models.Signal {
	price := in.Indicators.Price
	if !finite(price) {
		price = 0
	}
	return models.Signal{
		Instrument:  in.Instrument.Symbol,
		Direction:   models.Hold,
		Strength:    scoreFloor,
		Confidence:  scoreFloor,
		Price:       price,
		TargetPrice: price,
		StopPrice:   price,
		Reasons:     []string{"scoring failed: " + err.Error()},
		GeneratedAt: now,
	}
}

func validate(in Input) error {
	ind := in.Indicators
	if !finite(ind.Price) || ind.Price <= 0 {
		return fmt.Errorf("invalid price %v", ind.Price)
	}
	fields := []struct {
		name string
		v    float64
	}{
		{"rsi", ind.RSI},
		{"macd", ind.MACDHistogram},
		{"sma5", ind.SMA5},
		{"sma10", ind.SMA10},
		{"sma20", ind.SMA20},
		{"volatility", ind.Volatility},
		{"change24h", in.Quote.Change24h},
		{"volume24h", in.Quote.Volume24h},
		{"market_cap", in.Quote.MarketCap},
	}
	for _, f := range fields {
		if !finite(f.v) {
			return fmt.Errorf("non-finite %s", f.name)
		}
	}
	if ind.RSI < 0 || ind.RSI > 100 {
		return fmt.Errorf("rsi %v out of range", ind.RSI)
	}
	if ind.Volatility < 0 {
		return fmt.Errorf("negative volatility %v", ind.Volatility)
	}
	return nil
}

// topReasons keeps the n largest contributions, in evaluation order.
func topReasons(parts []contribution, n int) []string {
	idx := make([]int, len(parts))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return math.Abs(parts[idx[a]].delta) > math.Abs(parts[idx[b]].delta)
	})
	if len(idx) > n {
		idx = idx[:n]
	}
	sort.Ints(idx)
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, parts[i].reason)
	}
	return out
}

func towardZero(x, by float64) float64 {
	if x > 0 {
		return math.Max(0, x-by)
	}
	return math.Min(0, x+by)
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
