package scoring

import (
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"SignalDesk/internal/domain/models"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestScorer() *Scorer {
	return NewScorer(DefaultConfig(), WithClock(func() time.Time { return fixedNow }))
}

func neutralIndicators(price float64) models.IndicatorSet {
	return models.IndicatorSet{
		Price:      price,
		RSI:        50,
		Bollinger:  models.Bollinger{Upper: price, Mid: price, Lower: price},
		SMA5:       price,
		SMA10:      price,
		SMA20:      price,
		Volatility: 4,
		Trend:      models.TrendNeutral,
	}
}

func input(class models.InstrumentClass, ind models.IndicatorSet, q models.Quote) Input {
	return Input{
		Instrument: models.Instrument{ID: "test", Symbol: "TST", Class: class},
		Indicators: ind,
		Quote:      q,
	}
}

func TestScoreDirections(t *testing.T) {
	tests := []struct {
		name   string
		class  models.InstrumentClass
		mutate func(*models.IndicatorSet)
		quote  models.Quote
		want   models.Direction
		score  float64
	}{
		{
			name:  "flat market holds",
			class: models.ClassStandard,
			want:  models.Hold,
		},
		{
			name:  "oversold against bearish trend with momentum is a buy",
			class: models.ClassStandard,
			mutate: func(i *models.IndicatorSet) {
				i.RSI = 22
				i.Trend = models.TrendBearish
			},
			quote: models.Quote{Change24h: 6},
			want:  models.Buy,
			score: 2,
		},
		{
			name:  "oversold with bullish trend is a strong buy",
			class: models.ClassStandard,
			mutate: func(i *models.IndicatorSet) {
				i.RSI = 22
				i.Trend = models.TrendBullish
			},
			want:  models.StrongBuy,
			score: 7,
		},
		{
			name:  "overbought with bearish trend is a strong sell",
			class: models.ClassStandard,
			mutate: func(i *models.IndicatorSet) {
				i.RSI = 80
				i.Trend = models.TrendBearish
			},
			quote: models.Quote{Change24h: -12},
			want:  models.StrongSell,
			score: -9,
		},
		{
			name:  "mildly overbought with momentum is a sell",
			class: models.ClassStandard,
			mutate: func(i *models.IndicatorSet) {
				i.RSI = 60
			},
			quote: models.Quote{Change24h: -7},
			want:  models.Sell,
			score: -2,
		},
		{
			name:  "major class dampens a weak buy to hold",
			class: models.ClassMajor,
			mutate: func(i *models.IndicatorSet) {
				i.RSI = 22
				i.Trend = models.TrendBearish
			},
			quote: models.Quote{Change24h: 6},
			want:  models.Hold,
			score: 1.6,
		},
		{
			name:  "high variance class amplifies on large moves",
			class: models.ClassHighVariance,
			mutate: func(i *models.IndicatorSet) {
				i.RSI = 40
			},
			quote: models.Quote{Change24h: 16},
			want:  models.Buy,
			score: 3.6,
		},
		{
			name:  "high volatility dampens",
			class: models.ClassStandard,
			mutate: func(i *models.IndicatorSet) {
				i.RSI = 30
				i.Volatility = 9
			},
			want:  models.Hold,
			score: 1,
		},
		{
			name:  "low volatility firms up",
			class: models.ClassStandard,
			mutate: func(i *models.IndicatorSet) {
				i.RSI = 30
				i.Volatility = 1
			},
			want:  models.Buy,
			score: 2.5,
		},
		{
			name:  "volume confirmation follows the running score",
			class: models.ClassStandard,
			mutate: func(i *models.IndicatorSet) {
				i.RSI = 42
			},
			quote: models.Quote{Volume24h: 20, MarketCap: 100},
			want:  models.Buy,
			score: 2,
		},
		{
			name:  "price far above sma5 adds one",
			class: models.ClassStandard,
			mutate: func(i *models.IndicatorSet) {
				i.Price = 103
				i.RSI = 40
			},
			want:  models.Buy,
			score: 2,
		},
	}
	s := newTestScorer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ind := neutralIndicators(100)
			if tt.mutate != nil {
				tt.mutate(&ind)
			}
			sig := s.Score(input(tt.class, ind, tt.quote))
			if sig.Direction != tt.want {
				t.Fatalf("direction = %s (score %.2f, reasons %v), want %s", sig.Direction, sig.Score, sig.Reasons, tt.want)
			}
			if math.Abs(sig.Score-tt.score) > 1e-9 {
				t.Fatalf("score = %v, want %v", sig.Score, tt.score)
			}
		})
	}
}

func TestScoreHoldHasNoTargets(t *testing.T) {
	sig := newTestScorer().Score(input(models.ClassStandard, neutralIndicators(100), models.Quote{}))
	if sig.Direction != models.Hold {
		t.Fatalf("direction = %s", sig.Direction)
	}
	if sig.TargetPct != 0 || sig.StopPct != 0 {
		t.Fatalf("hold must not carry targets: %+v", sig)
	}
	if sig.Confidence != 50 || sig.Strength != 50 {
		t.Fatalf("hold confidence/strength = %v/%v", sig.Confidence, sig.Strength)
	}
	if len(sig.Reasons) != 0 {
		t.Fatalf("unexpected reasons %v", sig.Reasons)
	}
}

func TestScoreTargetsAndStops(t *testing.T) {
	s := newTestScorer()

	ind := neutralIndicators(100)
	ind.RSI = 22
	ind.Trend = models.TrendBearish
	buy := s.Score(input(models.ClassStandard, ind, models.Quote{Change24h: 6}))
	if buy.TargetPct != 1.5 || math.Abs(buy.StopPct+0.5) > 1e-9 {
		t.Fatalf("buy target/stop = %v/%v", buy.TargetPct, buy.StopPct)
	}
	if math.Abs(buy.TargetPrice-101.5) > 1e-9 || math.Abs(buy.StopPrice-99.5) > 1e-9 {
		t.Fatalf("buy prices = %v/%v", buy.TargetPrice, buy.StopPrice)
	}
	if buy.Confidence != 65 || buy.Strength != 70 {
		t.Fatalf("buy confidence/strength = %v/%v", buy.Confidence, buy.Strength)
	}

	ind = neutralIndicators(100)
	ind.RSI = 80
	ind.Trend = models.TrendBearish
	sell := s.Score(input(models.ClassStandard, ind, models.Quote{Change24h: -12}))
	if sell.TargetPct != -6 || math.Abs(sell.StopPct-2) > 1e-9 {
		t.Fatalf("sell target/stop = %v/%v", sell.TargetPct, sell.StopPct)
	}
	if sell.TargetPrice >= sell.Price || sell.StopPrice <= sell.Price {
		t.Fatalf("sell prices on wrong side: %+v", sell)
	}
	if sell.Confidence != 95 || sell.Strength != 95 {
		t.Fatalf("strong signals clamp at 95, got %v/%v", sell.Confidence, sell.Strength)
	}
	if !sell.ExpiresAt.Equal(fixedNow.Add(30 * time.Minute)) {
		t.Fatalf("expires at %v", sell.ExpiresAt)
	}
}

func TestScoreReasonsTruncatedToLargest(t *testing.T) {
	ind := neutralIndicators(100)
	ind.Price = 105
	ind.RSI = 22
	ind.Trend = models.TrendBullish
	sig := newTestScorer().Score(input(models.ClassStandard, ind, models.Quote{
		Change24h: 6, Volume24h: 20, MarketCap: 100,
	}))
	if sig.Score != 10 {
		t.Fatalf("score = %v", sig.Score)
	}
	if len(sig.Reasons) != 4 {
		t.Fatalf("reasons = %v", sig.Reasons)
	}
	wantPrefixes := []string{"RSI", "bullish trend", "price", "24h momentum"}
	for i, p := range wantPrefixes {
		if !strings.HasPrefix(sig.Reasons[i], p) {
			t.Fatalf("reason %d = %q, want prefix %q (all %v)", i, sig.Reasons[i], p, sig.Reasons)
		}
	}
}

func TestScoreIsPure(t *testing.T) {
	s := newTestScorer()
	ind := neutralIndicators(42)
	ind.RSI = 31
	ind.Trend = models.TrendBullish
	in := input(models.ClassHighVariance, ind, models.Quote{Change24h: 18, Volume24h: 5, MarketCap: 10})
	a := s.Score(in)
	b := s.Score(in)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("scorer not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestScoreFailuresBecomeHold(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.IndicatorSet)
	}{
		{"nan rsi", func(i *models.IndicatorSet) { i.RSI = math.NaN() }},
		{"zero price", func(i *models.IndicatorSet) { i.Price = 0 }},
		{"inf sma", func(i *models.IndicatorSet) { i.SMA10 = math.Inf(1) }},
		{"negative volatility", func(i *models.IndicatorSet) { i.Volatility = -1 }},
	}
	s := newTestScorer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ind := neutralIndicators(100)
			ind.RSI = 10
			tt.mutate(&ind)
			sig := s.Score(input(models.ClassStandard, ind, models.Quote{}))
			if sig.Direction != models.Hold || sig.Confidence != 50 {
				t.Fatalf("expected diagnostic hold, got %+v", sig)
			}
			if len(sig.Reasons) != 1 || !strings.HasPrefix(sig.Reasons[0], "scoring failed") {
				t.Fatalf("reasons = %v", sig.Reasons)
			}
		})
	}
}

func TestConfidenceMonotonicInScore(t *testing.T) {
	s := newTestScorer()
	prevConf, prevStrength := 0.0, 0.0
	for rsi := 50.0; rsi >= 0; rsi -= 1 {
		ind := neutralIndicators(100)
		ind.RSI = rsi
		sig := s.Score(input(models.ClassStandard, ind, models.Quote{}))
		if sig.Confidence < prevConf || sig.Strength < prevStrength {
			t.Fatalf("confidence not monotonic at rsi %v: %v < %v", rsi, sig.Confidence, prevConf)
		}
		if sig.Confidence < 50 || sig.Confidence > 95 {
			t.Fatalf("confidence %v out of band", sig.Confidence)
		}
		prevConf, prevStrength = sig.Confidence, sig.Strength
	}
}
