package indicators

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"SignalDesk/internal/domain/models"
)

func seriesOf(prices ...float64) models.PriceSeries {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := models.PriceSeries{Instrument: "TEST"}
	for i, p := range prices {
		s.Samples = append(s.Samples, models.PriceSample{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Price:     p,
			Volume:    1000,
		})
	}
	return s
}

func randomWalk(r *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	p := 100.0
	for i := range out {
		p *= 1 + (r.Float64()-0.5)*0.08
		out[i] = p
	}
	return out
}

func alternating(n int, lo, hi float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = lo
		} else {
			out[i] = hi
		}
	}
	return out
}

func TestRSIRange(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		prices := randomWalk(r, 10+r.Intn(90))
		got := RSI(prices, 14)
		if got < 0 || got > 100 || math.IsNaN(got) {
			t.Fatalf("rsi out of range: %v", got)
		}
	}
}

func TestRSIEdgeCases(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		want   float64
	}{
		{"short history is neutral", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}, 50},
		{"no losses is 100", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, 100},
		{"flat is 100", []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5}, 100},
		{"no gains is 0", []float64{15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}, 0},
		{"balanced swings are 50", alternating(40, 100, 101), 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RSI(tt.prices, 14); math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("rsi = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBollingerOrdering(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		b := BollingerBands(randomWalk(r, 20+r.Intn(40)), 20, 2)
		if !(b.Upper > b.Mid && b.Mid > b.Lower) {
			t.Fatalf("expected strict ordering with variance, got %+v", b)
		}
	}

	flat := BollingerBands([]float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100,
		100, 100, 100, 100, 100, 100, 100, 100, 100, 100}, 20, 2)
	if flat.Upper != flat.Mid || flat.Mid != flat.Lower {
		t.Fatalf("expected collapsed band for zero variance, got %+v", flat)
	}
}

func TestSMAShortSeriesUsesPrice(t *testing.T) {
	if got := SMA([]float64{1, 2, 3}, 5); got != 3 {
		t.Fatalf("sma = %v, want 3", got)
	}
	if got := SMA([]float64{1, 2, 3, 4, 5, 6}, 5); got != 4 {
		t.Fatalf("sma = %v, want 4", got)
	}
}

func TestEMASeededFromFirstSample(t *testing.T) {
	got := EMA([]float64{10, 20}, 3)
	if got[0] != 10 {
		t.Fatalf("seed = %v", got[0])
	}
	if got[1] != 15 {
		t.Fatalf("ema[1] = %v, want 15", got[1])
	}
}

func TestMACDHistogram(t *testing.T) {
	if got := MACDHistogram([]float64{1, 2, 3}, 12, 26, 9); got != 0 {
		t.Fatalf("short series should be 0, got %v", got)
	}
	rising := make([]float64, 60)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	if got := MACDHistogram(rising, 12, 26, 0); got <= 0 {
		t.Fatalf("rising series macd line should be positive, got %v", got)
	}
}

func TestVolatility(t *testing.T) {
	if got := Volatility([]float64{1, 2, 3}, 20); got != 0 {
		t.Fatalf("short series should be 0, got %v", got)
	}
	got := Volatility(alternating(41, 100, 101), 20)
	// deltas are +-1 around a mean price of ~100.5
	if math.Abs(got-100/100.5) > 0.01 {
		t.Fatalf("volatility = %v", got)
	}
}

func TestTrendOf(t *testing.T) {
	tests := []struct {
		name                string
		price, s5, s10, s20 float64
		want                models.Trend
	}{
		{"bullish", 105, 104, 103, 102, models.TrendBullish},
		{"bearish", 99, 100, 101, 102, models.TrendBearish},
		{"tie is neutral", 105, 104, 103, 103, models.TrendNeutral},
		{"mixed", 105, 101, 103, 102, models.TrendNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TrendOf(tt.price, tt.s5, tt.s10, tt.s20); got != tt.want {
				t.Fatalf("trend = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComputeNeutralDefaults(t *testing.T) {
	e := NewEngine(Params{})

	empty := e.Compute(models.PriceSeries{})
	if empty.RSI != 50 || empty.Trend != models.TrendNeutral || empty.Price != 0 {
		t.Fatalf("unexpected empty set %+v", empty)
	}

	short := e.Compute(seriesOf(10, 11, 12))
	if short.RSI != 50 || short.SMA20 != 12 || short.Volatility != 0 || short.Trend != models.TrendNeutral {
		t.Fatalf("unexpected short set %+v", short)
	}
	if short.Bollinger.Upper != 12 || short.Bollinger.Lower != 12 {
		t.Fatalf("unexpected short band %+v", short.Bollinger)
	}
}

func TestStochastic(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		want   float64
	}{
		{"short", []float64{1, 2, 3}, 50},
		{"flat", alternating(20, 7, 7), 50},
		{"at high", []float64{10, 12, 11, 14, 13, 15}, 100},
		{"at low", []float64{15, 12, 11, 14, 13, 10}, 0},
		{"mid range", []float64{10, 20, 15}, 50},
		{"window only", []float64{1000, 10, 20, 15}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Stochastic(tt.prices, 3); math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("Stochastic = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeStochasticDefaults(t *testing.T) {
	e := NewEngine(Params{})
	if got := e.Compute(seriesOf(10, 11, 12)).Stochastic; got != 50 {
		t.Fatalf("short series stochastic = %v", got)
	}
	if got := e.Compute(seriesOf(alternating(30, 5, 5)...)).Stochastic; got != 50 {
		t.Fatalf("flat series stochastic = %v", got)
	}
	if got := e.Compute(models.PriceSeries{}).Stochastic; got != 50 {
		t.Fatalf("empty series stochastic = %v", got)
	}
	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = float64(100 + i)
	}
	if got := e.Compute(seriesOf(prices...)).Stochastic; got != 100 {
		t.Fatalf("rising series stochastic = %v", got)
	}
}

func TestComputeUptrend(t *testing.T) {
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 100 * math.Pow(1.01, float64(i))
	}
	set := NewEngine(DefaultParams()).Compute(seriesOf(prices...))
	if set.Trend != models.TrendBullish {
		t.Fatalf("trend = %s", set.Trend)
	}
	if set.RSI != 100 {
		t.Fatalf("rsi = %v", set.RSI)
	}
	if set.MACDHistogram == 0 {
		t.Fatalf("expected non-zero macd histogram")
	}
	if set.Volatility <= 0 {
		t.Fatalf("expected positive volatility")
	}
}

func TestNormalizeOrdersAndDedupes(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := models.PriceSeries{Samples: []models.PriceSample{
		{Timestamp: t0.Add(2 * time.Minute), Price: 3},
		{Timestamp: t0, Price: 1},
		{Timestamp: t0.Add(time.Minute), Price: 2},
		{Timestamp: t0.Add(time.Minute), Price: 2.5},
	}}
	got := s.Normalize().Prices()
	want := []float64{1, 2.5, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
