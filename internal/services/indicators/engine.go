package indicators

import (
	"math"

	"SignalDesk/internal/domain/models"
)

// Params configures indicator lookbacks. Zero values fall back to defaults.
type Params struct {
	RSIPeriod        int
	MACDFast         int
	MACDSlow         int
	MACDSignal       int
	BollingerPeriod  int
	BollingerMult    float64
	VolatilityWindow int
	VolumeWindow     int
	StochasticPeriod int
}

// DefaultParams returns the classic 14 / 12-26-9 / 20x2 settings.
func DefaultParams() Params {
	return Params{
		RSIPeriod:        14,
		MACDFast:         12,
		MACDSlow:         26,
		MACDSignal:       9,
		BollingerPeriod:  20,
		BollingerMult:    2,
		VolatilityWindow: 20,
		VolumeWindow:     20,
		StochasticPeriod: 14,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = d.RSIPeriod
	}
	if p.MACDFast <= 0 {
		p.MACDFast = d.MACDFast
	}
	if p.MACDSlow <= 0 {
		p.MACDSlow = d.MACDSlow
	}
	if p.MACDSignal < 0 {
		p.MACDSignal = 0
	}
	if p.BollingerPeriod <= 0 {
		p.BollingerPeriod = d.BollingerPeriod
	}
	if p.BollingerMult <= 0 {
		p.BollingerMult = d.BollingerMult
	}
	if p.VolatilityWindow <= 0 {
		p.VolatilityWindow = d.VolatilityWindow
	}
	if p.VolumeWindow <= 0 {
		p.VolumeWindow = d.VolumeWindow
	}
	if p.StochasticPeriod <= 0 {
		p.StochasticPeriod = d.StochasticPeriod
	}
	return p
}

// Engine computes an IndicatorSet from a price series. It holds no state
// and is safe for concurrent use.
type Engine struct {
	p Params
}

// NewEngine creates an engine with the given parameters.
func NewEngine(p Params) *Engine {
	return &Engine{p: p.withDefaults()}
}

// Params returns the effective parameters.
func (e *Engine) Params() Params { return e.p }

// Compute derives every indicator. Short series produce neutral values
// instead of errors.
func (e *Engine) Compute(series models.PriceSeries) models.IndicatorSet {
	prices := series.Prices()
	last, ok := series.Last()
	if !ok {
		return Neutral(0)
	}
	price := last.Price

	set := models.IndicatorSet{
		Price:         price,
		RSI:           RSI(prices, e.p.RSIPeriod),
		MACDHistogram: MACDHistogram(prices, e.p.MACDFast, e.p.MACDSlow, e.p.MACDSignal),
		Bollinger:     BollingerBands(prices, e.p.BollingerPeriod, e.p.BollingerMult),
		SMA5:          SMA(prices, 5),
		SMA10:         SMA(prices, 10),
		SMA20:         SMA(prices, 20),
		Volatility:    Volatility(prices, e.p.VolatilityWindow),
		VolumeRatio:   VolumeRatio(series.Volumes(), e.p.VolumeWindow),
		Stochastic:    Stochastic(prices, e.p.StochasticPeriod),
	}
	set.Trend = TrendOf(price, set.SMA5, set.SMA10, set.SMA20)
	return set
}

// Neutral is the indicator set used when nothing can be derived.
func Neutral(price float64) models.IndicatorSet {
	return models.IndicatorSet{
		Price:       price,
		RSI:         50,
		Bollinger:   models.Bollinger{Upper: price, Mid: price, Lower: price},
		SMA5:        price,
		SMA10:       price,
		SMA20:       price,
		Trend:       models.TrendNeutral,
		VolumeRatio: 1,
		Stochastic:  50,
	}
}

func lastOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}

// RSI returns the relative strength index over the trailing period deltas,
// using simple means of gains and losses. 50 when fewer than period+1
// samples, 100 when the mean loss is zero.
func RSI(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period+1 {
		return 50
	}
	var gains, losses float64
	for i := len(prices) - period; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gains += d
		} else {
			losses -= d
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	rsi := 100 - 100/(1+rs)
	return math.Max(0, math.Min(100, rsi))
}

// EMA returns the exponential moving average series with alpha 2/(n+1),
// seeded from the first sample.
func EMA(xs []float64, n int) []float64 {
	if len(xs) == 0 || n <= 0 {
		return nil
	}
	alpha := 2 / float64(n+1)
	out := make([]float64, len(xs))
	out[0] = xs[0]
	for i := 1; i < len(xs); i++ {
		out[i] = alpha*xs[i] + (1-alpha)*out[i-1]
	}
	return out
}

// MACDHistogram returns EMA(fast) - EMA(slow) at the last sample, minus the
// signal-line EMA of that difference when signal > 0. Zero below slow samples.
func MACDHistogram(prices []float64, fast, slow, signal int) float64 {
	if len(prices) < slow || fast <= 0 || slow <= 0 {
		return 0
	}
	f := EMA(prices, fast)
	s := EMA(prices, slow)
	line := make([]float64, len(prices))
	for i := range prices {
		line[i] = f[i] - s[i]
	}
	if signal <= 0 {
		return lastOf(line)
	}
	return lastOf(line) - lastOf(EMA(line, signal))
}

// SMA returns the simple mean of the trailing period samples, or the last
// price when the series is shorter than period.
func SMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if period <= 0 || len(prices) < period {
		return lastOf(prices)
	}
	return mean(prices[len(prices)-period:])
}

// BollingerBands returns mid ± mult × population std over the trailing
// period. Short series collapse to a zero-width band at the last price.
func BollingerBands(prices []float64, period int, mult float64) models.Bollinger {
	if len(prices) == 0 {
		return models.Bollinger{}
	}
	if period <= 0 || len(prices) < period {
		p := lastOf(prices)
		return models.Bollinger{Upper: p, Mid: p, Lower: p}
	}
	window := prices[len(prices)-period:]
	mid := mean(window)
	width := stddev(window, mid) * mult
	return models.Bollinger{Upper: mid + width, Mid: mid, Lower: mid - width}
}

// Volatility returns the population std of the trailing window's price
// changes as a percentage of the window's mean price. Needs window+1 samples.
func Volatility(prices []float64, window int) float64 {
	if window <= 0 || len(prices) < window+1 {
		return 0
	}
	tail := prices[len(prices)-window-1:]
	deltas := make([]float64, 0, window)
	for i := 1; i < len(tail); i++ {
		deltas = append(deltas, tail[i]-tail[i-1])
	}
	m := mean(tail)
	if m <= 0 {
		return 0
	}
	return stddev(deltas, mean(deltas)) / m * 100
}

// VolumeRatio returns the last volume over the mean of the trailing window.
// 1 when there is not enough data or the mean is zero.
func VolumeRatio(volumes []float64, window int) float64 {
	if window <= 0 || len(volumes) < window {
		return 1
	}
	m := mean(volumes[len(volumes)-window:])
	if m <= 0 {
		return 1
	}
	return lastOf(volumes) / m
}

// Stochastic returns %K: where the last price sits in the trailing period's
// low-high range, 0-100. 50 when the series is short or the range is flat.
func Stochastic(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period {
		return 50
	}
	window := prices[len(prices)-period:]
	lo, hi := window[0], window[0]
	for _, x := range window[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if hi == lo {
		return 50
	}
	return (lastOf(prices) - lo) / (hi - lo) * 100
}

// TrendOf labels strict orderings of price and the short, medium and long
// averages.
func TrendOf(price, sma5, sma10, sma20 float64) models.Trend {
	switch {
	case price > sma5 && sma5 > sma10 && sma10 > sma20:
		return models.TrendBullish
	case price < sma5 && sma5 < sma10 && sma10 < sma20:
		return models.TrendBearish
	default:
		return models.TrendNeutral
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum2 := 0.0
	for _, x := range xs {
		d := x - m
		sum2 += d * d
	}
	return math.Sqrt(sum2 / float64(len(xs)))
}
