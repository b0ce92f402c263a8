package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"SignalDesk/internal/domain/models"
)

// Config is the risk policy.
type Config struct {
	MinConfidence   float64
	RiskFraction    float64
	MaxLossFraction float64
	RiskReward      float64
}

// DefaultConfig returns confidence >= 75, 2% of balance per position, at most
// 1% of balance lost at the stop and a 1:3 risk/reward floor.
func DefaultConfig() Config {
	return Config{
		MinConfidence:   75,
		RiskFraction:    0.02,
		MaxLossFraction: 0.01,
		RiskReward:      3,
	}
}

// DefaultIncrement is used for instruments configured without one.
var DefaultIncrement = decimal.New(1, -8)

// rrTolerance absorbs float rounding in stop = target / ratio.
const rrTolerance = 1e-9

// Gate validates signals and sizes positions.
type Gate struct {
	cfg Config
}

// NewGate creates a gate.
func NewGate(cfg Config) *Gate {
	if cfg.RiskReward <= 0 {
		cfg.RiskReward = 3
	}
	return &Gate{cfg: cfg}
}

// Config returns the gate's policy.
func (g *Gate) Config() Config { return g.cfg }

func (g *Gate) reject(inst string, err error) error {
	return models.NewError(models.KindRiskRejection, "risk.evaluate", inst, err)
}

// Evaluate returns a sized intent or a RiskRejection error.
func (g *Gate) Evaluate(sig models.Signal, inst models.Instrument, balance decimal.Decimal) (models.OrderIntent, error) {
	side, ok := models.SideFor(sig.Direction)
	if !ok {
		return models.OrderIntent{}, g.reject(inst.Symbol, models.ErrHoldSignal)
	}
	if sig.Confidence < g.cfg.MinConfidence {
		return models.OrderIntent{}, g.reject(inst.Symbol,
			fmt.Errorf("%w: %.1f < %.1f", models.ErrLowConfidence, sig.Confidence, g.cfg.MinConfidence))
	}
	if sig.Price <= 0 || math.IsNaN(sig.Price) || math.IsInf(sig.Price, 0) {
		return models.OrderIntent{}, g.reject(inst.Symbol, fmt.Errorf("invalid price %v", sig.Price))
	}
	if !balance.IsPositive() {
		return models.OrderIntent{}, g.reject(inst.Symbol, fmt.Errorf("%w: balance %s", models.ErrNoBalance, balance))
	}

	targetPct := math.Abs(sig.TargetPct)
	stopPct := math.Abs(sig.StopPct)
	if targetPct == 0 || stopPct == 0 {
		return models.OrderIntent{}, g.reject(inst.Symbol, fmt.Errorf("%w: missing target or stop", models.ErrRiskReward))
	}
	if stopPct*g.cfg.RiskReward > targetPct*(1+rrTolerance) {
		return models.OrderIntent{}, g.reject(inst.Symbol,
			fmt.Errorf("%w: stop %.4f%% x %.1f > target %.4f%%", models.ErrRiskReward, stopPct, g.cfg.RiskReward, targetPct))
	}

	byFraction := balance.Mul(decimal.NewFromFloat(g.cfg.RiskFraction))
	notional := byFraction
	if g.cfg.MaxLossFraction > 0 {
		byLoss := balance.Mul(decimal.NewFromFloat(g.cfg.MaxLossFraction)).
			Div(decimal.NewFromFloat(stopPct / 100))
		notional = decimal.Min(byFraction, byLoss)
	}

	inc := inst.MinIncrement
	if !inc.IsPositive() {
		inc = DefaultIncrement
	}
	price := decimal.NewFromFloat(sig.Price)
	qty := Quantize(notional.Div(price), inc)
	if qty.LessThan(inc) {
		return models.OrderIntent{}, g.reject(inst.Symbol,
			fmt.Errorf("%w: %s < %s", models.ErrBelowIncrement, notional.Div(price).StringFixed(10), inc))
	}

	return models.OrderIntent{
		Instrument:  inst,
		Symbol:      inst.Symbol,
		Side:        side,
		Plan:        inst.Plan,
		Quantity:    qty,
		Notional:    qty.Mul(price),
		EntryPrice:  price,
		StopPrice:   decimal.NewFromFloat(sig.StopPrice),
		TargetPrice: decimal.NewFromFloat(sig.TargetPrice),
		Signal:      sig,
	}, nil
}

// Quantize floors qty to a multiple of inc.
func Quantize(qty, inc decimal.Decimal) decimal.Decimal {
	if !inc.IsPositive() {
		return qty
	}
	return qty.Div(inc).Floor().Mul(inc)
}

// IsRejection reports whether err came from the gate.
func IsRejection(err error) bool {
	var e *models.Error
	return errors.As(err, &e) && e.Kind == models.KindRiskRejection
}
