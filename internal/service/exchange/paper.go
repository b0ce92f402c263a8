package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"SignalDesk/internal/domain/models"
	applogger "SignalDesk/pkg/logger"
)

var (
	ErrNoPrice             = errors.New("no price available")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderNotFound       = errors.New("order not found")
)

// Fill represents a simulated order fill.
type Fill struct {
	OrderID    string
	Instrument string
	Side       models.Side
	Kind       models.OrderKind
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	At         time.Time
}

type paperOrder struct {
	spec models.OrderSpec
	ref  models.OrderRef
}

// Paper simulates an exchange with virtual balances. Orders are keyed by
// client order id, so resubmitting the same id returns the original order.
type Paper struct {
	quote string
	l     *applogger.Logger
	now   func() time.Time

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	prices   map[string]decimal.Decimal
	orders   map[string]*paperOrder
	fills    []Fill
}

// NewPaper creates a paper account holding initial units of quoteAsset.
func NewPaper(quoteAsset string, initial decimal.Decimal, l *applogger.Logger) *Paper {
	if l == nil {
		l = applogger.NewNop()
	}
	return &Paper{
		quote:    quoteAsset,
		l:        l,
		now:      time.Now,
		balances: map[string]decimal.Decimal{quoteAsset: initial},
		prices:   make(map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
	}
}

// UpdatePrice sets the mark for instrument and triggers resting orders.
func (p *Paper) UpdatePrice(instrument string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[instrument] = price
	p.trigger(instrument, price)
}

func (p *Paper) SubmitOrder(ctx context.Context, spec models.OrderSpec) (models.OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderRef{}, models.Transient("paper.submit", err)
	}
	if !spec.Quantity.IsPositive() {
		return models.OrderRef{}, models.Permanentf("paper.submit", "quantity must be positive, got %s", spec.Quantity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if o, ok := p.orders[spec.ClientOrderID]; ok {
		return o.ref, nil
	}

	o := &paperOrder{
		spec: spec,
		ref: models.OrderRef{
			ID:            uuid.NewString(),
			ClientOrderID: spec.ClientOrderID,
			Status:        models.StatusNew,
		},
	}

	mark, hasMark := p.prices[spec.Instrument]
	switch spec.Kind {
	case models.KindMarket:
		if !hasMark {
			return models.OrderRef{}, models.Permanent("paper.submit", fmt.Errorf("%w for %s", ErrNoPrice, spec.Instrument))
		}
		if err := p.fill(o, mark); err != nil {
			return models.OrderRef{}, err
		}
	case models.KindLimit:
		if !spec.Price.IsPositive() {
			return models.OrderRef{}, models.Permanentf("paper.submit", "limit order needs a price")
		}
		if hasMark && marketable(spec.Side, spec.Price, mark) {
			if err := p.fill(o, decimal.Min(spec.Price, mark)); err != nil {
				return models.OrderRef{}, err
			}
		}
	case models.KindStopLoss, models.KindTakeProfit:
		if !spec.Price.IsPositive() {
			return models.OrderRef{}, models.Permanentf("paper.submit", "%s needs a trigger price", spec.Kind)
		}
	default:
		return models.OrderRef{}, models.Permanentf("paper.submit", "unsupported order kind %q", spec.Kind)
	}

	p.orders[spec.ClientOrderID] = o
	return o.ref, nil
}

func marketable(side models.Side, limit, mark decimal.Decimal) bool {
	if side == models.SideBuy {
		return limit.GreaterThanOrEqual(mark)
	}
	return limit.LessThanOrEqual(mark)
}

// fill settles o at price. Callers hold the mutex.
func (p *Paper) fill(o *paperOrder, price decimal.Decimal) error {
	spec := o.spec
	notional := spec.Quantity.Mul(price)
	if spec.Side == models.SideBuy {
		if p.balances[p.quote].LessThan(notional) {
			return models.Permanent("paper.fill", fmt.Errorf("%w: need %s %s, have %s",
				ErrInsufficientBalance, notional, p.quote, p.balances[p.quote]))
		}
		p.balances[p.quote] = p.balances[p.quote].Sub(notional)
		p.balances[spec.Instrument] = p.balances[spec.Instrument].Add(spec.Quantity)
	} else {
		p.balances[spec.Instrument] = p.balances[spec.Instrument].Sub(spec.Quantity)
		p.balances[p.quote] = p.balances[p.quote].Add(notional)
	}

	o.ref.Status = models.StatusFilled
	o.ref.FilledQty = spec.Quantity
	o.ref.AvgPrice = price
	p.fills = append(p.fills, Fill{
		OrderID:    o.ref.ID,
		Instrument: spec.Instrument,
		Side:       spec.Side,
		Kind:       spec.Kind,
		Price:      price,
		Quantity:   spec.Quantity,
		At:         p.now(),
	})
	p.l.Info("paper order filled",
		applogger.String("id", o.ref.ID),
		applogger.String("instrument", spec.Instrument),
		applogger.String("side", string(spec.Side)),
		applogger.String("kind", string(spec.Kind)),
		applogger.String("price", price.String()),
		applogger.String("qty", spec.Quantity.String()),
	)
	return nil
}

// trigger fills resting orders crossed by price and cancels their OCO
// siblings. Callers hold the mutex.
func (p *Paper) trigger(instrument string, price decimal.Decimal) {
	for _, o := range p.orders {
		if o.ref.Status != models.StatusNew || o.spec.Instrument != instrument || !triggered(o.spec, price) {
			continue
		}
		fillAt := price
		if o.spec.Kind == models.KindLimit || o.spec.Kind == models.KindTakeProfit {
			fillAt = o.spec.Price
		}
		if err := p.fill(o, fillAt); err != nil {
			p.l.Warn("paper trigger fill failed", applogger.String("id", o.ref.ID), applogger.Error(err))
			continue
		}
		if g := o.spec.OCOGroup; g != "" {
			for _, sib := range p.orders {
				if sib != o && sib.spec.OCOGroup == g && sib.ref.Status == models.StatusNew {
					sib.ref.Status = models.StatusCanceled
				}
			}
		}
	}
}

func triggered(spec models.OrderSpec, price decimal.Decimal) bool {
	switch spec.Kind {
	case models.KindLimit:
		return marketable(spec.Side, spec.Price, price)
	case models.KindStopLoss:
		// a sell stop protects a long and fires when price falls to it
		if spec.Side == models.SideSell {
			return price.LessThanOrEqual(spec.Price)
		}
		return price.GreaterThanOrEqual(spec.Price)
	case models.KindTakeProfit:
		if spec.Side == models.SideSell {
			return price.GreaterThanOrEqual(spec.Price)
		}
		return price.LessThanOrEqual(spec.Price)
	default:
		return false
	}
}

func (p *Paper) CancelOrder(_ context.Context, ref models.OrderRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[ref.ClientOrderID]
	if !ok {
		return models.Permanent("paper.cancel", fmt.Errorf("%w: %s", ErrOrderNotFound, ref.ClientOrderID))
	}
	if o.ref.Status == models.StatusFilled {
		return models.Permanentf("paper.cancel", "cannot cancel filled order %s", ref.ClientOrderID)
	}
	o.ref.Status = models.StatusCanceled
	return nil
}

func (p *Paper) FetchBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset], nil
}

// Order returns the current state of an order by client id.
func (p *Paper) Order(clientOrderID string) (models.OrderRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[clientOrderID]
	if !ok {
		return models.OrderRef{}, false
	}
	return o.ref, true
}

// Fills returns all executed fills.
func (p *Paper) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Fill, len(p.fills))
	copy(out, p.fills)
	return out
}
