package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"SignalDesk/internal/domain/models"
	"SignalDesk/internal/domain/repository"
	"SignalDesk/internal/services/risk"
	applogger "SignalDesk/pkg/logger"
	"SignalDesk/pkg/metrics"
)

// AlertFunc receives alerts raised while dispatching.
type AlertFunc func(ctx context.Context, a models.Alert)

// Dispatcher places entries and their exit pairs through a connector.
type Dispatcher struct {
	conn    repository.ExchangeConnector
	policy  RetryPolicy
	l       *applogger.Logger
	metrics repository.Metrics
	alert   AlertFunc
	sleep   sleeper
	now     func() time.Time
	newID   func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *applogger.Logger) Option { return func(d *Dispatcher) { d.l = l } }

func WithMetrics(m repository.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithAlertFunc sets where unprotected-position alerts go.
func WithAlertFunc(fn AlertFunc) Option { return func(d *Dispatcher) { d.alert = fn } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithSleeper replaces the backoff/TWAP wait.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// WithIDGenerator replaces uuid client order IDs.
func WithIDGenerator(fn func() string) Option { return func(d *Dispatcher) { d.newID = fn } }

// NewDispatcher creates a dispatcher over conn.
func NewDispatcher(conn repository.ExchangeConnector, policy RetryPolicy, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conn:    conn,
		policy:  policy,
		l:       applogger.NewNop(),
		metrics: metrics.Nop{},
		alert:   func(context.Context, models.Alert) {},
		sleep:   sleepCtx,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Balance fetches the available amount of asset with the retry policy.
func (d *Dispatcher) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var out decimal.Decimal
	_, err := d.do(ctx, "fetch_balance", asset, func(ctx context.Context) error {
		b, err := d.conn.FetchBalance(ctx, asset)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// Dispatch places the entry described by intent and, once filled, its
// one-cancels-other exit pair. A filled entry is never unwound: when the
// exits cannot be placed the order is returned as UNPROTECTED together with
// a KindUnprotectedPosition error and a critical alert.
func (d *Dispatcher) Dispatch(ctx context.Context, intent models.OrderIntent) (models.Order, error) {
	order := models.Order{
		Instrument:    intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Plan.Type,
		RequestedSize: intent.Quantity,
		Price:         intent.EntryPrice,
		StartedAt:     d.now(),
	}
	finish := func(status models.ExecutionStatus, err error) (models.Order, error) {
		order.Status = status
		order.FinishedAt = d.now()
		if err != nil {
			order.Error = err.Error()
		}
		d.metrics.RecordOrder(order.Type.String(), string(status))
		return order, err
	}

	if err := intent.Plan.Validate(); err != nil {
		return finish(models.ExecFailed, models.NewError(models.KindPermanentExecution, "dispatch", intent.Symbol, err))
	}
	if !intent.Quantity.IsPositive() {
		return finish(models.ExecFailed, models.NewError(models.KindPermanentExecution, "dispatch", intent.Symbol, models.ErrBelowIncrement))
	}

	var entryErr error
	switch intent.Plan.Type {
	case models.OrderMarket:
		entryErr = d.single(ctx, &order, intent, models.KindMarket, decimal.Zero)
	case models.OrderLimit:
		entryErr = d.single(ctx, &order, intent, models.KindLimit, intent.EntryPrice)
	case models.OrderTWAP:
		entryErr = d.twap(ctx, &order, intent)
	}

	if !order.FilledSize.IsPositive() {
		if entryErr != nil {
			d.l.Warn("entry order failed",
				applogger.String("instrument", intent.Symbol),
				applogger.String("type", intent.Plan.Type.String()),
				applogger.Int("attempts", order.Attempts),
				applogger.Error(entryErr),
			)
			return finish(models.ExecFailed, entryErr)
		}
		d.l.Info("entry order resting",
			applogger.String("instrument", intent.Symbol),
			applogger.String("type", intent.Plan.Type.String()),
		)
		return finish(models.ExecResting, nil)
	}

	exits, exitErr := d.placeExits(ctx, intent, order.FilledSize)
	order.LinkedExit = exits
	if exitErr != nil {
		d.raiseUnprotected(ctx, intent, order.FilledSize, exitErr)
		return finish(models.ExecUnprotected,
			models.NewError(models.KindUnprotectedPosition, "dispatch.exits", intent.Symbol, exitErr))
	}

	d.l.Info("entry filled and protected",
		applogger.String("instrument", intent.Symbol),
		applogger.String("side", string(intent.Side)),
		applogger.String("filled", order.FilledSize.String()),
		applogger.String("oco_group", exits.Group),
	)
	if entryErr != nil {
		// partial TWAP fill: the filled part is protected, the rest is dropped
		order.Error = entryErr.Error()
	}
	return finish(models.ExecFilled, nil)
}

// single places one entry order, retrying transient failures with the
// same client order ID.
func (d *Dispatcher) single(ctx context.Context, order *models.Order, intent models.OrderIntent, kind models.OrderKind, price decimal.Decimal) error {
	ref, attempts, err := d.submit(ctx, models.OrderSpec{
		ClientOrderID: d.newID(),
		Instrument:    intent.Symbol,
		Side:          intent.Side,
		Kind:          kind,
		Quantity:      intent.Quantity,
		Price:         price,
	})
	order.Attempts += attempts
	if err != nil {
		return err
	}
	order.Entries = append(order.Entries, ref)
	if ref.Status == models.StatusFilled {
		order.FilledSize = order.FilledSize.Add(filledQty(ref, intent.Quantity))
	}
	return nil
}

// twap splits the entry into equal market slices, the last one taking the
// rounding remainder. A failing slice stops the schedule.
func (d *Dispatcher) twap(ctx context.Context, order *models.Order, intent models.OrderIntent) error {
	inc := intent.Instrument.MinIncrement
	if !inc.IsPositive() {
		inc = risk.DefaultIncrement
	}
	slices := intent.Plan.TWAP.Slices
	if most := intent.Quantity.Div(inc).Floor().IntPart(); int64(slices) > most {
		slices = int(most)
	}
	if slices < 1 {
		slices = 1
	}
	per := risk.Quantize(intent.Quantity.Div(decimal.NewFromInt(int64(slices))), inc)

	remaining := intent.Quantity
	for i := 0; i < slices; i++ {
		qty := per
		if i == slices-1 {
			qty = remaining
		}
		if i > 0 {
			if err := d.sleep(ctx, intent.Plan.TWAP.Interval); err != nil {
				return models.NewError(models.KindTransientExecution, "twap", intent.Symbol, err)
			}
		}
		ref, attempts, err := d.submit(ctx, models.OrderSpec{
			ClientOrderID: d.newID(),
			Instrument:    intent.Symbol,
			Side:          intent.Side,
			Kind:          models.KindMarket,
			Quantity:      qty,
		})
		order.Attempts += attempts
		if err != nil {
			return fmt.Errorf("twap slice %d/%d: %w", i+1, slices, err)
		}
		order.Entries = append(order.Entries, ref)
		if ref.Status == models.StatusFilled {
			order.FilledSize = order.FilledSize.Add(filledQty(ref, qty))
		}
		remaining = remaining.Sub(qty)
	}
	return nil
}

// placeExits submits stop-loss and take-profit legs linked by one OCO group.
// Legs that were placed stay in the returned pair even on error.
func (d *Dispatcher) placeExits(ctx context.Context, intent models.OrderIntent, qty decimal.Decimal) (*models.ExitPair, error) {
	pair := &models.ExitPair{Group: d.newID()}
	side := intent.Side.Opposite()

	var errs []error
	legs := []struct {
		kind  models.OrderKind
		price decimal.Decimal
		dst   **models.OrderRef
	}{
		{models.KindStopLoss, intent.StopPrice, &pair.StopLoss},
		{models.KindTakeProfit, intent.TargetPrice, &pair.TakeProfit},
	}
	for _, leg := range legs {
		ref, _, err := d.submit(ctx, models.OrderSpec{
			ClientOrderID: d.newID(),
			Instrument:    intent.Symbol,
			Side:          side,
			Kind:          leg.kind,
			Quantity:      qty,
			Price:         leg.price,
			OCOGroup:      pair.Group,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", leg.kind, err))
			continue
		}
		r := ref
		*leg.dst = &r
	}
	return pair, errors.Join(errs...)
}

func (d *Dispatcher) submit(ctx context.Context, spec models.OrderSpec) (models.OrderRef, int, error) {
	var ref models.OrderRef
	attempts, err := d.do(ctx, "submit_order", spec.Instrument, func(ctx context.Context) error {
		r, err := d.conn.SubmitOrder(ctx, spec)
		if err != nil {
			return err
		}
		if r.Status == models.StatusRejected {
			return models.Permanentf("submit_order", "order %s rejected by exchange", spec.ClientOrderID)
		}
		ref = r
		return nil
	})
	return ref, attempts, err
}

func (d *Dispatcher) raiseUnprotected(ctx context.Context, intent models.OrderIntent, qty decimal.Decimal, err error) {
	a := models.Alert{
		Level:      models.AlertCritical,
		Instrument: intent.Symbol,
		Message:    fmt.Sprintf("unprotected %s position of %s: exit pair not placed: %v", intent.Side, qty, err),
		At:         d.now(),
	}
	d.l.Error("unprotected position",
		applogger.String("severity", string(a.Level)),
		applogger.String("instrument", intent.Symbol),
		applogger.String("side", string(intent.Side)),
		applogger.String("quantity", qty.String()),
		applogger.Error(err),
	)
	d.metrics.RecordAlert(string(a.Level))
	d.alert(ctx, a)
}

func filledQty(ref models.OrderRef, requested decimal.Decimal) decimal.Decimal {
	if ref.FilledQty.IsPositive() {
		return ref.FilledQty
	}
	return requested
}
