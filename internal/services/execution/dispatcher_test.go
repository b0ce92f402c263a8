package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"SignalDesk/internal/domain/models"
)

type fakeConn struct {
	mu      sync.Mutex
	specs   []models.OrderSpec
	cancels int
	// respond decides the outcome of the n-th submit (0-based).
	respond func(n int, spec models.OrderSpec) (models.OrderRef, error)
	balance decimal.Decimal
	balErrs []error
}

func (f *fakeConn) SubmitOrder(_ context.Context, spec models.OrderSpec) (models.OrderRef, error) {
	f.mu.Lock()
	n := len(f.specs)
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(n, spec)
	}
	return filled(spec), nil
}

func (f *fakeConn) CancelOrder(context.Context, models.OrderRef) error {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) FetchBalance(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.balErrs) > 0 {
		err := f.balErrs[0]
		f.balErrs = f.balErrs[1:]
		return decimal.Zero, err
	}
	return f.balance, nil
}

func filled(spec models.OrderSpec) models.OrderRef {
	status := models.StatusFilled
	if spec.Kind == models.KindStopLoss || spec.Kind == models.KindTakeProfit {
		status = models.StatusNew
	}
	return models.OrderRef{
		ID:            "ex-" + spec.ClientOrderID,
		ClientOrderID: spec.ClientOrderID,
		Status:        status,
		FilledQty:     spec.Quantity,
	}
}

func newTestDispatcher(conn *fakeConn, opts ...Option) (*Dispatcher, *[]models.Alert, *[]time.Duration) {
	var (
		alerts []models.Alert
		sleeps []time.Duration
		ids    int
	)
	base := []Option{
		WithAlertFunc(func(_ context.Context, a models.Alert) { alerts = append(alerts, a) }),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}),
		WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("id-%d", ids)
		}),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	}
	return NewDispatcher(conn, DefaultRetryPolicy(), append(base, opts...)...), &alerts, &sleeps
}

func testIntent(plan models.OrderPlan) models.OrderIntent {
	return models.OrderIntent{
		Instrument:  models.Instrument{ID: "bitcoin", Symbol: "BTC", MinIncrement: decimal.RequireFromString("0.001")},
		Symbol:      "BTC",
		Side:        models.SideBuy,
		Plan:        plan,
		Quantity:    decimal.NewFromInt(2),
		EntryPrice:  decimal.NewFromInt(100),
		StopPrice:   decimal.NewFromInt(97),
		TargetPrice: decimal.NewFromInt(109),
	}
}

func TestDispatchMarketPlacesEntryAndExits(t *testing.T) {
	conn := &fakeConn{}
	d, alerts, _ := newTestDispatcher(conn)

	order, err := d.Dispatch(context.Background(), testIntent(models.MarketPlan()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != models.ExecFilled {
		t.Fatalf("status = %s, want FILLED", order.Status)
	}
	if !order.FilledSize.Equal(decimal.NewFromInt(2)) {
		t.Errorf("filled = %s, want 2", order.FilledSize)
	}
	if len(conn.specs) != 3 {
		t.Fatalf("submits = %d, want entry + 2 exits", len(conn.specs))
	}
	sl, tp := conn.specs[1], conn.specs[2]
	if sl.Kind != models.KindStopLoss || tp.Kind != models.KindTakeProfit {
		t.Errorf("exit kinds = %s/%s", sl.Kind, tp.Kind)
	}
	if sl.Side != models.SideSell || tp.Side != models.SideSell {
		t.Errorf("exits must close the position")
	}
	if sl.OCOGroup == "" || sl.OCOGroup != tp.OCOGroup {
		t.Errorf("exits not linked: %q vs %q", sl.OCOGroup, tp.OCOGroup)
	}
	if !sl.Price.Equal(decimal.NewFromInt(97)) || !tp.Price.Equal(decimal.NewFromInt(109)) {
		t.Errorf("exit prices = %s/%s", sl.Price, tp.Price)
	}
	if !order.LinkedExit.Protected() {
		t.Error("expected a protected exit pair")
	}
	if len(*alerts) != 0 {
		t.Errorf("unexpected alerts: %v", *alerts)
	}
}

func TestDispatchRetriesExhausted(t *testing.T) {
	conn := &fakeConn{respond: func(n int, spec models.OrderSpec) (models.OrderRef, error) {
		if n >= 3 {
			return filled(spec), nil
		}
		return models.OrderRef{}, models.Transient("submit", errors.New("503"))
	}}
	d, _, sleeps := newTestDispatcher(conn)

	order, err := d.Dispatch(context.Background(), testIntent(models.MarketPlan()))
	if !errors.Is(err, models.ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	if models.KindOf(err) != models.KindPermanentExecution || models.IsTransient(err) {
		t.Errorf("kind = %q transient = %v, want permanent", models.KindOf(err), models.IsTransient(err))
	}
	if len(conn.specs) != 3 {
		t.Errorf("submits = %d, want 3", len(conn.specs))
	}
	if order.Status != models.ExecFailed || order.Attempts != 3 {
		t.Errorf("order = %s after %d attempts", order.Status, order.Attempts)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(*sleeps) != len(want) || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Errorf("backoff = %v, want %v", *sleeps, want)
	}
}

func TestDispatchPermanentErrorNotRetried(t *testing.T) {
	conn := &fakeConn{respond: func(int, models.OrderSpec) (models.OrderRef, error) {
		return models.OrderRef{}, errors.New("insufficient funds")
	}}
	d, _, _ := newTestDispatcher(conn)

	_, err := d.Dispatch(context.Background(), testIntent(models.MarketPlan()))
	if models.KindOf(err) != models.KindPermanentExecution {
		t.Fatalf("kind = %q, want permanent", models.KindOf(err))
	}
	if len(conn.specs) != 1 {
		t.Errorf("submits = %d, want 1", len(conn.specs))
	}
}

func TestDispatchTransientThenSuccessReusesClientID(t *testing.T) {
	conn := &fakeConn{}
	conn.respond = func(n int, spec models.OrderSpec) (models.OrderRef, error) {
		if n == 0 {
			return models.OrderRef{}, models.Transient("submit", errors.New("timeout"))
		}
		return filled(spec), nil
	}
	d, _, _ := newTestDispatcher(conn)

	order, err := d.Dispatch(context.Background(), testIntent(models.MarketPlan()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", order.Attempts)
	}
	if conn.specs[0].ClientOrderID != conn.specs[1].ClientOrderID {
		t.Errorf("retry changed client id: %s -> %s", conn.specs[0].ClientOrderID, conn.specs[1].ClientOrderID)
	}
}

func TestDispatchExitFailureLeavesPositionUnprotected(t *testing.T) {
	conn := &fakeConn{}
	conn.respond = func(_ int, spec models.OrderSpec) (models.OrderRef, error) {
		if spec.Kind == models.KindTakeProfit {
			return models.OrderRef{}, errors.New("invalid price")
		}
		return filled(spec), nil
	}
	d, alerts, _ := newTestDispatcher(conn)

	order, err := d.Dispatch(context.Background(), testIntent(models.MarketPlan()))
	if models.KindOf(err) != models.KindUnprotectedPosition {
		t.Fatalf("kind = %q, want unprotected_position", models.KindOf(err))
	}
	if order.Status != models.ExecUnprotected {
		t.Errorf("status = %s", order.Status)
	}
	if order.LinkedExit == nil || order.LinkedExit.StopLoss == nil || order.LinkedExit.TakeProfit != nil {
		t.Errorf("exit pair = %+v", order.LinkedExit)
	}
	if conn.cancels != 0 {
		t.Errorf("entry must not be unwound, cancels = %d", conn.cancels)
	}
	if len(*alerts) != 1 || (*alerts)[0].Level != models.AlertCritical {
		t.Fatalf("alerts = %+v, want one critical", *alerts)
	}
}

func TestDispatchLimitResting(t *testing.T) {
	conn := &fakeConn{respond: func(_ int, spec models.OrderSpec) (models.OrderRef, error) {
		return models.OrderRef{ID: "x", ClientOrderID: spec.ClientOrderID, Status: models.StatusNew}, nil
	}}
	d, _, _ := newTestDispatcher(conn)

	order, err := d.Dispatch(context.Background(), testIntent(models.LimitPlan()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != models.ExecResting {
		t.Errorf("status = %s, want RESTING", order.Status)
	}
	if len(conn.specs) != 1 || conn.specs[0].Kind != models.KindLimit || !conn.specs[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("specs = %+v", conn.specs)
	}
	if order.LinkedExit != nil {
		t.Error("no exits expected before the entry fills")
	}
}

func TestDispatchTWAPSlices(t *testing.T) {
	conn := &fakeConn{}
	d, _, sleeps := newTestDispatcher(conn)
	intent := testIntent(models.TWAPPlan(3, time.Minute))

	order, err := d.Dispatch(context.Background(), intent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(order.Entries))
	}
	sum := decimal.Zero
	for _, s := range conn.specs[:3] {
		if s.Kind != models.KindMarket {
			t.Errorf("slice kind = %s", s.Kind)
		}
		sum = sum.Add(s.Quantity)
	}
	if !sum.Equal(intent.Quantity) {
		t.Errorf("slices sum to %s, want %s", sum, intent.Quantity)
	}
	if !conn.specs[0].Quantity.Equal(decimal.RequireFromString("0.666")) {
		t.Errorf("first slice = %s", conn.specs[0].Quantity)
	}
	if len(*sleeps) != 2 {
		t.Errorf("interval waits = %d, want 2", len(*sleeps))
	}
	if !conn.specs[3].Quantity.Equal(intent.Quantity) {
		t.Errorf("exit quantity = %s, want full fill", conn.specs[3].Quantity)
	}
}

func TestDispatchTWAPPartialFailureProtectsFilledPart(t *testing.T) {
	conn := &fakeConn{}
	conn.respond = func(n int, spec models.OrderSpec) (models.OrderRef, error) {
		if spec.Kind == models.KindMarket && n >= 1 {
			return models.OrderRef{}, errors.New("market closed")
		}
		return filled(spec), nil
	}
	d, _, _ := newTestDispatcher(conn)

	order, err := d.Dispatch(context.Background(), testIntent(models.TWAPPlan(4, time.Second)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != models.ExecFilled || order.Error == "" {
		t.Errorf("order = %s %q", order.Status, order.Error)
	}
	if !order.FilledSize.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("filled = %s, want 0.5", order.FilledSize)
	}
	if !order.LinkedExit.Protected() || !order.LinkedExit.StopLoss.FilledQty.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("exits = %+v", order.LinkedExit)
	}
}

func TestDispatchRejectsInvalidPlan(t *testing.T) {
	conn := &fakeConn{}
	d, _, _ := newTestDispatcher(conn)

	_, err := d.Dispatch(context.Background(), testIntent(models.TWAPPlan(0, time.Second)))
	if models.KindOf(err) != models.KindPermanentExecution {
		t.Fatalf("kind = %q", models.KindOf(err))
	}
	if len(conn.specs) != 0 {
		t.Errorf("nothing should be submitted")
	}
}

func TestBalanceRetries(t *testing.T) {
	conn := &fakeConn{
		balance: decimal.NewFromInt(10000),
		balErrs: []error{models.Transient("balance", errors.New("reset"))},
	}
	d, _, _ := newTestDispatcher(conn)

	b, err := d.Balance(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("balance = %s", b)
	}
}

func TestBackoffCapped(t *testing.T) {
	p := RetryPolicy{BackoffBase: time.Second, BackoffMax: 3 * time.Second}
	for retry, want := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second} {
		if got := p.Backoff(retry); got != want {
			t.Errorf("Backoff(%d) = %s, want %s", retry, got, want)
		}
	}
}
