package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"SignalDesk/internal/domain/models"
)

func TestHistoryIsBoundedNewestFirst(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(models.Signal{Instrument: fmt.Sprintf("I%d", i), GeneratedAt: t0.Add(time.Duration(i) * time.Minute)})
	}
	if h.Len() != 3 {
		t.Fatalf("len = %d, want 3", h.Len())
	}
	got := h.List(0, time.Time{}, "")
	want := []string{"I4", "I3", "I2"}
	for i, s := range got {
		if s.Instrument != want[i] {
			t.Fatalf("history order %v", got)
		}
	}
	if n := len(h.List(2, time.Time{}, "")); n != 2 {
		t.Fatalf("limit ignored: %d", n)
	}
	if n := len(h.List(10, t0.Add(3*time.Minute), "")); n != 2 {
		t.Fatalf("since filter returned %d", n)
	}
	if got := h.List(10, time.Time{}, "i3"); len(got) != 1 || got[0].Instrument != "I3" {
		t.Fatalf("instrument filter returned %v", got)
	}
}

func TestActiveSetKeepsOnePerInstrument(t *testing.T) {
	a := NewActiveSet()
	a.Upsert(models.Signal{Instrument: "ETH", Direction: models.Buy, ExpiresAt: t0.Add(time.Hour)})
	a.Upsert(models.Signal{Instrument: "BTC", Direction: models.Buy, ExpiresAt: t0.Add(time.Hour)})
	a.Upsert(models.Signal{Instrument: "BTC", Direction: models.Sell, ExpiresAt: t0.Add(time.Minute)})

	list := a.List(t0)
	if len(list) != 2 || list[0].Instrument != "BTC" || list[0].Direction != models.Sell {
		t.Fatalf("unexpected list %+v", list)
	}
	if n := a.Prune(t0.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, ok := a.Get("btc", t0); ok {
		t.Fatal("pruned entry still present")
	}
}

type fakeQuery struct {
	resets []string
	err    error
}

func (f *fakeQuery) Snapshot() models.Snapshot                      { return models.Snapshot{} }
func (f *fakeQuery) Signal(string) (models.Signal, bool)            { return models.Signal{}, false }
func (f *fakeQuery) History(int, time.Time, string) []models.Signal { return nil }
func (f *fakeQuery) Totals() models.Totals                          { return models.Totals{} }
func (f *fakeQuery) ResetStabilizer(_ context.Context, in string) (bool, error) {
	f.resets = append(f.resets, in)
	return true, f.err
}

func TestAdminCommandHandler(t *testing.T) {
	q := &fakeQuery{}
	h := NewAdminCommandHandler("signals.control", q, nil)
	ctx := context.Background()

	if h.Topic() != "signals.control" {
		t.Fatalf("topic %s", h.Topic())
	}
	if err := h.Handle(ctx, []byte(`{"action":"reset_stabilizer","instrument":"BTC"}`)); err != nil {
		t.Fatal(err)
	}
	if len(q.resets) != 1 || q.resets[0] != "BTC" {
		t.Fatalf("resets %v", q.resets)
	}
	for _, payload := range []string{`not json`, `{"action":"launch_rockets"}`} {
		if err := h.Handle(ctx, []byte(payload)); err != nil {
			t.Fatalf("%s: expected drop, got %v", payload, err)
		}
	}

	q.err = ErrUnknownInstrument
	if err := h.Handle(ctx, []byte(`{"action":"reset_stabilizer","instrument":"DOGE"}`)); err != nil {
		t.Fatalf("unknown instrument should be dropped, got %v", err)
	}
	q.err = models.ErrLockTimeout
	if err := h.Handle(ctx, []byte(`{"action":"reset_stabilizer","instrument":"BTC"}`)); !errors.Is(err, models.ErrLockTimeout) {
		t.Fatalf("lock timeout should be retried, got %v", err)
	}
}
