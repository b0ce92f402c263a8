package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"SignalDesk/internal/domain/models"
	"SignalDesk/internal/domain/repository"
	"SignalDesk/internal/service/ratelimit"
	"SignalDesk/pkg/cache"
	xhttp "SignalDesk/pkg/http"
)

const marketChart = `{
  "prices": [[1700000000000, 100.5], [1700000300000, 101.0], [1700000600000, 99.75]],
  "total_volumes": [[1700000000000, 1000], [1700000300000, 1100], [1700000600000, 900]],
  "market_caps": []
}`

const simplePrice = `{
  "bitcoin": {"usd": 42000.5, "usd_24h_change": -1.25, "usd_24h_vol": 2.1e10, "usd_market_cap": 8.2e11, "last_updated_at": 1700000600},
  "ethereum": {"usd": 2200}
}`

func newTestServer(t *testing.T, hits *int) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if hits != nil {
			*hits++
		}
		mu.Unlock()
		switch {
		case r.URL.Path == "/coins/bitcoin/market_chart":
			if r.URL.Query().Get("vs_currency") != "usd" || r.URL.Query().Get("days") != "1" {
				http.Error(w, "bad query", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(marketChart))
		case r.URL.Path == "/coins/limited/market_chart":
			http.Error(w, "slow down", http.StatusTooManyRequests)
		case r.URL.Path == "/simple/price":
			_, _ = w.Write([]byte(simplePrice))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestHTTPSupplierFetchSeries(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()
	s := NewHTTPSupplier(xhttp.NewClient(xhttp.WithTimeout(time.Second)), WithBaseURL(srv.URL))

	series, err := s.FetchSeries(context.Background(), "bitcoin", 24*time.Hour)
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	if series.Len() != 3 {
		t.Fatalf("samples = %d, want 3", series.Len())
	}
	last, _ := series.Last()
	if last.Price != 99.75 || last.Volume != 900 {
		t.Errorf("last = %+v", last)
	}
	if !series.Samples[0].Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("first ts = %v", series.Samples[0].Timestamp)
	}
}

func TestHTTPSupplierTrimsToLookback(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()
	s := NewHTTPSupplier(xhttp.NewClient(), WithBaseURL(srv.URL))

	series, err := s.FetchSeries(context.Background(), "bitcoin", 6*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if series.Len() != 2 {
		t.Errorf("samples = %d, want 2 within 6m of the newest", series.Len())
	}
}

func TestHTTPSupplierErrorClassification(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()
	s := NewHTTPSupplier(xhttp.NewClient(), WithBaseURL(srv.URL))

	_, err := s.FetchSeries(context.Background(), "limited", time.Hour)
	if !models.IsTransient(err) || models.KindOf(err) != models.KindDataUnavailable {
		t.Errorf("429: kind = %q transient = %v", models.KindOf(err), models.IsTransient(err))
	}

	_, err = s.FetchSeries(context.Background(), "unknown-coin", time.Hour)
	if models.IsTransient(err) || models.KindOf(err) != models.KindPermanentExecution {
		t.Errorf("404: kind = %q transient = %v", models.KindOf(err), models.IsTransient(err))
	}
}

func TestHTTPSupplierFetchCurrent(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()
	s := NewHTTPSupplier(xhttp.NewClient(), WithBaseURL(srv.URL))

	quotes, err := s.FetchCurrent(context.Background(), []string{"bitcoin", "ethereum", "dogecoin"})
	if err != nil {
		t.Fatalf("FetchCurrent: %v", err)
	}
	btc, ok := quotes["bitcoin"]
	if !ok {
		t.Fatal("bitcoin missing")
	}
	if btc.Price != 42000.5 || btc.Change24h != -1.25 || btc.MarketCap != 8.2e11 || btc.Volume24h != 2.1e10 {
		t.Errorf("btc = %+v", btc)
	}
	if !btc.UpdatedAt.Equal(time.Unix(1700000600, 0)) {
		t.Errorf("updated_at = %v", btc.UpdatedAt)
	}
	if _, ok := quotes["dogecoin"]; ok {
		t.Error("unknown ids must be absent")
	}
	if quotes["ethereum"].Price != 2200 {
		t.Errorf("eth = %+v", quotes["ethereum"])
	}
}

type fakeMarket struct {
	mu         sync.Mutex
	seriesHits int
	quoteCalls [][]string
	quotes     map[string]models.Quote
	err        error
}

func (f *fakeMarket) FetchSeries(_ context.Context, id string, _ time.Duration) (models.PriceSeries, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seriesHits++
	if f.err != nil {
		return models.PriceSeries{}, f.err
	}
	return models.PriceSeries{Instrument: id, Samples: []models.PriceSample{{Timestamp: time.Unix(1, 0), Price: 10}}}, nil
}

func (f *fakeMarket) FetchCurrent(_ context.Context, ids []string) (map[string]models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteCalls = append(f.quoteCalls, append([]string(nil), ids...))
	out := make(map[string]models.Quote)
	for _, id := range ids {
		if q, ok := f.quotes[id]; ok {
			out[id] = q
		}
	}
	return out, f.err
}

var _ repository.MarketData = (*fakeMarket)(nil)

func TestCachedSupplierSeriesHitMiss(t *testing.T) {
	next := &fakeMarket{}
	mc := cache.NewMemoryCache(cache.WithMemoryCleanup(0))
	s := NewCachedSupplier(next, mc, ratelimit.New(1000, 10), time.Minute, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		series, err := s.FetchSeries(ctx, "bitcoin", time.Hour)
		if err != nil || series.Len() != 1 {
			t.Fatalf("FetchSeries = %v, %v", series, err)
		}
	}
	if next.seriesHits != 1 {
		t.Errorf("upstream hits = %d, want 1", next.seriesHits)
	}
	if _, err := s.FetchSeries(ctx, "bitcoin", 2*time.Hour); err != nil {
		t.Fatal(err)
	}
	if next.seriesHits != 2 {
		t.Errorf("different lookback should miss, hits = %d", next.seriesHits)
	}
}

func TestCachedSupplierDoesNotCacheErrors(t *testing.T) {
	next := &fakeMarket{err: models.NewError(models.KindDataUnavailable, "fetch", "x", errors.New("down"))}
	s := NewCachedSupplier(next, cache.NewMemoryCache(cache.WithMemoryCleanup(0)), nil, time.Minute, time.Minute, nil)

	for i := 0; i < 2; i++ {
		if _, err := s.FetchSeries(context.Background(), "x", time.Hour); err == nil {
			t.Fatal("expected error")
		}
	}
	if next.seriesHits != 2 {
		t.Errorf("hits = %d, want 2", next.seriesHits)
	}
}

func TestCachedSupplierQuotesFetchOnlyMissing(t *testing.T) {
	next := &fakeMarket{quotes: map[string]models.Quote{
		"bitcoin":  {Price: 1},
		"ethereum": {Price: 2},
	}}
	s := NewCachedSupplier(next, cache.NewMemoryCache(cache.WithMemoryCleanup(0)), nil, time.Minute, time.Minute, nil)
	ctx := context.Background()

	if _, err := s.FetchCurrent(ctx, []string{"bitcoin"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.FetchCurrent(ctx, []string{"bitcoin", "ethereum"})
	if err != nil {
		t.Fatal(err)
	}
	if got["bitcoin"].Price != 1 || got["ethereum"].Price != 2 {
		t.Errorf("quotes = %+v", got)
	}
	if len(next.quoteCalls) != 2 || strings.Join(next.quoteCalls[1], ",") != "ethereum" {
		t.Errorf("upstream calls = %v", next.quoteCalls)
	}
}

type fakeStore struct {
	candles map[repository.Timeframe][]models.Candle
	asked   []int
}

func (f *fakeStore) GetLatestNCandles(_ context.Context, _ string, n int, tf repository.Timeframe) ([]models.Candle, error) {
	f.asked = append(f.asked, n)
	c := f.candles[tf]
	if len(c) > n {
		c = c[len(c)-n:]
	}
	return c, nil
}

func TestClickHouseSupplier(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var fiveMin, hourly []models.Candle
	for i := 0; i < 30; i++ {
		fiveMin = append(fiveMin, models.Candle{Bucket: base.Add(time.Duration(i) * 5 * time.Minute), Close: float64(100 + i), Volume: 1})
	}
	for i := 0; i < 25; i++ {
		hourly = append(hourly, models.Candle{Bucket: base.Add(time.Duration(i) * time.Hour), Open: 100, Close: float64(100 + i), Volume: 2})
	}
	store := &fakeStore{candles: map[repository.Timeframe][]models.Candle{repository.TF5m: fiveMin, repository.TF1h: hourly}}
	s := NewClickHouseSupplier(store, repository.TF5m, map[string]string{"bitcoin": "BTCUSDT"})

	series, err := s.FetchSeries(context.Background(), "bitcoin", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if store.asked[0] != 12 || series.Len() != 12 {
		t.Errorf("asked %d bars, got %d samples", store.asked[0], series.Len())
	}

	quotes, err := s.FetchCurrent(context.Background(), []string{"bitcoin"})
	if err != nil {
		t.Fatal(err)
	}
	q := quotes["bitcoin"]
	if q.Price != 124 {
		t.Errorf("price = %v", q.Price)
	}
	if want := 24.0; q.Change24h != want {
		t.Errorf("change = %v, want %v", q.Change24h, want)
	}
}

func TestQuoteStreamApplyAndFreshness(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	next := &fakeMarket{quotes: map[string]models.Quote{
		"bitcoin":  {Price: 41000, MarketCap: 8e11},
		"ethereum": {Price: 2100, MarketCap: 2.5e11},
	}}
	s := NewQuoteStream("ws://unused", map[string]string{"bitcoin": "btcusdt", "ethereum": "ETHUSDT"}, next, time.Minute, 0, nil)
	s.now = func() time.Time { return now }

	// prime market caps from the REST fallback
	if _, err := s.FetchCurrent(context.Background(), []string{"bitcoin"}); err != nil {
		t.Fatal(err)
	}

	msg := `[{"e":"24hrMiniTicker","E":1700000000000,"s":"BTCUSDT","c":"42000","o":"40000","h":"43000","l":"39000","v":"100","q":"4200000"},
	         {"e":"24hrMiniTicker","E":1700000000000,"s":"XRPUSDT","c":"0.5","o":"0.4"}]`
	if n := s.apply([]byte(msg)); n != 1 {
		t.Fatalf("applied %d tickers, want 1", n)
	}

	got, err := s.FetchCurrent(context.Background(), []string{"bitcoin", "ethereum"})
	if err != nil {
		t.Fatal(err)
	}
	btc := got["bitcoin"]
	if btc.Price != 42000 || btc.Change24h != 5 || btc.Volume24h != 4200000 || btc.MarketCap != 8e11 {
		t.Errorf("btc = %+v", btc)
	}
	if got["ethereum"].Price != 2100 {
		t.Errorf("eth should come from fallback: %+v", got["ethereum"])
	}
	if last := next.quoteCalls[len(next.quoteCalls)-1]; len(last) != 1 || last[0] != "ethereum" {
		t.Errorf("fallback asked for %v", last)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.FetchCurrent(context.Background(), []string{"bitcoin"}); err != nil {
		t.Fatal(err)
	}
	if last := next.quoteCalls[len(next.quoteCalls)-1]; last[0] != "bitcoin" {
		t.Errorf("stale quote should fall back, asked %v", last)
	}
}

func TestQuoteStreamRunConsumesWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := fmt.Sprintf(`{"stream":"!miniTicker@arr","data":[{"E":%d,"s":"BTCUSDT","c":"50000","o":"50000","q":"1"}]}`, time.Now().UnixMilli())
		_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	next := &fakeMarket{}
	s := NewQuoteStream("ws"+strings.TrimPrefix(srv.URL, "http"), map[string]string{"bitcoin": "BTCUSDT"}, next, time.Minute, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for {
		got, _ := s.FetchCurrent(context.Background(), []string{"bitcoin"})
		if got["bitcoin"].Price == 50000 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("quote never arrived")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
}
