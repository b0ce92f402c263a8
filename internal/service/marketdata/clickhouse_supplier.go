package marketdata

import (
	"context"
	"time"

	"SignalDesk/internal/domain/models"
	"SignalDesk/internal/domain/repository"
)

const maxBars = 2000

// ClickHouseSupplier serves series and quotes from stored candles. It has no
// market cap, so quotes carry MarketCap 0 and skip volume confirmation.
type ClickHouseSupplier struct {
	store repository.SeriesStore
	tf    repository.Timeframe
	// symbols maps instrument ids to the symbols the ingest side stores.
	symbols map[string]string
}

// NewClickHouseSupplier reads bars of tf from store.
func NewClickHouseSupplier(store repository.SeriesStore, tf repository.Timeframe, symbols map[string]string) *ClickHouseSupplier {
	return &ClickHouseSupplier{store: store, tf: tf, symbols: symbols}
}

func (s *ClickHouseSupplier) symbol(id string) string {
	if sym, ok := s.symbols[id]; ok {
		return sym
	}
	return id
}

func barsFor(lookback time.Duration, tf repository.Timeframe) int {
	step := timeframeDuration(tf)
	n := int(lookback / step)
	if n < 1 {
		n = 1
	}
	if n > maxBars {
		n = maxBars
	}
	return n
}

func timeframeDuration(tf repository.Timeframe) time.Duration {
	switch tf {
	case repository.TF1m:
		return time.Minute
	case repository.TF1h:
		return time.Hour
	default:
		return 5 * time.Minute
	}
}

func (s *ClickHouseSupplier) FetchSeries(ctx context.Context, id string, lookback time.Duration) (models.PriceSeries, error) {
	candles, err := s.store.GetLatestNCandles(ctx, s.symbol(id), barsFor(lookback, s.tf), s.tf)
	if err != nil {
		return models.PriceSeries{}, models.NewError(models.KindDataUnavailable, "fetch_series", id, err)
	}
	return candlesToSeries(id, candles), nil
}

func candlesToSeries(id string, candles []models.Candle) models.PriceSeries {
	samples := make([]models.PriceSample, 0, len(candles))
	for _, c := range candles {
		samples = append(samples, models.PriceSample{Timestamp: c.Bucket, Price: c.Close, Volume: c.Volume})
	}
	return models.PriceSeries{Instrument: id, Samples: samples}.Normalize()
}

// FetchCurrent derives quotes from the last 24h of hourly bars.
func (s *ClickHouseSupplier) FetchCurrent(ctx context.Context, ids []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(ids))
	for _, id := range ids {
		candles, err := s.store.GetLatestNCandles(ctx, s.symbol(id), 25, repository.TF1h)
		if err != nil {
			return out, models.NewError(models.KindDataUnavailable, "fetch_current", id, err)
		}
		if q, ok := quoteFromCandles(candles); ok {
			out[id] = q
		}
	}
	return out, nil
}

func quoteFromCandles(candles []models.Candle) (models.Quote, bool) {
	if len(candles) == 0 {
		return models.Quote{}, false
	}
	last := candles[len(candles)-1]
	q := models.Quote{Price: last.Close, UpdatedAt: last.Bucket}
	window := candles
	if len(window) > 24 {
		window = window[len(window)-24:]
	}
	for _, c := range window {
		q.Volume24h += c.Volume * c.Close
	}
	if open := window[0].Open; open > 0 {
		q.Change24h = (last.Close - open) / open * 100
	}
	return q, true
}
