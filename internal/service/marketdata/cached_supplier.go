package marketdata

import (
	"context"
	"time"

	"SignalDesk/internal/domain/models"
	"SignalDesk/internal/domain/repository"
	"SignalDesk/internal/service/ratelimit"
	"SignalDesk/pkg/cache"
	applogger "SignalDesk/pkg/logger"
)

const limiterKey = "marketdata"

// CachedSupplier paces upstream calls through a limiter and keeps results in
// a TTL cache.
type CachedSupplier struct {
	next      repository.MarketData
	cache     cache.Service
	limiter   *ratelimit.Limiter
	seriesTTL time.Duration
	quoteTTL  time.Duration
	l         *applogger.Logger
}

// NewCachedSupplier wraps next. A nil limiter disables pacing.
func NewCachedSupplier(next repository.MarketData, c cache.Service, limiter *ratelimit.Limiter, seriesTTL, quoteTTL time.Duration, l *applogger.Logger) *CachedSupplier {
	if l == nil {
		l = applogger.NewNop()
	}
	return &CachedSupplier{
		next:      next,
		cache:     c,
		limiter:   limiter,
		seriesTTL: seriesTTL,
		quoteTTL:  quoteTTL,
		l:         l,
	}
}

func (s *CachedSupplier) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx, limiterKey); err != nil {
		return models.NewError(models.KindDataUnavailable, "marketdata.throttle", "", err)
	}
	return nil
}

func (s *CachedSupplier) FetchSeries(ctx context.Context, id string, lookback time.Duration) (models.PriceSeries, error) {
	key := cache.GenerateKeyWithParams("series", id, int64(lookback/time.Minute))
	series, hit, err := cache.GetOrLoad(ctx, s.cache, key, s.seriesTTL, func(ctx context.Context) (models.PriceSeries, error) {
		if err := s.wait(ctx); err != nil {
			return models.PriceSeries{}, err
		}
		return s.next.FetchSeries(ctx, id, lookback)
	})
	if err == nil {
		s.l.Debug("series fetched",
			applogger.String("instrument", id),
			applogger.Bool("cache_hit", hit),
			applogger.Int("samples", series.Len()),
		)
	}
	return series, err
}

// FetchCurrent serves cached quotes and fetches the rest in one upstream call.
func (s *CachedSupplier) FetchCurrent(ctx context.Context, ids []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(ids))
	var missing []string
	for _, id := range ids {
		var q models.Quote
		if err := s.cache.Get(ctx, cache.GenerateKey("quote", id), &q); err == nil {
			out[id] = q
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	if err := s.wait(ctx); err != nil {
		return out, err
	}
	fresh, err := s.next.FetchCurrent(ctx, missing)
	if err != nil {
		return out, err
	}
	for id, q := range fresh {
		out[id] = q
		if err := s.cache.Set(ctx, cache.GenerateKey("quote", id), q, s.quoteTTL); err != nil {
			s.l.Warn("quote cache write failed", applogger.String("instrument", id), applogger.Error(err))
		}
	}
	return out, nil
}
