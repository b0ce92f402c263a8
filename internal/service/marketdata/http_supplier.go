package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"SignalDesk/internal/domain/models"
	xhttp "SignalDesk/pkg/http"
)

// HTTPSupplier reads a CoinGecko-compatible REST API.
type HTTPSupplier struct {
	client     *xhttp.Client
	baseURL    string
	vsCurrency string
	apiKey     string
}

// HTTPOption configures an HTTPSupplier.
type HTTPOption func(*HTTPSupplier)

func WithBaseURL(u string) HTTPOption {
	return func(s *HTTPSupplier) { s.baseURL = strings.TrimRight(u, "/") }
}

func WithVsCurrency(c string) HTTPOption {
	return func(s *HTTPSupplier) { s.vsCurrency = strings.ToLower(c) }
}

// WithAPIKey sends key as the demo API key header.
func WithAPIKey(key string) HTTPOption {
	return func(s *HTTPSupplier) { s.apiKey = key }
}

// NewHTTPSupplier creates a supplier over client.
func NewHTTPSupplier(client *xhttp.Client, opts ...HTTPOption) *HTTPSupplier {
	s := &HTTPSupplier{
		client:     client,
		baseURL:    "https://api.coingecko.com/api/v3",
		vsCurrency: "usd",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSupplier) get(ctx context.Context, path string, query map[string][]string) ([]byte, error) {
	headers := map[string]string{"Accept": "application/json"}
	if s.apiKey != "" {
		headers["x-cg-demo-api-key"] = s.apiKey
	}
	var body []byte
	err := s.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         s.baseURL + path,
		Headers:     headers,
		QueryParams: query,
	}, &body)
	return body, err
}

// FetchSeries returns samples covering lookback, oldest first.
func (s *HTTPSupplier) FetchSeries(ctx context.Context, id string, lookback time.Duration) (models.PriceSeries, error) {
	days := int(math.Ceil(lookback.Hours() / 24))
	if days < 1 {
		days = 1
	}
	body, err := s.get(ctx, "/coins/"+url.PathEscape(id)+"/market_chart", map[string][]string{
		"vs_currency": {s.vsCurrency},
		"days":        {fmt.Sprint(days)},
	})
	if err != nil {
		return models.PriceSeries{}, classify("fetch_series", id, err)
	}

	series, err := parseMarketChart(id, body)
	if err != nil {
		return models.PriceSeries{}, models.NewError(models.KindDataUnavailable, "fetch_series", id, err)
	}
	if last, ok := series.Last(); ok && lookback > 0 {
		cutoff := last.Timestamp.Add(-lookback)
		i := 0
		for i < len(series.Samples) && series.Samples[i].Timestamp.Before(cutoff) {
			i++
		}
		series.Samples = series.Samples[i:]
	}
	return series, nil
}

func parseMarketChart(id string, body []byte) (models.PriceSeries, error) {
	root := gjson.ParseBytes(body)
	prices := root.Get("prices")
	if !prices.IsArray() {
		return models.PriceSeries{}, errors.New("market_chart: missing prices array")
	}
	volumes := root.Get("total_volumes").Array()

	rows := prices.Array()
	samples := make([]models.PriceSample, 0, len(rows))
	for i, row := range rows {
		pt := row.Array()
		if len(pt) < 2 || pt[1].Type != gjson.Number {
			continue
		}
		sample := models.PriceSample{
			Timestamp: time.UnixMilli(pt[0].Int()).UTC(),
			Price:     pt[1].Float(),
		}
		if i < len(volumes) {
			if v := volumes[i].Array(); len(v) >= 2 {
				sample.Volume = v[1].Float()
			}
		}
		samples = append(samples, sample)
	}
	return models.PriceSeries{Instrument: id, Samples: samples}.Normalize(), nil
}

// FetchCurrent returns quotes for ids in one request. Ids the API does not
// know are absent from the result.
func (s *HTTPSupplier) FetchCurrent(ctx context.Context, ids []string) (map[string]models.Quote, error) {
	if len(ids) == 0 {
		return map[string]models.Quote{}, nil
	}
	body, err := s.get(ctx, "/simple/price", map[string][]string{
		"ids":                     {strings.Join(ids, ",")},
		"vs_currencies":           {s.vsCurrency},
		"include_24hr_change":     {"true"},
		"include_24hr_vol":        {"true"},
		"include_market_cap":      {"true"},
		"include_last_updated_at": {"true"},
	})
	if err != nil {
		return nil, classify("fetch_current", "", err)
	}
	return parseSimplePrice(body, ids, s.vsCurrency), nil
}

func parseSimplePrice(body []byte, ids []string, vs string) map[string]models.Quote {
	root := gjson.ParseBytes(body)
	out := make(map[string]models.Quote, len(ids))
	for _, id := range ids {
		obj := root.Get(gjson.Escape(id))
		price := obj.Get(vs)
		if !obj.Exists() || price.Type != gjson.Number {
			continue
		}
		q := models.Quote{
			Price:     price.Float(),
			Change24h: obj.Get(vs + "_24h_change").Float(),
			Volume24h: obj.Get(vs + "_24h_vol").Float(),
			MarketCap: obj.Get(vs + "_market_cap").Float(),
		}
		if ts := obj.Get("last_updated_at").Int(); ts > 0 {
			q.UpdatedAt = time.Unix(ts, 0).UTC()
		}
		out[id] = q
	}
	return out
}

// classify tags rate limits, 5xx and network failures as transient data
// unavailability and other client errors as permanent.
func classify(op, id string, err error) error {
	var se *xhttp.StatusError
	if errors.As(err, &se) && !se.Temporary() {
		return models.Permanent(op, fmt.Errorf("%s: %w", id, err))
	}
	return models.NewError(models.KindDataUnavailable, op, id, err)
}
