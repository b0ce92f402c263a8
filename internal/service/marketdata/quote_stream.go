package marketdata

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"SignalDesk/internal/domain/models"
	"SignalDesk/internal/domain/repository"
	applogger "SignalDesk/pkg/logger"
)

// QuoteStream keeps a live quote book from a Binance-style mini ticker
// stream and answers FetchCurrent from it while quotes are fresh. Series and
// stale or unknown quotes go to next.
type QuoteStream struct {
	url          string
	next         repository.MarketData
	maxStaleness time.Duration
	pingInterval time.Duration
	l            *applogger.Logger
	now          func() time.Time

	// bySymbol maps upper-case exchange symbols (BTCUSDT) to instrument ids.
	bySymbol map[string]string

	mu    sync.RWMutex
	book  map[string]models.Quote
	mcaps map[string]float64
}

// NewQuoteStream builds a stream. symbols maps instrument ids to exchange
// symbols.
func NewQuoteStream(url string, symbols map[string]string, next repository.MarketData, maxStaleness, pingInterval time.Duration, l *applogger.Logger) *QuoteStream {
	if l == nil {
		l = applogger.NewNop()
	}
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	bySymbol := make(map[string]string, len(symbols))
	for id, sym := range symbols {
		bySymbol[strings.ToUpper(sym)] = id
	}
	return &QuoteStream{
		url:          url,
		next:         next,
		maxStaleness: maxStaleness,
		pingInterval: pingInterval,
		l:            l,
		now:          time.Now,
		bySymbol:     bySymbol,
		book:         make(map[string]models.Quote),
		mcaps:        make(map[string]float64),
	}
}

func (s *QuoteStream) FetchSeries(ctx context.Context, id string, lookback time.Duration) (models.PriceSeries, error) {
	return s.next.FetchSeries(ctx, id, lookback)
}

func (s *QuoteStream) FetchCurrent(ctx context.Context, ids []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(ids))
	var missing []string
	now := s.now()

	s.mu.RLock()
	for _, id := range ids {
		q, ok := s.book[id]
		if ok && now.Sub(q.UpdatedAt) <= s.maxStaleness {
			q.MarketCap = s.mcaps[id]
			out[id] = q
			continue
		}
		missing = append(missing, id)
	}
	s.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}
	fresh, err := s.next.FetchCurrent(ctx, missing)
	s.mu.Lock()
	for id, q := range fresh {
		out[id] = q
		if q.MarketCap > 0 {
			s.mcaps[id] = q.MarketCap
		}
	}
	s.mu.Unlock()
	return out, err
}

// Run consumes the stream until ctx is done, reconnecting with backoff.
func (s *QuoteStream) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.l.Warn("quote stream disconnected, retrying",
			applogger.Error(err),
			applogger.Duration("backoff_ms", backoff),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
	}
}

func (s *QuoteStream) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.l.Info("quote stream connected", applogger.String("url", s.url), applogger.Int("symbols", len(s.bySymbol)))

	readWait := 2 * s.pingInterval
	conn.SetReadLimit(1 << 22)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					s.l.Warn("quote stream ping failed", applogger.Error(err))
					return
				}
			case <-pingCtx.Done():
				// unblock ReadMessage
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		s.apply(message)
	}
}

// apply merges a mini ticker payload (array or single object) into the book.
func (s *QuoteStream) apply(message []byte) int {
	root := gjson.ParseBytes(message)
	if data := root.Get("data"); data.Exists() {
		root = data
	}
	var items []gjson.Result
	if root.IsArray() {
		items = root.Array()
	} else {
		items = []gjson.Result{root}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range items {
		id, ok := s.bySymbol[strings.ToUpper(it.Get("s").String())]
		if !ok {
			continue
		}
		closePx := it.Get("c").Float()
		if closePx <= 0 {
			continue
		}
		q := models.Quote{
			Price:     closePx,
			Volume24h: it.Get("q").Float(),
			UpdatedAt: time.UnixMilli(it.Get("E").Int()).UTC(),
		}
		if open := it.Get("o").Float(); open > 0 {
			q.Change24h = (closePx - open) / open * 100
		}
		s.book[id] = q
		n++
	}
	return n
}
