package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"SignalDesk/internal/domain/models"
	domrepo "SignalDesk/internal/domain/repository"
	pkgch "SignalDesk/pkg/clickhouse"
	applogger "SignalDesk/pkg/logger"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// CHSeriesStore implements SeriesStore over a 1m candle table. Coarser
// timeframes are aggregated in the query.
type CHSeriesStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

func NewCHSeriesStore(ch *pkgch.Client, table string, l *applogger.Logger) (*CHSeriesStore, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid candle table name %q", table)
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &CHSeriesStore{db: ch.DB(), table: table, l: l}, nil
}

// latestQuery returns the newest n buckets of tf, newest first.
func latestQuery(table string, tf domrepo.Timeframe) (string, error) {
	var interval string
	switch tf {
	case domrepo.TF1m:
		return fmt.Sprintf(`
        SELECT bucket, symbol, open, high, low, close, vol
        FROM %s
        WHERE symbol = ?
        ORDER BY bucket DESC
        LIMIT ?`, table), nil
	case domrepo.TF5m:
		interval = "5 minute"
	case domrepo.TF1h:
		interval = "1 hour"
	default:
		return "", fmt.Errorf("unsupported timeframe: %s", tf)
	}
	return fmt.Sprintf(`
        SELECT toStartOfInterval(bucket, INTERVAL %s) AS b, symbol,
               argMin(open, bucket), max(high), min(low), argMax(close, bucket), sum(vol)
        FROM %s
        WHERE symbol = ?
        GROUP BY b, symbol
        ORDER BY b DESC
        LIMIT ?`, interval, table), nil
}

func (s *CHSeriesStore) GetLatestNCandles(ctx context.Context, symbol string, n int, tf domrepo.Timeframe) ([]models.Candle, error) {
	start := time.Now()
	q, err := latestQuery(s.table, tf)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, symbol, n)
	if err != nil {
		s.l.Error("clickhouse latest_candles query error",
			applogger.String("table", s.table),
			applogger.String("symbol", symbol),
			applogger.String("tf", string(tf)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("get latest candles: %w", err)
	}
	defer rows.Close()

	tmp := make([]models.Candle, 0, n)
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Bucket, &c.Symbol, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		tmp = append(tmp, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	reverseCandles(tmp)
	s.l.Debug("clickhouse latest_candles ok",
		applogger.String("symbol", symbol),
		applogger.String("tf", string(tf)),
		applogger.Int("rows", len(tmp)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return tmp, nil
}

// reverse to ASC
func reverseCandles(c []models.Candle) {
	for i, j := 0, len(c)-1; i < j; i, j = i+1, j-1 {
		c[i], c[j] = c[j], c[i]
	}
}
