package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"SignalDesk/internal/domain/models"
)

// MarketData supplies price history and current quotes. Errors are tagged
// transient or permanent with models.Transient / models.Permanent.
type MarketData interface {
	FetchSeries(ctx context.Context, instrumentID string, lookback time.Duration) (models.PriceSeries, error)
	FetchCurrent(ctx context.Context, instrumentIDs []string) (map[string]models.Quote, error)
}

// ExchangeConnector is the capability set the execution dispatcher needs.
type ExchangeConnector interface {
	SubmitOrder(ctx context.Context, spec models.OrderSpec) (models.OrderRef, error)
	CancelOrder(ctx context.Context, ref models.OrderRef) error
	FetchBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Publisher pushes pipeline output to downstream readers.
type Publisher interface {
	PublishSnapshot(ctx context.Context, s models.Snapshot) error
	PublishSignal(ctx context.Context, s models.Signal) error
	PublishAlert(ctx context.Context, a models.Alert) error
	PublishExecution(ctx context.Context, o models.Order) error
	Close() error
}

type Metrics interface {
	RecordCycle(seconds float64)
	RecordSkippedTick()
	RecordSignal(instrument, direction string)
	RecordRejection(stage, reason string)
	RecordOrder(orderType, result string)
	RecordRetry(op string)
	RecordAlert(level string)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
}
