package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType selects how an entry is placed.
type OrderType int

const (
	OrderMarket OrderType = iota
	OrderLimit
	OrderTWAP
)

func (t OrderType) String() string {
	switch t {
	case OrderMarket:
		return "MARKET"
	case OrderLimit:
		return "LIMIT"
	case OrderTWAP:
		return "TWAP"
	default:
		return fmt.Sprintf("OrderType(%d)", int(t))
	}
}

func (t OrderType) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

// ParseOrderType parses "MARKET", "LIMIT" or "TWAP". Empty means MARKET.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "MARKET":
		return OrderMarket, nil
	case "LIMIT":
		return OrderLimit, nil
	case "TWAP":
		return OrderTWAP, nil
	default:
		return OrderMarket, fmt.Errorf("unknown order type %q", s)
	}
}

// TWAPParams is the payload of a TWAP plan.
type TWAPParams struct {
	Slices   int           `json:"slices"`
	Interval time.Duration `json:"interval"`
}

// OrderPlan is a closed variant: Type picks the strategy and only the
// matching payload is meaningful.
type OrderPlan struct {
	Type OrderType  `json:"type"`
	TWAP TWAPParams `json:"twap,omitempty"`
}

// MarketPlan returns the default plan.
func MarketPlan() OrderPlan { return OrderPlan{Type: OrderMarket} }

// LimitPlan posts at the signal price.
func LimitPlan() OrderPlan { return OrderPlan{Type: OrderLimit} }

// TWAPPlan slices an entry into n child orders spaced by every.
func TWAPPlan(n int, every time.Duration) OrderPlan {
	return OrderPlan{Type: OrderTWAP, TWAP: TWAPParams{Slices: n, Interval: every}}
}

// Validate checks the payload matches the type.
func (p OrderPlan) Validate() error {
	switch p.Type {
	case OrderMarket, OrderLimit:
		return nil
	case OrderTWAP:
		if p.TWAP.Slices < 1 {
			return fmt.Errorf("twap slices must be >= 1, got %d", p.TWAP.Slices)
		}
		if p.TWAP.Interval < 0 {
			return fmt.Errorf("twap interval must be >= 0")
		}
		return nil
	default:
		return fmt.Errorf("unsupported order type %s", p.Type)
	}
}

// Side is the trade side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SideFor maps a non-HOLD direction to an entry side.
func SideFor(d Direction) (Side, bool) {
	switch {
	case d.IsBullish():
		return SideBuy, true
	case d.IsBearish():
		return SideSell, true
	default:
		return "", false
	}
}

// OrderIntent is a sized, risk-approved order waiting for dispatch.
type OrderIntent struct {
	Instrument  Instrument      `json:"-"`
	Symbol      string          `json:"instrument"`
	Side        Side            `json:"side"`
	Plan        OrderPlan       `json:"plan"`
	Quantity    decimal.Decimal `json:"quantity"`
	Notional    decimal.Decimal `json:"notional"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Signal      Signal          `json:"-"`
}

// OrderKind is what the connector is asked to place.
type OrderKind string

const (
	KindMarket     OrderKind = "MARKET"
	KindLimit      OrderKind = "LIMIT"
	KindStopLoss   OrderKind = "STOP_LOSS"
	KindTakeProfit OrderKind = "TAKE_PROFIT"
)

// OrderSpec is the connector request.
type OrderSpec struct {
	ClientOrderID string          `json:"client_order_id"`
	Instrument    string          `json:"instrument"`
	Side          Side            `json:"side"`
	Kind          OrderKind       `json:"kind"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	OCOGroup      string          `json:"oco_group,omitempty"`
}

// OrderStatus is the connector-reported state of an order.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
)

// OrderRef identifies a placed order.
type OrderRef struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
}

// ExitPair is the one-cancels-other protection placed after an entry fill.
type ExitPair struct {
	Group      string    `json:"group"`
	StopLoss   *OrderRef `json:"stop_loss,omitempty"`
	TakeProfit *OrderRef `json:"take_profit,omitempty"`
}

// Protected reports whether both legs were placed.
func (p *ExitPair) Protected() bool {
	return p != nil && p.StopLoss != nil && p.TakeProfit != nil
}

// ExecutionStatus summarises a dispatch.
type ExecutionStatus string

const (
	ExecFilled      ExecutionStatus = "FILLED"
	ExecResting     ExecutionStatus = "RESTING"
	ExecFailed      ExecutionStatus = "FAILED"
	ExecUnprotected ExecutionStatus = "UNPROTECTED"
)

// Order is the dispatcher's record of one entry and its exits.
type Order struct {
	Instrument    string          `json:"instrument"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	RequestedSize decimal.Decimal `json:"requested_size"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	Price         decimal.Decimal `json:"price"`
	Entries       []OrderRef      `json:"entries"`
	LinkedExit    *ExitPair       `json:"linked_exit,omitempty"`
	Status        ExecutionStatus `json:"status"`
	Attempts      int             `json:"attempts"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}

// AlertLevel orders alerts by urgency.
type AlertLevel string

const (
	AlertCritical AlertLevel = "critical"
	AlertWarning  AlertLevel = "warning"
	AlertInfo     AlertLevel = "info"
)

// Alert is an operator-facing notification.
type Alert struct {
	Level      AlertLevel `json:"level"`
	Instrument string     `json:"instrument"`
	Message    string     `json:"message"`
	At         time.Time  `json:"at"`
}
