package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"SignalDesk/internal/domain/models"
	"SignalDesk/internal/domain/repository"
	applogger "SignalDesk/pkg/logger"
)

// ErrBreakerOpen is returned while the breaker rejects calls.
var ErrBreakerOpen = errors.New("exchange circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds the trip and recovery thresholds.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// DefaultBreakerConfig trips after 5 transient failures and probes after 60s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second}
}

// Breaker guards a connector. Only transient failures count towards
// tripping; an exchange rejecting an order is not a connectivity problem.
type Breaker struct {
	next repository.ExchangeConnector
	cfg  BreakerConfig
	l    *applogger.Logger
	now  func() time.Time

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
}

// NewBreaker wraps next.
func NewBreaker(next repository.ExchangeConnector, cfg BreakerConfig, l *applogger.Logger) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &Breaker{next: next, cfg: cfg, l: l, now: time.Now}
}

// allow checks if a request should be allowed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Timeout {
			b.state = StateHalfOpen
			b.successCount = 0
			b.l.Info("exchange breaker half-open")
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && models.IsTransient(err) {
		switch b.state {
		case StateClosed:
			b.failureCount++
			if b.failureCount >= b.cfg.FailureThreshold {
				b.trip()
			}
		case StateHalfOpen:
			b.trip()
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.l.Info("exchange breaker closed")
		}
	}
}

// trip opens the breaker. Callers hold the mutex.
func (b *Breaker) trip() {
	b.l.Warn("exchange breaker open",
		applogger.String("from", b.state.String()),
		applogger.Int("failures", b.failureCount),
	)
	b.state = StateOpen
	b.openedAt = b.now()
	b.successCount = 0
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
}

func (b *Breaker) SubmitOrder(ctx context.Context, spec models.OrderSpec) (models.OrderRef, error) {
	if !b.allow() {
		return models.OrderRef{}, models.Transient("submit_order", ErrBreakerOpen)
	}
	ref, err := b.next.SubmitOrder(ctx, spec)
	b.record(err)
	return ref, err
}

func (b *Breaker) CancelOrder(ctx context.Context, ref models.OrderRef) error {
	if !b.allow() {
		return models.Transient("cancel_order", ErrBreakerOpen)
	}
	err := b.next.CancelOrder(ctx, ref)
	b.record(err)
	return err
}

func (b *Breaker) FetchBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if !b.allow() {
		return decimal.Zero, models.Transient("fetch_balance", ErrBreakerOpen)
	}
	bal, err := b.next.FetchBalance(ctx, asset)
	b.record(err)
	return bal, err
}
