package models

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindDataUnavailable     ErrorKind = "data_unavailable"
	KindComputation         ErrorKind = "computation"
	KindRiskRejection       ErrorKind = "risk_rejection"
	KindTransientExecution  ErrorKind = "transient_execution"
	KindPermanentExecution  ErrorKind = "permanent_execution"
	KindUnprotectedPosition ErrorKind = "unprotected_position"
	KindScheduling          ErrorKind = "scheduling"
)

var (
	ErrInsufficientHistory = errors.New("insufficient price history")
	ErrHoldSignal          = errors.New("signal is HOLD")
	ErrLowConfidence       = errors.New("confidence below minimum")
	ErrRiskReward          = errors.New("stop distance violates risk/reward ratio")
	ErrBelowIncrement      = errors.New("size below minimum increment")
	ErrNoBalance           = errors.New("no quote balance")
	ErrRetriesExhausted    = errors.New("retries exhausted")
	ErrLockTimeout         = errors.New("instrument lock wait timed out")
)

// Error is a failure tagged with its kind.
type Error struct {
	Kind       ErrorKind
	Op         string
	Instrument string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Instrument != "" {
		msg += " [" + e.Instrument + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a tagged error.
func NewError(kind ErrorKind, op, instrument string, err error) *Error {
	return &Error{Kind: kind, Op: op, Instrument: instrument, Err: err}
}

// Transient tags err as a retryable execution failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransientExecution, Op: op, Err: err}
}

// Permanent tags err as a non-retryable execution failure.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanentExecution, Op: op, Err: err}
}

// Transientf is Transient with a formatted cause.
func Transientf(op, format string, args ...any) error {
	return Transient(op, fmt.Errorf(format, args...))
}

// Permanentf is Permanent with a formatted cause.
func Permanentf(op, format string, args ...any) error {
	return Permanent(op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first tagged error in the chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err is worth retrying. Deadline and network
// timeouts count as transient; untagged errors do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetriesExhausted) {
		return false
	}
	if k := KindOf(err); k != "" {
		return k == KindTransientExecution || k == KindDataUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
