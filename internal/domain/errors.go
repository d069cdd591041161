package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies operational failures so callers can pick the right
// recovery policy (retry, re-enqueue, demotion pressure, discard).
type ErrorKind string

const (
	KindStaleData         ErrorKind = "stale_data"
	KindUnavailable       ErrorKind = "unavailable"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindRateLimited       ErrorKind = "rate_limited"
	KindExchangeError     ErrorKind = "exchange_error"
	KindNetwork           ErrorKind = "network"
	KindRejected          ErrorKind = "rejected"
	KindCycleConflict     ErrorKind = "cycle_conflict"
	KindConstraint        ErrorKind = "constraint"
	KindBudget            ErrorKind = "budget"
	KindInternal          ErrorKind = "internal"
)

// Sentinel errors for each kind. Wrap them with fmt.Errorf("...: %w", ...)
// so errors.Is matching survives context added at call sites.
var (
	ErrStaleData         = errors.New("stale market data")
	ErrUnavailable       = errors.New("feed unavailable")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRateLimited       = errors.New("rate limited")
	ErrExchangeError     = errors.New("exchange error")
	ErrNetwork           = errors.New("network error")
	ErrRejected          = errors.New("order rejected")
	ErrCycleConflict     = errors.New("parameter cycle conflict")
	ErrConstraint        = errors.New("parameter constraint violation")
	ErrBudget            = errors.New("budget exhausted")
	ErrInternal          = errors.New("internal error")
)

// KindOf maps an error to its kind. Unclassified errors report KindInternal.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrStaleData):
		return KindStaleData
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrExchangeError):
		return KindExchangeError
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrRejected):
		return KindRejected
	case errors.Is(err, ErrCycleConflict):
		return KindCycleConflict
	case errors.Is(err, ErrConstraint):
		return KindConstraint
	case errors.Is(err, ErrBudget):
		return KindBudget
	default:
		return KindInternal
	}
}

// Retryable reports whether an error should be retried locally with backoff
// (or re-enqueued) rather than escalated. Matches the recovery policy:
// Network, RateLimited, StaleData, Budget and CycleConflict never escalate.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited, KindStaleData, KindBudget, KindCycleConflict:
		return true
	default:
		return false
	}
}

// DemotionPressure reports whether repeated occurrences of this error on a
// strategy should lower its tier (exchange-side failures on real orders).
func DemotionPressure(err error) bool {
	switch KindOf(err) {
	case KindExchangeError, KindRejected, KindInsufficientFunds:
		return true
	default:
		return false
	}
}

// Constraintf builds a parameter constraint violation with context.
func Constraintf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConstraint)
}
