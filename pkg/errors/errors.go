package apperrors

import (
	"context"
	"errors"
)

// Standardized broker and infrastructure errors
var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrOrderRejected       = errors.New("order rejected")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrNetwork             = errors.New("network error")
	ErrInvalidSymbol       = errors.New("invalid symbol")
	ErrBrokerTimeout       = errors.New("broker timeout")
	ErrOrderNotFound       = errors.New("order not found")
	ErrQuoteUnavailable    = errors.New("quote unavailable")
	ErrDatabaseTimeout     = errors.New("database timeout")
	ErrDatabaseUnavailable = errors.New("database unavailable")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
	ErrChecksumMismatch    = errors.New("audit checksum mismatch")
	ErrWALReplayConflict   = errors.New("wal replay conflict")
	ErrTradingNotAllowed   = errors.New("trading not allowed")
	ErrPermissionDenied    = errors.New("action not permitted in current mode")
	ErrRiskRejected        = errors.New("rejected by risk gate")
	ErrContractViolation   = errors.New("contract violation")
)

// Kind classifies an error into the recovery policies the core recognizes.
type Kind string

const (
	KindTransient  Kind = "transient"
	KindPermanent  Kind = "permanent"
	KindIntegrity  Kind = "integrity"
	KindPolicy     Kind = "policy"
	KindProgrammer Kind = "programmer"
)

// Classify maps an error to its Kind. Unknown errors default to transient so
// that the owning retry boundary gets a chance before escalation.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrChecksumMismatch), errors.Is(err, ErrWALReplayConflict):
		return KindIntegrity
	case errors.Is(err, ErrRiskRejected), errors.Is(err, ErrTradingNotAllowed),
		errors.Is(err, ErrPermissionDenied):
		return KindPolicy
	case errors.Is(err, ErrOrderRejected), errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrIdempotencyConflict):
		return KindPermanent
	case errors.Is(err, ErrContractViolation):
		return KindProgrammer
	case errors.Is(err, ErrBrokerTimeout), errors.Is(err, ErrDatabaseTimeout),
		errors.Is(err, ErrQuoteUnavailable), errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrNetwork), errors.Is(err, ErrDatabaseUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindTransient
	}
}

// IsRetryable reports whether the owning retry boundary should re-enqueue.
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}
