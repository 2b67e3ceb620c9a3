package settlement

import (
	"errors"
)

// Rejected requests. Deterministic; never retried; nothing was written.
var (
	ErrUserNotFound          = errors.New("user not found")
	ErrInstrumentNotFound    = errors.New("instrument not found")
	ErrInvalidQuantity       = errors.New("quantity must be a positive integer")
	ErrInvalidSide           = errors.New("side must be BUY or SELL")
	ErrInvalidPrice          = errors.New("price must be positive")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientHoldings  = errors.New("insufficient holdings")
	ErrNoPosition            = errors.New("no position to sell")
	ErrPositionLimitExceeded = errors.New("position limit exceeded")
)

// Transient faults. The whole settlement is safe to retry.
var (
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// ErrInvariantViolation means a unit of work was about to commit a state
// that breaks a ledger invariant. The unit is rolled back.
var ErrInvariantViolation = errors.New("ledger invariant violation")

var rejected = []error{
	ErrUserNotFound,
	ErrInstrumentNotFound,
	ErrInvalidQuantity,
	ErrInvalidSide,
	ErrInvalidPrice,
	ErrInsufficientFunds,
	ErrInsufficientHoldings,
	ErrNoPosition,
	ErrPositionLimitExceeded,
}

// IsRejected reports whether err is a business-rule or input rejection.
func IsRejected(err error) bool {
	for _, target := range rejected {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is a transient storage fault.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrConcurrentModification)
}

// Code returns a stable machine-readable reason for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUserNotFound):
		return "USER_NOT_FOUND"
	case errors.Is(err, ErrInstrumentNotFound):
		return "INSTRUMENT_NOT_FOUND"
	case errors.Is(err, ErrInvalidQuantity):
		return "INVALID_QUANTITY"
	case errors.Is(err, ErrInvalidSide):
		return "INVALID_SIDE"
	case errors.Is(err, ErrInvalidPrice):
		return "INVALID_PRICE"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrInsufficientHoldings):
		return "INSUFFICIENT_HOLDINGS"
	case errors.Is(err, ErrNoPosition):
		return "NO_POSITION"
	case errors.Is(err, ErrPositionLimitExceeded):
		return "POSITION_LIMIT_EXCEEDED"
	case errors.Is(err, ErrStorageUnavailable):
		return "STORAGE_UNAVAILABLE"
	case errors.Is(err, ErrConcurrentModification):
		return "CONCURRENT_MODIFICATION"
	case errors.Is(err, ErrInvariantViolation):
		return "INVARIANT_VIOLATION"
	default:
		return "INTERNAL"
	}
}
