package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed create requests. Nothing is persisted.
	ErrValidation = errors.New("engine: validation failed")
	// ErrUnconfiguredAsset is returned when no deposit address is configured for a SELL asset.
	ErrUnconfiguredAsset = errors.New("engine: asset has no configured deposit address")
	// ErrTransactionNotFound is returned when an operation names an unknown id.
	ErrTransactionNotFound = errors.New("engine: transaction not found")
	// ErrMissingBankDetails is returned when a SELL payout has no bank account.
	ErrMissingBankDetails = errors.New("engine: bank details missing")
	// ErrInvalidState is returned when an operation does not apply to the
	// transaction's kind or current status.
	ErrInvalidState = errors.New("engine: invalid transaction state")
	// ErrSettlementFailure marks a settlement leg that failed and moved the
	// transaction to FAILED.
	ErrSettlementFailure = errors.New("engine: settlement failed")
)

// SettlementError reports which settlement operation failed. It matches
// ErrSettlementFailure with errors.Is and unwraps to the gateway error.
type SettlementError struct {
	Op  string
	Err error
}

func (e *SettlementError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine: %s failed", e.Op)
	}
	return fmt.Sprintf("engine: %s failed: %v", e.Op, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

func (e *SettlementError) Is(target error) bool { return target == ErrSettlementFailure }

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
