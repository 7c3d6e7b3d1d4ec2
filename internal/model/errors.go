package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a referenced user, market or bet is absent.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a user email or nickname is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInsufficientFunds is returned when a balance is below the requested stake.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidOutcome is returned when a declared winner matches neither option.
	ErrInvalidOutcome = errors.New("invalid outcome")

	// ErrAlreadyResolved is returned when settling, or staking on, a market
	// that has already been resolved.
	ErrAlreadyResolved = errors.New("market already resolved")

	// ErrInvalidAmount is returned for amounts that are not positive or carry
	// more than AmountScale decimal places.
	ErrInvalidAmount = errors.New("amount must be positive with at most 2 decimal places")

	// ErrInvalidOption is returned when a chosen option is neither A nor B.
	ErrInvalidOption = errors.New("option must be A or B")

	// ErrLedgerInconsistent is returned when a market's pool totals disagree
	// with the sum of its recorded stakes.
	ErrLedgerInconsistent = errors.New("ledger inconsistent")
)

// StoreError wraps an underlying transaction or connectivity failure, as
// opposed to a business-rule violation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// WrapStore returns err wrapped as a StoreError unless it is nil or already a
// domain error.
func WrapStore(op string, err error) error {
	if err == nil || IsDomain(err) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsDomain reports whether err carries one of the business-rule sentinels.
func IsDomain(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrAlreadyExists, ErrInsufficientFunds, ErrInvalidOutcome,
		ErrAlreadyResolved, ErrInvalidAmount, ErrInvalidOption, ErrLedgerInconsistent,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ValidAmount reports whether a is positive and representable in AmountScale
// decimal places.
func ValidAmount(a decimal.Decimal) bool {
	return a.IsPositive() && a.Equal(a.Truncate(AmountScale))
}
