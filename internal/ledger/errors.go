package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBalance means the debit would take the balance below zero.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrDuplicateTransaction means the external transaction id was already
	// recorded. Callers treat it as an idempotent success.
	ErrDuplicateTransaction = errors.New("ledger: duplicate transaction")
	// ErrInvalidAmount rejects zero amounts and malformed requests.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrStoreUnavailable wraps any driver or transport failure.
	ErrStoreUnavailable = errors.New("ledger: store unavailable")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsInsufficientBalance reports whether err is an overdraft rejection.
func IsInsufficientBalance(err error) bool { return errors.Is(err, ErrInsufficientBalance) }

// IsDuplicate reports whether err is an idempotent replay.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicateTransaction) }
