// internal/circulation/errors.go
package circulation

import (
	"errors"
)

var (
	// ErrItemNotFound is returned when the item does not exist, or when a
	// return targets an item that has no open checkout.
	ErrItemNotFound = errors.New("item not found")

	// ErrAlreadyCheckedOut is returned when opening a checkout on an item that
	// is already lent out.
	ErrAlreadyCheckedOut = errors.New("item already checked out")

	// ErrCheckoutMismatch is returned when a return names a checkout or
	// borrower other than the one recorded for the item.
	ErrCheckoutMismatch = errors.New("checkout does not match the open checkout for the item")

	// ErrPersistenceInconsistency is returned when a write that the guard
	// allowed affected no rows.
	ErrPersistenceInconsistency = errors.New("persistence inconsistency: write affected no rows")

	// ErrSerializationConflict is returned when the backend aborted the
	// transaction because of a concurrent conflicting transaction. Callers may
	// retry the whole operation.
	ErrSerializationConflict = errors.New("serialization conflict")

	// ErrTransaction is returned when beginning, executing or finishing the
	// transaction failed.
	ErrTransaction = errors.New("transaction failed")
)

// IsRetryable reports whether err is a serialization conflict that the caller
// may retry with a fresh transaction.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerializationConflict)
}

// Outcome names the result of an operation for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrItemNotFound):
		return "item_not_found"
	case errors.Is(err, ErrAlreadyCheckedOut):
		return "already_checked_out"
	case errors.Is(err, ErrCheckoutMismatch):
		return "checkout_mismatch"
	case errors.Is(err, ErrSerializationConflict):
		return "serialization_conflict"
	case errors.Is(err, ErrPersistenceInconsistency):
		return "inconsistency"
	default:
		return "error"
	}
}

// isRejection reports whether err is a definitive business rejection.
func isRejection(err error) bool {
	return errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrAlreadyCheckedOut) ||
		errors.Is(err, ErrCheckoutMismatch)
}
