// internal/circulation/store.go
package circulation

import (
	"context"
	"time"
)

// Store is the persistent home of open and closed checkouts.
//
// Implementations report a backend serialization failure as
// ErrSerializationConflict and a unique-key violation on the open checkouts of
// an item as ErrAlreadyCheckedOut, so that the service can tell them apart
// from infrastructure failures.
type Store interface {
	// BeginSerializable starts a transaction at serializable isolation. The
	// transaction is aborted if ctx is cancelled before Commit.
	BeginSerializable(ctx context.Context) (Tx, error)

	FindOpenAll(ctx context.Context) ([]Checkout, error)
	FindOpenByBorrower(ctx context.Context, borrowerID BorrowerID) ([]Checkout, error)
	// FindOpenByItem returns nil when the item has no open checkout.
	FindOpenByItem(ctx context.Context, itemID ItemID) (*Checkout, error)
	// FindClosedByItem returns closed checkouts newest first.
	FindClosedByItem(ctx context.Context, itemID ItemID) ([]Checkout, error)
}

// Tx is one serializable unit of work. Write methods return the number of
// rows they affected.
type Tx interface {
	// ItemState reads the item joined with its open checkout, if any. It
	// returns nil, nil when the item does not exist.
	ItemState(ctx context.Context, itemID ItemID) (*ItemState, error)

	InsertOpen(ctx context.Context, oc OpenCheckout) (int64, error)
	// InsertClosed copies the open checkout identified by checkoutID into the
	// closed checkouts with the given return time.
	InsertClosed(ctx context.Context, checkoutID CheckoutID, returnedAt time.Time) (int64, error)
	DeleteOpen(ctx context.Context, checkoutID CheckoutID) (int64, error)

	AppendEvent(ctx context.Context, ev Event) error

	Commit() error
	// Rollback aborts the transaction. It returns nil when the transaction
	// has already been committed or rolled back.
	Rollback() error
}
