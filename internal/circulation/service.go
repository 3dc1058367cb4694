// internal/circulation/service.go
package circulation

import (
	"context"
	"time"
)

// Service defines the interface for the circulation service.
type Service interface {
	// OpenCheckout lends the item to the borrower and returns the new checkout ID.
	OpenCheckout(ctx context.Context, itemID ItemID, borrowerID BorrowerID, at time.Time) (CheckoutID, error)
	// CloseCheckout returns the item, closing exactly the named checkout.
	CloseCheckout(ctx context.Context, checkoutID CheckoutID, itemID ItemID, borrowerID BorrowerID, at time.Time) error

	ListOpenForBorrower(ctx context.Context, borrowerID BorrowerID) ([]Checkout, error)
	ListAllOpen(ctx context.Context) ([]Checkout, error)
	// HistoryForItem returns every checkout of the item, newest first, with
	// the open checkout (if any) at the front.
	HistoryForItem(ctx context.Context, itemID ItemID) ([]Checkout, error)
}

// Recorder receives the outcome of every service operation.
type Recorder interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
}
