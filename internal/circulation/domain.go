// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// ItemID identifies a catalog item that can be lent out.
type ItemID struct{ uuid.UUID }

// BorrowerID identifies the borrower holding or returning an item.
type BorrowerID struct{ uuid.UUID }

// CheckoutID identifies one checkout, open or closed.
type CheckoutID struct{ uuid.UUID }

// NewCheckoutID returns a fresh random checkout ID.
func NewCheckoutID() CheckoutID { return CheckoutID{uuid.New()} }

func ParseItemID(s string) (ItemID, error) {
	id, err := uuid.Parse(s)
	return ItemID{id}, err
}

func ParseBorrowerID(s string) (BorrowerID, error) {
	id, err := uuid.Parse(s)
	return BorrowerID{id}, err
}

func ParseCheckoutID(s string) (CheckoutID, error) {
	id, err := uuid.Parse(s)
	return CheckoutID{id}, err
}

// OpenCheckout is an active loan. At most one exists per item.
type OpenCheckout struct {
	CheckoutID   CheckoutID `json:"checkout_id" db:"checkout_id"`
	ItemID       ItemID     `json:"item_id" db:"item_id"`
	BorrowerID   BorrowerID `json:"borrower_id" db:"borrower_id"`
	CheckedOutAt time.Time  `json:"checked_out_at" db:"checked_out_at"`
}

// ClosedCheckout is the append-only record written when an open checkout is returned.
type ClosedCheckout struct {
	OpenCheckout
	ReturnedAt time.Time `json:"returned_at" db:"returned_at"`
}

// ItemSummary carries the catalog fields needed to render a checkout.
type ItemSummary struct {
	Title  string `json:"title" db:"title"`
	Author string `json:"author" db:"author"`
	ISBN   string `json:"isbn" db:"isbn"`
}

// Checkout is the read model returned by listings and history queries.
// ReturnedAt is nil while the checkout is open.
type Checkout struct {
	ID           CheckoutID  `json:"checkout_id"`
	ItemID       ItemID      `json:"item_id"`
	BorrowerID   BorrowerID  `json:"borrower_id"`
	CheckedOutAt time.Time   `json:"checked_out_at"`
	ReturnedAt   *time.Time  `json:"returned_at,omitempty"`
	Item         ItemSummary `json:"item"`
}

// Returned reports whether the checkout has been closed.
func (c Checkout) Returned() bool { return c.ReturnedAt != nil }

// ItemState is the guard's view of one item inside a transaction.
// Open is nil when the item is not lent out.
type ItemState struct {
	ItemID ItemID
	Open   *OpenCheckout
}

// Event types written to the checkout outbox.
const (
	EventCheckoutOpened = "checkout.opened"
	EventCheckoutClosed = "checkout.closed"
)

// Event is a checkout lifecycle event recorded in the same transaction as the
// mutation that caused it.
type Event struct {
	ID         uuid.UUID  `json:"event_id" db:"event_id"`
	Type       string     `json:"event_type" db:"event_type"`
	CheckoutID CheckoutID `json:"checkout_id" db:"checkout_id"`
	ItemID     ItemID     `json:"item_id" db:"item_id"`
	BorrowerID BorrowerID `json:"borrower_id" db:"borrower_id"`
	OccurredAt time.Time  `json:"occurred_at" db:"occurred_at"`
}

func newEvent(eventType string, oc OpenCheckout, at time.Time) Event {
	return Event{
		ID:         uuid.New(),
		Type:       eventType,
		CheckoutID: oc.CheckoutID,
		ItemID:     oc.ItemID,
		BorrowerID: oc.BorrowerID,
		OccurredAt: at,
	}
}
