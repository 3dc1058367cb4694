package circulation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCheckOpen(t *testing.T) {
	item := ItemID{uuid.New()}
	open := &OpenCheckout{
		CheckoutID:   NewCheckoutID(),
		ItemID:       item,
		BorrowerID:   BorrowerID{uuid.New()},
		CheckedOutAt: time.Now(),
	}

	tests := []struct {
		name  string
		state *ItemState
		want  Decision
	}{
		{"missing item", nil, RejectItemNotFound},
		{"available item", &ItemState{ItemID: item}, Continue},
		{"lent item", &ItemState{ItemID: item, Open: open}, RejectAlreadyCheckedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckOpen(tt.state))
		})
	}
}

func TestCheckReturn(t *testing.T) {
	item := ItemID{uuid.New()}
	borrower := BorrowerID{uuid.New()}
	checkout := NewCheckoutID()
	lent := &ItemState{ItemID: item, Open: &OpenCheckout{
		CheckoutID:   checkout,
		ItemID:       item,
		BorrowerID:   borrower,
		CheckedOutAt: time.Now(),
	}}

	tests := []struct {
		name     string
		state    *ItemState
		checkout CheckoutID
		borrower BorrowerID
		want     Decision
	}{
		{"missing item", nil, checkout, borrower, RejectItemNotFound},
		{"item not lent", &ItemState{ItemID: item}, checkout, borrower, RejectItemNotFound},
		{"other checkout", lent, NewCheckoutID(), borrower, RejectCheckoutMismatch},
		{"other borrower", lent, checkout, BorrowerID{uuid.New()}, RejectCheckoutMismatch},
		{"both differ", lent, NewCheckoutID(), BorrowerID{uuid.New()}, RejectCheckoutMismatch},
		{"exact match", lent, checkout, borrower, Continue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckReturn(tt.state, tt.checkout, tt.borrower))
		})
	}
}

func TestDecisionErr(t *testing.T) {
	assert.NoError(t, Continue.Err())
	assert.False(t, Continue.Rejected())
	assert.ErrorIs(t, RejectItemNotFound.Err(), ErrItemNotFound)
	assert.ErrorIs(t, RejectAlreadyCheckedOut.Err(), ErrAlreadyCheckedOut)
	assert.ErrorIs(t, RejectCheckoutMismatch.Err(), ErrCheckoutMismatch)
	assert.Equal(t, "checkout_mismatch", RejectCheckoutMismatch.String())
}

// The return guard accepts exactly one (checkout, borrower) pair per lent item.
func TestCheckReturnProperty(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	rapid.Check(t, func(t *rapid.T) {
		exists := rapid.Bool().Draw(t, "exists")
		lent := rapid.Bool().Draw(t, "lent")
		heldCheckout := CheckoutID{rapid.SampledFrom(ids).Draw(t, "held_checkout")}
		heldBorrower := BorrowerID{rapid.SampledFrom(ids).Draw(t, "held_borrower")}
		askCheckout := CheckoutID{rapid.SampledFrom(ids).Draw(t, "ask_checkout")}
		askBorrower := BorrowerID{rapid.SampledFrom(ids).Draw(t, "ask_borrower")}

		var state *ItemState
		if exists {
			state = &ItemState{}
			if lent {
				state.Open = &OpenCheckout{CheckoutID: heldCheckout, BorrowerID: heldBorrower}
			}
		}

		got := CheckReturn(state, askCheckout, askBorrower)
		switch {
		case !exists || !lent:
			assert.Equal(t, RejectItemNotFound, got)
		case heldCheckout == askCheckout && heldBorrower == askBorrower:
			assert.Equal(t, Continue, got)
		default:
			assert.Equal(t, RejectCheckoutMismatch, got)
		}
		assert.Equal(t, got != Continue, got.Rejected())
	})
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "success", Outcome(nil))
	assert.Equal(t, "serialization_conflict", Outcome(infraError("commit transaction", ErrSerializationConflict)))
	assert.Equal(t, "error", Outcome(infraError("commit transaction", assert.AnError)))
	assert.ErrorIs(t, infraError("commit transaction", assert.AnError), ErrTransaction)
	assert.ErrorIs(t, infraError("commit transaction", assert.AnError), assert.AnError)
	assert.True(t, IsRetryable(infraError("read item state", ErrSerializationConflict)))
	assert.False(t, IsRetryable(ErrAlreadyCheckedOut))
}

func TestMergeHistory(t *testing.T) {
	now := time.Now()
	open := &Checkout{ID: NewCheckoutID(), CheckedOutAt: now}
	closed := []Checkout{
		{ID: NewCheckoutID(), CheckedOutAt: now.Add(-time.Hour)},
		{ID: NewCheckoutID(), CheckedOutAt: now.Add(-2 * time.Hour)},
	}

	assert.Equal(t, []Checkout{}, mergeHistory(nil, nil))
	assert.Equal(t, closed, mergeHistory(nil, closed))

	got := mergeHistory(open, closed)
	assert.Len(t, got, 3)
	assert.Equal(t, open.ID, got[0].ID)
	assert.Equal(t, closed[0].ID, got[1].ID)

	// returned between the open read and the closed read
	returnedAt := now.Add(time.Minute)
	justClosed := append([]Checkout{{ID: open.ID, CheckedOutAt: now, ReturnedAt: &returnedAt}}, closed...)
	got = mergeHistory(open, justClosed)
	require.Len(t, got, 3)
	assert.Equal(t, open.ID, got[0].ID)
	assert.True(t, got[0].Returned())
}
