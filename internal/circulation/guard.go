// internal/circulation/guard.go
package circulation

// Decision is the guard's verdict on a request: Continue, or one of the
// rejection reasons.
type Decision uint8

const (
	Continue Decision = iota
	RejectItemNotFound
	RejectAlreadyCheckedOut
	RejectCheckoutMismatch
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case RejectItemNotFound:
		return "item_not_found"
	case RejectAlreadyCheckedOut:
		return "already_checked_out"
	case RejectCheckoutMismatch:
		return "checkout_mismatch"
	default:
		return "unknown"
	}
}

// Rejected reports whether the request must not proceed.
func (d Decision) Rejected() bool { return d != Continue }

// Err maps a rejection to its sentinel error. It returns nil for Continue.
func (d Decision) Err() error {
	switch d {
	case Continue:
		return nil
	case RejectItemNotFound:
		return ErrItemNotFound
	case RejectAlreadyCheckedOut:
		return ErrAlreadyCheckedOut
	case RejectCheckoutMismatch:
		return ErrCheckoutMismatch
	default:
		return ErrTransaction
	}
}

// CheckOpen decides whether a new checkout may be opened on the item
// described by state. A nil state means the item does not exist.
func CheckOpen(state *ItemState) Decision {
	if state == nil {
		return RejectItemNotFound
	}
	if state.Open != nil {
		return RejectAlreadyCheckedOut
	}
	return Continue
}

// CheckReturn decides whether the open checkout on the item may be closed by
// the given checkout and borrower.
func CheckReturn(state *ItemState, checkoutID CheckoutID, borrowerID BorrowerID) Decision {
	if state == nil || state.Open == nil {
		return RejectItemNotFound
	}
	if state.Open.CheckoutID != checkoutID || state.Open.BorrowerID != borrowerID {
		return RejectCheckoutMismatch
	}
	return Continue
}
