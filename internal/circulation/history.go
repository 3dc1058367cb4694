// internal/circulation/history.go
package circulation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HistoryForItem merges the open checkout of the item with its closed
// checkouts. The two reads run without a shared snapshot; a new checkout
// cannot be opened while one is open, so the open checkout is always the most
// recent, and a return committed between the reads is resolved in
// mergeHistory.
func (s *service) HistoryForItem(ctx context.Context, itemID ItemID) (_ []Checkout, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.history_for_item",
		trace.WithAttributes(attribute.String("item.id", itemID.String())),
	)
	defer s.finish(span, "history", time.Now(), &err)

	open, err := s.store.FindOpenByItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("find open checkout of item %s: %w", itemID, err)
	}
	closed, err := s.store.FindClosedByItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("find closed checkouts of item %s: %w", itemID, err)
	}

	history := mergeHistory(open, closed)
	span.SetAttributes(attribute.Int("checkouts.count", len(history)))
	return history, nil
}

// mergeHistory prepends open to closed. An open checkout that also shows up
// as closed was returned between the two reads; the closed record wins.
func mergeHistory(open *Checkout, closed []Checkout) []Checkout {
	history := make([]Checkout, 0, len(closed)+1)
	if open != nil && !containsCheckout(closed, open.ID) {
		history = append(history, *open)
	}
	return append(history, closed...)
}

func containsCheckout(checkouts []Checkout, id CheckoutID) bool {
	for _, c := range checkouts {
		if c.ID == id {
			return true
		}
	}
	return false
}
