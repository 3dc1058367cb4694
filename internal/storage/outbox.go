package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"librarycheckout/internal/circulation"
	"librarycheckout/internal/events"
)

// Outbox reads and acknowledges the checkout events written by CheckoutStore.
type Outbox struct {
	db *DB
}

func NewOutbox(db *DB) *Outbox {
	return &Outbox{db: db}
}

var _ events.Source = (*Outbox)(nil)

type eventRow struct {
	Seq        int64     `db:"id"`
	EventID    uuid.UUID `db:"event_id"`
	EventType  string    `db:"event_type"`
	CheckoutID uuid.UUID `db:"checkout_id"`
	ItemID     uuid.UUID `db:"item_id"`
	BorrowerID uuid.UUID `db:"borrower_id"`
	OccurredAt time.Time `db:"occurred_at"`
}

// Pending returns up to limit unpublished events in commit order.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]events.Record, error) {
	var rows []eventRow
	err := o.db.SelectContext(ctx, &rows, o.db.Rebind(`
SELECT id, event_id, event_type, checkout_id, item_id, borrower_id, occurred_at
FROM checkout_events
WHERE published_at IS NULL
ORDER BY id ASC
LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}

	out := make([]events.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, events.Record{
			Seq: r.Seq,
			Event: circulation.Event{
				ID:         r.EventID,
				Type:       r.EventType,
				CheckoutID: circulation.CheckoutID{UUID: r.CheckoutID},
				ItemID:     circulation.ItemID{UUID: r.ItemID},
				BorrowerID: circulation.BorrowerID{UUID: r.BorrowerID},
				OccurredAt: r.OccurredAt.UTC(),
			},
		})
	}
	return out, nil
}

// MarkPublished stamps the given events as delivered.
func (o *Outbox) MarkPublished(ctx context.Context, seqs []int64, at time.Time) error {
	if len(seqs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE checkout_events SET published_at = ? WHERE id IN (?)`, at.UTC(), seqs)
	if err != nil {
		return fmt.Errorf("build mark published: %w", err)
	}
	if _, err := o.db.ExecContext(ctx, o.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	return nil
}
