// Package events relays checkout events from the transactional outbox to a
// message broker.
package events

import (
	"context"
	"time"

	"librarycheckout/internal/circulation"
)

// Record is an outbox row: the event plus its position in commit order.
type Record struct {
	Seq int64
	circulation.Event
}

// Source is the outbox the relay drains.
type Source interface {
	// Pending returns up to limit unpublished records, oldest first.
	Pending(ctx context.Context, limit int) ([]Record, error)
	MarkPublished(ctx context.Context, seqs []int64, at time.Time) error
}

// Publisher delivers one event. Delivery is at-least-once: an event may be
// published again if marking it failed.
type Publisher interface {
	Publish(ctx context.Context, ev circulation.Event) error
}

// Recorder observes relay throughput. It may be nil.
type Recorder interface {
	EventsPublished(n int)
	PublishFailed()
}
