package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RelayOptions tunes the relay loop. Zero values fall back to defaults.
type RelayOptions struct {
	Interval  time.Duration
	BatchSize int
	// BreakerTimeout is how long the breaker stays open before probing the
	// broker again.
	BreakerTimeout time.Duration
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold uint32
	Recorder         Recorder
	Now              func() time.Time
}

// Relay moves events from the outbox to the broker.
type Relay struct {
	source    Source
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker
	log       *zap.Logger
	opts      RelayOptions
}

func NewRelay(source Source, publisher Publisher, log *zap.Logger, opts RelayOptions) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	threshold := opts.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "event-publisher",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Relay{
		source:    source,
		publisher: publisher,
		breaker:   breaker,
		log:       log,
		opts:      opts,
	}
}

// Run relays on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.log.Info("event relay started", zap.Duration("interval", r.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("event relay stopped")
			return
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("event relay pass failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce publishes one batch and returns how many events were delivered.
// It stops at the first failure so that events leave the outbox in order.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	pending, err := r.source.Pending(ctx, r.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(pending))
	var publishErr error
	for _, rec := range pending {
		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, r.publisher.Publish(ctx, rec.Event)
		})
		if err != nil {
			publishErr = fmt.Errorf("publish event %s: %w", rec.ID, err)
			if r.opts.Recorder != nil {
				r.opts.Recorder.PublishFailed()
			}
			break
		}
		published = append(published, rec.Seq)
	}

	if len(published) > 0 {
		if err := r.source.MarkPublished(ctx, published, r.opts.Now()); err != nil {
			return 0, errors.Join(publishErr, fmt.Errorf("mark published: %w", err))
		}
		if r.opts.Recorder != nil {
			r.opts.Recorder.EventsPublished(len(published))
		}
		r.log.Debug("relayed events", zap.Int("count", len(published)))
	}
	return len(published), publishErr
}

// BreakerState reports the publisher circuit breaker state.
func (r *Relay) BreakerState() gobreaker.State {
	return r.breaker.State()
}
