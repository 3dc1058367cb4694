package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"librarycheckout/internal/circulation"
)

const (
	ExchangeName = "library.circulation"
	exchangeType = "topic"
	eventVersion = "1.0.0"

	maxPublishAttempts = 3
	confirmTimeout     = 5 * time.Second
)

// AMQPPublisher publishes checkout events to a topic exchange with publisher
// confirms. The routing key is the event type.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	confirms chan amqp.Confirmation
	log      *zap.Logger

	// confirms arrive in publish order, so one publish is in flight at a time
	mu sync.Mutex
}

// envelope is the message body.
type envelope struct {
	EventVersion string            `json:"event_version"`
	Timestamp    string            `json:"timestamp"`
	Payload      circulation.Event `json:"payload"`
}

func NewAMQPPublisher(url string, log *zap.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		ExchangeName,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	log.Info("connected to RabbitMQ", zap.String("exchange", ExchangeName))
	return &AMQPPublisher{
		conn:     conn,
		channel:  channel,
		confirms: channel.NotifyPublish(make(chan amqp.Confirmation, maxPublishAttempts)),
		log:      log,
	}, nil
}

// Publish sends ev and waits for the broker to confirm it, retrying with
// exponential backoff.
func (p *AMQPPublisher) Publish(ctx context.Context, ev circulation.Event) error {
	body, err := json.Marshal(envelope{
		EventVersion: eventVersion,
		Timestamp:    ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		Payload:      ev,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.publishConfirmed(ctx, ev, body)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxPublishAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Warn("failed to publish event, retrying",
				zap.Stringer("event_id", ev.ID),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.ID, err)
	}
	p.log.Debug("event published",
		zap.Stringer("event_id", ev.ID),
		zap.String("event_type", ev.Type),
	)
	return nil
}

func (p *AMQPPublisher) publishConfirmed(ctx context.Context, ev circulation.Event, body []byte) error {
	tag := p.channel.GetNextPublishSeqNo()
	err := p.channel.PublishWithContext(
		ctx,
		ExchangeName,
		ev.Type,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			MessageId:    ev.ID.String(),
			Body:         body,
			Headers: amqp.Table{
				"event_type":    ev.Type,
				"event_version": eventVersion,
			},
		},
	)
	if err != nil {
		if p.channel.IsClosed() {
			return backoff.Permanent(err)
		}
		return err
	}

	return awaitConfirm(ctx, p.confirms, tag, confirmTimeout)
}

var (
	errNacked         = errors.New("event not acknowledged")
	errConfirmTimeout = errors.New("confirmation timeout")
	errConfirmsClosed = errors.New("confirm channel closed")
	errConfirmSkipped = errors.New("confirmation out of order")
)

// awaitConfirm waits for the confirmation of delivery tag. Confirmations for
// earlier tags belong to attempts that already timed out and are dropped.
func awaitConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, tag uint64, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case confirm, ok := <-confirms:
			if !ok {
				return backoff.Permanent(errConfirmsClosed)
			}
			switch {
			case confirm.DeliveryTag < tag:
				continue
			case confirm.DeliveryTag > tag:
				return fmt.Errorf("%w: got delivery %d, want %d", errConfirmSkipped, confirm.DeliveryTag, tag)
			case !confirm.Ack:
				return errNacked
			}
			return nil
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-timer.C:
			return errConfirmTimeout
		}
	}
}

// IsHealthy checks if the publisher connection is healthy.
func (p *AMQPPublisher) IsHealthy() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.log.Error("failed to close channel", zap.Error(err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return err
		}
	}
	p.log.Info("publisher closed")
	return nil
}
