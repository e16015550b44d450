package queue

import (
	"context"
	"errors"
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
)

// ErrDeliveriesExhausted is returned by Release when the message reached the
// configured maximum delivery count and was moved to the dead-letter destination.
var ErrDeliveriesExhausted = errors.New("queue: maximum deliveries exceeded")

// Producer sends generation work to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// BatchProducer writes several messages in one round trip.
type BatchProducer interface {
	Producer
	EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error
}

// Consumer leases messages. A leased message is invisible to other consumers
// until it is settled or its lease expires.
type Consumer interface {
	// Lease waits up to wait for at least one message and returns at most limit.
	// An empty result with a nil error means the queue stayed empty.
	Lease(ctx context.Context, limit int, wait time.Duration) ([]Delivery, error)
}

// Delivery is one leased message. Exactly one of Ack, Release or DeadLetter
// must be called.
type Delivery interface {
	Message() domain.QueueMessage
	Ack(ctx context.Context) error
	// Release hands the message back for redelivery no sooner than delay and
	// counts the delivery against the maximum.
	Release(ctx context.Context, delay time.Duration) error
	DeadLetter(ctx context.Context, reason domain.FailureReason, detail string) error
}

// DelayReporter is implemented by deliveries whose backend cannot honour an
// arbitrary release delay. EffectiveDelay returns the delay actually applied.
type DelayReporter interface {
	EffectiveDelay(requested time.Duration) time.Duration
}

// nextAttempt increments the envelope attempt and reports whether the
// message has used up its deliveries.
func nextAttempt(message domain.QueueMessage, maxDeliveries int) (domain.QueueMessage, bool) {
	message.Attempt++
	return message, maxDeliveries > 0 && message.Attempt >= maxDeliveries
}

func newDeadLetter(message domain.QueueMessage, reason domain.FailureReason, detail string) domain.DeadLetter {
	if len(detail) > 500 {
		detail = detail[:500]
	}
	return domain.DeadLetter{
		Message:       message,
		FailureReason: reason,
		Detail:        detail,
		MovedAt:       time.Now().UTC(),
	}
}
