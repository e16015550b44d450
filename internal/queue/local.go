package queue

import (
	"context"
	"sync"
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/rs/zerolog"
)

// LocalQueue is an in-process queue used when no broker is configured. Leases
// do not expire; a crashed process loses its queue.
type LocalQueue struct {
	ch            chan domain.QueueMessage
	maxDeliveries int
	logger        zerolog.Logger

	dlqMu sync.Mutex
	dlq   []domain.DeadLetter
}

func NewLocalQueue(bufferSize, maxDeliveries int, logger zerolog.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	return &LocalQueue{
		ch:            make(chan domain.QueueMessage, bufferSize),
		maxDeliveries: maxDeliveries,
		logger:        logger,
		dlq:           make([]domain.DeadLetter, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- message:
		return nil
	}
}

func (q *LocalQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	for _, message := range messages {
		if err := q.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (q *LocalQueue) Lease(ctx context.Context, limit int, wait time.Duration) ([]Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	deliveries := make([]Delivery, 0, limit)

	if wait <= 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case message := <-q.ch:
			deliveries = append(deliveries, &localDelivery{queue: q, message: message})
		default:
			return deliveries, nil
		}
	} else {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return deliveries, nil
		case message := <-q.ch:
			deliveries = append(deliveries, &localDelivery{queue: q, message: message})
		}
	}

	for len(deliveries) < limit {
		select {
		case message := <-q.ch:
			deliveries = append(deliveries, &localDelivery{queue: q, message: message})
		default:
			return deliveries, nil
		}
	}
	return deliveries, nil
}

func (q *LocalQueue) Len() int {
	return len(q.ch)
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}

// DeadLetters returns a copy of the dead-letter destination.
func (q *LocalQueue) DeadLetters() []domain.DeadLetter {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return append([]domain.DeadLetter(nil), q.dlq...)
}

func (q *LocalQueue) deadLetter(letter domain.DeadLetter) {
	q.dlqMu.Lock()
	q.dlq = append(q.dlq, letter)
	q.dlqMu.Unlock()
	q.logger.Warn().
		Str("request_id", letter.Message.RequestID).
		Str("failure_reason", string(letter.FailureReason)).
		Int("attempt", letter.Message.Attempt).
		Msg("local queue moved message to DLQ")
}

type localDelivery struct {
	queue   *LocalQueue
	message domain.QueueMessage
}

func (d *localDelivery) Message() domain.QueueMessage {
	return d.message
}

func (d *localDelivery) Ack(context.Context) error {
	return nil
}

func (d *localDelivery) Release(ctx context.Context, delay time.Duration) error {
	next, exhausted := nextAttempt(d.message, d.queue.maxDeliveries)
	if exhausted {
		d.queue.deadLetter(newDeadLetter(next, domain.ReasonMaxDeliveriesExceeded, ""))
		return ErrDeliveriesExhausted
	}
	if delay <= 0 {
		return d.queue.Enqueue(ctx, next)
	}
	time.AfterFunc(delay, func() {
		d.queue.ch <- next
	})
	return nil
}

func (d *localDelivery) DeadLetter(_ context.Context, reason domain.FailureReason, detail string) error {
	d.queue.deadLetter(newDeadLetter(d.message, reason, detail))
	return nil
}
