package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitConfig struct {
	URL           string
	Queue         string
	MaxDeliveries int
	PollInterval  time.Duration
}

// rabbitChannel is the subset of *amqp.Channel the queue uses.
type rabbitChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// RabbitQueue implements Producer and Consumer on RabbitMQ. Messages are
// pulled with basic.get and manual acknowledgement; an unacknowledged message
// returns to the queue when the channel closes. Delayed releases go through
// <queue>.retry, whose TTL dead-letters back to the main queue.
type RabbitQueue struct {
	conn *amqp.Connection

	mu sync.Mutex
	ch rabbitChannel

	queue         string
	retryQueue    string
	dlqQueue      string
	maxDeliveries int
	pollInterval  time.Duration
}

func NewRabbitQueue(cfg RabbitConfig) (*RabbitQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	q, err := newRabbitQueue(ch, cfg)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

func newRabbitQueue(ch rabbitChannel, cfg RabbitConfig) (*RabbitQueue, error) {
	if cfg.Queue == "" {
		cfg.Queue = "lesson_requests"
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}

	q := &RabbitQueue{
		ch:            ch,
		queue:         cfg.Queue,
		retryQueue:    cfg.Queue + ".retry",
		dlqQueue:      cfg.Queue + ".dlq",
		maxDeliveries: cfg.MaxDeliveries,
		pollInterval:  cfg.PollInterval,
	}
	if err := q.declareTopology(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RabbitQueue) declareTopology() error {
	if _, err := q.ch.QueueDeclare(q.dlqQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", q.dlqQueue, err)
	}
	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := q.ch.QueueDeclare(q.retryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.queue,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", q.retryQueue, err)
	}
	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	if _, err := q.ch.QueueDeclare(q.queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.dlqQueue,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", q.queue, err)
	}
	return nil
}

func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func (q *RabbitQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return q.publishMessage(ctx, q.queue, message, "")
}

func (q *RabbitQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	for _, message := range messages {
		if err := q.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (q *RabbitQueue) publishMessage(ctx context.Context, routingKey string, message domain.QueueMessage, expiration string) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	return q.publish(ctx, routingKey, body, message.RequestID, expiration)
}

func (q *RabbitQueue) publish(ctx context.Context, routingKey string, body []byte, messageID, expiration string) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.ch.PublishWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Expiration:   expiration,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", routingKey, err)
	}
	return nil
}

func (q *RabbitQueue) Lease(ctx context.Context, limit int, wait time.Duration) ([]Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	deadline := time.Now().Add(wait)
	deliveries := make([]Delivery, 0, limit)

	for {
		for len(deliveries) < limit {
			q.mu.Lock()
			raw, ok, err := q.ch.Get(q.queue, false)
			q.mu.Unlock()
			if err != nil {
				return deliveries, fmt.Errorf("basic.get %s: %w", q.queue, err)
			}
			if !ok {
				break
			}

			var message domain.QueueMessage
			if decodeErr := json.Unmarshal(raw.Body, &message); decodeErr != nil {
				q.rejectMalformed(ctx, raw, decodeErr)
				continue
			}
			deliveries = append(deliveries, &rabbitDelivery{queue: q, tag: raw.DeliveryTag, message: message})
		}

		if len(deliveries) > 0 || !time.Now().Before(deadline) {
			return deliveries, nil
		}

		timer := time.NewTimer(minDuration(q.pollInterval, time.Until(deadline)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return deliveries, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *RabbitQueue) ack(tag uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

func (q *RabbitQueue) sendToDLQ(ctx context.Context, letter domain.DeadLetter) error {
	body, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.publish(ctx, q.dlqQueue, body, letter.Message.RequestID, "")
}

// rejectMalformed moves an undecodable payload to the DLQ as a dead letter and
// acks it. When that publish fails the message is nacked and the main queue's
// dead-letter routing moves the raw body instead.
func (q *RabbitQueue) rejectMalformed(ctx context.Context, raw amqp.Delivery, decodeErr error) {
	detail := fmt.Sprintf("decode payload: %v: %s", decodeErr, raw.Body)
	letter := newDeadLetter(domain.QueueMessage{RequestID: raw.MessageId}, domain.ReasonMalformedInput, detail)
	if err := q.sendToDLQ(ctx, letter); err != nil {
		q.mu.Lock()
		_ = q.ch.Nack(raw.DeliveryTag, false, false)
		q.mu.Unlock()
		return
	}
	_ = q.ack(raw.DeliveryTag)
}

type rabbitDelivery struct {
	queue   *RabbitQueue
	tag     uint64
	message domain.QueueMessage
}

func (d *rabbitDelivery) Message() domain.QueueMessage {
	return d.message
}

func (d *rabbitDelivery) Ack(context.Context) error {
	return d.queue.ack(d.tag)
}

func (d *rabbitDelivery) Release(ctx context.Context, delay time.Duration) error {
	next, exhausted := nextAttempt(d.message, d.queue.maxDeliveries)
	if exhausted {
		if err := d.queue.sendToDLQ(ctx, newDeadLetter(next, domain.ReasonMaxDeliveriesExceeded, "")); err != nil {
			return err
		}
		if err := d.queue.ack(d.tag); err != nil {
			return err
		}
		return ErrDeliveriesExhausted
	}

	var err error
	if delay > 0 {
		err = d.queue.publishMessage(ctx, d.queue.retryQueue, next, strconv.FormatInt(delay.Milliseconds(), 10))
	} else {
		err = d.queue.publishMessage(ctx, d.queue.queue, next, "")
	}
	if err != nil {
		return err
	}
	return d.queue.ack(d.tag)
}

func (d *rabbitDelivery) DeadLetter(ctx context.Context, reason domain.FailureReason, detail string) error {
	if err := d.queue.sendToDLQ(ctx, newDeadLetter(d.message, reason, detail)); err != nil {
		return err
	}
	return d.queue.ack(d.tag)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
