package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Addr          string
	Password      string
	DB            int
	Stream        string
	DLQStream     string
	Group         string
	Consumer      string
	MaxDeliveries int
	// LeaseTimeout is how long a delivered entry may stay pending before
	// another consumer reclaims it.
	LeaseTimeout time.Duration
}

// StreamsQueue implements Producer and Consumer on Redis Streams. Leases are
// consumer group pending entries; expired leases are reclaimed with XAUTOCLAIM.
type StreamsQueue struct {
	client        *redis.Client
	stream        string
	dlqStream     string
	group         string
	consumer      string
	maxDeliveries int
	leaseTimeout  time.Duration
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	cfg = withStreamsDefaults(cfg)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:        client,
		stream:        cfg.Stream,
		dlqStream:     cfg.DLQStream,
		group:         cfg.Group,
		consumer:      cfg.Consumer,
		maxDeliveries: cfg.MaxDeliveries,
		leaseTimeout:  cfg.LeaseTimeout,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

func withStreamsDefaults(cfg StreamsConfig) StreamsConfig {
	if cfg.Stream == "" {
		cfg.Stream = "lesson_requests"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + "_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "lesson_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 5 * time.Minute
	}
	return cfg
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: streamValues(message),
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	if len(messages) == 0 {
		return nil
	}

	pipeline := q.client.Pipeline()
	for _, message := range messages {
		pipeline.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: streamValues(message),
		})
	}

	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue batch to stream: %w", err)
	}
	return nil
}

// Lease first reclaims entries whose lease expired, then reads new entries.
func (q *StreamsQueue) Lease(ctx context.Context, limit int, wait time.Duration) ([]Delivery, error) {
	if limit <= 0 {
		limit = 1
	}

	deliveries, err := q.reclaimExpired(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(deliveries) >= limit {
		return deliveries, nil
	}

	block := wait
	if len(deliveries) > 0 || wait <= 0 {
		// a negative Block omits BLOCK; zero would block forever
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(limit - len(deliveries)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return deliveries, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return deliveries, err
		}
		return deliveries, fmt.Errorf("xreadgroup: %w", err)
	}

	for _, stream := range streams {
		for _, item := range stream.Messages {
			if delivery := q.toDelivery(ctx, item, 0); delivery != nil {
				deliveries = append(deliveries, delivery)
			}
		}
	}
	return deliveries, nil
}

func (q *StreamsQueue) reclaimExpired(ctx context.Context, limit int) ([]Delivery, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.leaseTimeout,
		Start:    "0-0",
		Count:    int64(limit),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}

	deliveries := make([]Delivery, 0, len(claimed))
	for _, item := range claimed {
		// The pending entry counts every delivery of this stream id; the
		// envelope counts deliveries of earlier ids of the same request.
		extra := 1
		pending, pendingErr := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: q.stream,
			Group:  q.group,
			Start:  item.ID,
			End:    item.ID,
			Count:  1,
		}).Result()
		if pendingErr == nil && len(pending) == 1 && pending[0].RetryCount > 1 {
			extra = int(pending[0].RetryCount) - 1
		}
		if delivery := q.toDelivery(ctx, item, extra); delivery != nil {
			deliveries = append(deliveries, delivery)
		}
	}
	return deliveries, nil
}

// toDelivery moves entries that cannot be decoded straight to the DLQ.
func (q *StreamsQueue) toDelivery(ctx context.Context, item redis.XMessage, extraAttempts int) Delivery {
	message, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		_ = q.sendToDLQ(ctx, newDeadLetter(message, domain.ReasonMalformedInput, parseErr.Error()), item.ID)
		_ = q.ackAndDelete(ctx, item.ID)
		return nil
	}
	message.Attempt += extraAttempts
	return &streamDelivery{queue: q, id: item.ID, message: message}
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(ctx context.Context, letter domain.DeadLetter, streamID string) error {
	values := streamValues(letter.Message)
	values["stream_id"] = streamID
	values["failure_reason"] = string(letter.FailureReason)
	values["detail"] = letter.Detail
	values["moved_at"] = letter.MovedAt.Format(time.RFC3339Nano)
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	return nil
}

type streamDelivery struct {
	queue   *StreamsQueue
	id      string
	message domain.QueueMessage
}

func (d *streamDelivery) Message() domain.QueueMessage {
	return d.message
}

func (d *streamDelivery) Ack(ctx context.Context) error {
	return d.queue.ackAndDelete(ctx, d.id)
}

// Release re-adds the message immediately, or leaves the entry pending so the
// lease timeout redelivers it when a delay is requested.
func (d *streamDelivery) Release(ctx context.Context, delay time.Duration) error {
	next, exhausted := nextAttempt(d.message, d.queue.maxDeliveries)
	if exhausted {
		if err := d.queue.sendToDLQ(ctx, newDeadLetter(next, domain.ReasonMaxDeliveriesExceeded, ""), d.id); err != nil {
			return err
		}
		if err := d.queue.ackAndDelete(ctx, d.id); err != nil {
			return err
		}
		return ErrDeliveriesExhausted
	}
	if delay > 0 {
		return nil
	}
	if err := d.queue.Enqueue(ctx, next); err != nil {
		return err
	}
	return d.queue.ackAndDelete(ctx, d.id)
}

// EffectiveDelay is the lease timeout for any positive delay: the entry stays
// pending until XAUTOCLAIM reclaims it.
func (d *streamDelivery) EffectiveDelay(requested time.Duration) time.Duration {
	if requested <= 0 {
		return 0
	}
	return d.queue.leaseTimeout
}

func (d *streamDelivery) DeadLetter(ctx context.Context, reason domain.FailureReason, detail string) error {
	if err := d.queue.sendToDLQ(ctx, newDeadLetter(d.message, reason, detail), d.id); err != nil {
		return err
	}
	return d.queue.ackAndDelete(ctx, d.id)
}

func streamValues(message domain.QueueMessage) map[string]any {
	return map[string]any{
		"request_id":       message.RequestID,
		"topic_hint":       message.TopicHint,
		"interest":         message.Interest,
		"style":            message.Style,
		"modality":         string(message.Modality),
		"duration_seconds": message.DurationSeconds,
		"attempt":          message.Attempt,
		"requested_at":     message.RequestedAt.UTC().Format(time.RFC3339Nano),
	}
}

// parseStreamMessage returns whatever it decoded alongside an error so the
// dead-letter envelope keeps the request id when it is present.
func parseStreamMessage(item redis.XMessage) (domain.QueueMessage, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}
	optionalString := func(key string) string {
		value, _ := getString(key)
		return value
	}

	message := domain.QueueMessage{
		RequestID: optionalString("request_id"),
		TopicHint: optionalString("topic_hint"),
		Interest:  optionalString("interest"),
		Style:     optionalString("style"),
		Modality:  domain.Modality(optionalString("modality")),
	}

	if _, err := getString("request_id"); err != nil {
		return message, err
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return message, err
	}
	message.Attempt, err = strconv.Atoi(attemptString)
	if err != nil {
		return message, fmt.Errorf("invalid attempt: %w", err)
	}

	if durationString := optionalString("duration_seconds"); durationString != "" {
		message.DurationSeconds, err = strconv.Atoi(durationString)
		if err != nil {
			return message, fmt.Errorf("invalid duration_seconds: %w", err)
		}
	}

	requestedAtString, err := getString("requested_at")
	if err != nil {
		return message, err
	}
	message.RequestedAt, err = time.Parse(time.RFC3339Nano, requestedAtString)
	if err != nil {
		return message, fmt.Errorf("invalid requested_at: %w", err)
	}

	return message, nil
}
