package queue

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamValuesRoundTripThroughParse(t *testing.T) {
	original := domain.QueueMessage{
		RequestID:       "5f1c7a1e-8a43-4f0e-9d1c-1f0f5b7e2d10",
		TopicHint:       "volcanoes",
		Interest:        "football",
		Style:           "storytelling",
		Modality:        domain.ModalityTextAndVideo,
		DurationSeconds: 120,
		Attempt:         2,
		RequestedAt:     time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	values := streamValues(original)
	// Redis hands every field back as a string.
	item := redis.XMessage{ID: "1-0", Values: map[string]any{}}
	for key, value := range values {
		switch typed := value.(type) {
		case int:
			item.Values[key] = strconv.Itoa(typed)
		default:
			item.Values[key] = typed
		}
	}

	parsed, err := parseStreamMessage(item)
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestParseStreamMessageKeepsRequestIDOnError(t *testing.T) {
	parsed, err := parseStreamMessage(redis.XMessage{ID: "1-0", Values: map[string]any{
		"request_id": "not-a-uuid",
		"attempt":    "x",
	}})
	require.Error(t, err)
	assert.Equal(t, "not-a-uuid", parsed.RequestID)
}

func TestWithStreamsDefaults(t *testing.T) {
	cfg := withStreamsDefaults(StreamsConfig{Stream: "lessons"})
	assert.Equal(t, "lessons_dlq", cfg.DLQStream)
	assert.Equal(t, 5, cfg.MaxDeliveries)
	assert.Equal(t, 5*time.Minute, cfg.LeaseTimeout)
}

func TestNextAttempt(t *testing.T) {
	next, exhausted := nextAttempt(domain.QueueMessage{Attempt: 1}, 3)
	assert.Equal(t, 2, next.Attempt)
	assert.False(t, exhausted)

	_, exhausted = nextAttempt(domain.QueueMessage{Attempt: 2}, 3)
	assert.True(t, exhausted)
}

const testLeaseTimeout = 50 * time.Millisecond

func newTestStreamsQueue(t *testing.T, maxDeliveries int) *StreamsQueue {
	t.Helper()
	server := miniredis.RunT(t)
	q, err := NewStreamsQueue(context.Background(), StreamsConfig{
		Addr:          server.Addr(),
		Stream:        "lessons",
		MaxDeliveries: maxDeliveries,
		LeaseTimeout:  testLeaseTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func enqueueStream(t *testing.T, q *StreamsQueue, attempt int) string {
	t.Helper()
	requestID := domain.NewRequestID()
	require.NoError(t, q.Enqueue(context.Background(), domain.QueueMessage{
		RequestID:   requestID,
		Modality:    domain.ModalityTextOnly,
		Attempt:     attempt,
		RequestedAt: time.Now().UTC(),
	}))
	return requestID
}

func leaseStream(t *testing.T, q *StreamsQueue, limit int) []Delivery {
	t.Helper()
	deliveries, err := q.Lease(context.Background(), limit, 0)
	require.NoError(t, err)
	return deliveries
}

func deadLetters(t *testing.T, q *StreamsQueue) []redis.XMessage {
	t.Helper()
	entries, err := q.client.XRange(context.Background(), q.dlqStream, "-", "+").Result()
	require.NoError(t, err)
	return entries
}

func streamLength(t *testing.T, q *StreamsQueue) int64 {
	t.Helper()
	length, err := q.client.XLen(context.Background(), q.stream).Result()
	require.NoError(t, err)
	return length
}

func TestStreamsLeaseHidesPendingEntries(t *testing.T) {
	q := newTestStreamsQueue(t, 5)
	first := enqueueStream(t, q, 0)
	second := enqueueStream(t, q, 0)

	deliveries := leaseStream(t, q, 4)
	require.Len(t, deliveries, 2)
	assert.Equal(t, first, deliveries[0].Message().RequestID)
	assert.Equal(t, second, deliveries[1].Message().RequestID)
	assert.Zero(t, deliveries[0].Message().Attempt)

	assert.Empty(t, leaseStream(t, q, 4), "leased entries stay invisible until the lease expires")

	require.NoError(t, deliveries[0].Ack(context.Background()))
	assert.Equal(t, int64(1), streamLength(t, q))
}

func TestStreamsReclaimsExpiredLeaseAndCountsDeliveries(t *testing.T) {
	q := newTestStreamsQueue(t, 5)
	requestID := enqueueStream(t, q, 0)

	require.Len(t, leaseStream(t, q, 1), 1)

	time.Sleep(2 * testLeaseTimeout)
	reclaimed := leaseStream(t, q, 1)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, requestID, reclaimed[0].Message().RequestID)
	assert.Equal(t, 1, reclaimed[0].Message().Attempt)

	time.Sleep(2 * testLeaseTimeout)
	reclaimed = leaseStream(t, q, 1)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].Message().Attempt)
}

func TestStreamsImmediateReleaseReaddsWithNextAttempt(t *testing.T) {
	q := newTestStreamsQueue(t, 5)
	requestID := enqueueStream(t, q, 0)

	deliveries := leaseStream(t, q, 1)
	require.Len(t, deliveries, 1)
	require.NoError(t, deliveries[0].Release(context.Background(), 0))
	assert.Equal(t, int64(1), streamLength(t, q), "the released entry is replaced, not duplicated")

	redelivered := leaseStream(t, q, 1)
	require.Len(t, redelivered, 1)
	assert.Equal(t, requestID, redelivered[0].Message().RequestID)
	assert.Equal(t, 1, redelivered[0].Message().Attempt)
}

func TestStreamsDelayedReleaseWaitsForLeaseExpiry(t *testing.T) {
	q := newTestStreamsQueue(t, 5)
	requestID := enqueueStream(t, q, 0)

	deliveries := leaseStream(t, q, 1)
	require.Len(t, deliveries, 1)
	require.NoError(t, deliveries[0].Release(context.Background(), 10*time.Second))

	reporter, ok := deliveries[0].(DelayReporter)
	require.True(t, ok)
	assert.Equal(t, testLeaseTimeout, reporter.EffectiveDelay(10*time.Second))
	assert.Zero(t, reporter.EffectiveDelay(0))

	assert.Empty(t, leaseStream(t, q, 1))

	time.Sleep(2 * testLeaseTimeout)
	redelivered := leaseStream(t, q, 1)
	require.Len(t, redelivered, 1)
	assert.Equal(t, requestID, redelivered[0].Message().RequestID)
	assert.Equal(t, 1, redelivered[0].Message().Attempt)
}

func TestStreamsReleaseDeadLettersWhenDeliveriesExhausted(t *testing.T) {
	q := newTestStreamsQueue(t, 2)
	requestID := enqueueStream(t, q, 1)

	deliveries := leaseStream(t, q, 1)
	require.Len(t, deliveries, 1)
	err := deliveries[0].Release(context.Background(), 0)
	require.ErrorIs(t, err, ErrDeliveriesExhausted)

	assert.Zero(t, streamLength(t, q))
	letters := deadLetters(t, q)
	require.Len(t, letters, 1)
	assert.Equal(t, requestID, letters[0].Values["request_id"])
	assert.Equal(t, string(domain.ReasonMaxDeliveriesExceeded), letters[0].Values["failure_reason"])
	assert.Equal(t, "2", letters[0].Values["attempt"])
}

func TestStreamsMalformedEntryGoesToDeadLetterStream(t *testing.T) {
	q := newTestStreamsQueue(t, 5)
	require.NoError(t, q.client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"request_id": "legacy-42", "attempt": "not-a-number"},
	}).Err())

	assert.Empty(t, leaseStream(t, q, 4))

	assert.Zero(t, streamLength(t, q))
	letters := deadLetters(t, q)
	require.Len(t, letters, 1)
	assert.Equal(t, "legacy-42", letters[0].Values["request_id"])
	assert.Equal(t, string(domain.ReasonMalformedInput), letters[0].Values["failure_reason"])
}
