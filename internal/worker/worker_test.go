package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/iago/lesson-pipeline/internal/queue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProcessor struct {
	mu      sync.Mutex
	results map[string][]error
	calls   map[string]int
	failed  map[string]domain.FailureReason
	panics  bool

	block    bool
	// blockErr wraps the context error returned by a blocked call.
	blockErr func(error) error
}

func newScriptedProcessor() *scriptedProcessor {
	return &scriptedProcessor{
		results: make(map[string][]error),
		calls:   make(map[string]int),
		failed:  make(map[string]domain.FailureReason),
	}
}

// script sets the results returned by successive calls for one request. The
// last result repeats.
func (p *scriptedProcessor) script(requestID string, results ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[requestID] = results
}

func (p *scriptedProcessor) Process(ctx context.Context, message domain.QueueMessage) error {
	if p.panics {
		panic("nil map write")
	}
	if p.block {
		<-ctx.Done()
		if p.blockErr != nil {
			return p.blockErr(ctx.Err())
		}
		return domain.Transient(domain.ReasonTransientExternal, ctx.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.calls[message.RequestID]
	p.calls[message.RequestID]++
	results := p.results[message.RequestID]
	if len(results) == 0 {
		return nil
	}
	if call >= len(results) {
		call = len(results) - 1
	}
	return results[call]
}

func (p *scriptedProcessor) MarkFailed(_ context.Context, requestID string, reason domain.FailureReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed[requestID] = reason
	return nil
}

func (p *scriptedProcessor) callCount(requestID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[requestID]
}

func (p *scriptedProcessor) failure(requestID string) (domain.FailureReason, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reason, ok := p.failed[requestID]
	return reason, ok
}

func newTestWorker(q *queue.LocalQueue, processor Processor) *Worker {
	return New(q, processor, Config{
		BatchSize: 4,
		PoolSize:  2,
		LeaseWait: 20 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})
}

func enqueue(t *testing.T, q *queue.LocalQueue, requestID string) {
	t.Helper()
	require.NoError(t, q.Enqueue(context.Background(), domain.QueueMessage{
		RequestID: requestID,
		Modality:  domain.ModalityTextOnly,
	}))
}

func TestRunExitsOnEmptyQueue(t *testing.T) {
	q := queue.NewLocalQueue(8, 3, zerolog.Nop())
	stats := newTestWorker(q, newScriptedProcessor()).Run(context.Background(), 10*time.Second, 80*time.Millisecond)

	assert.Equal(t, ExitEmptyQueue, stats.ExitReason)
	assert.Zero(t, stats.Processed)
	assert.GreaterOrEqual(t, stats.Elapsed, 80*time.Millisecond)
	assert.Less(t, stats.Elapsed, 5*time.Second)
}

func TestRunAcknowledgesProcessedMessages(t *testing.T) {
	q := queue.NewLocalQueue(8, 3, zerolog.Nop())
	processor := newScriptedProcessor()
	for i := 0; i < 5; i++ {
		enqueue(t, q, domain.NewRequestID())
	}

	stats := newTestWorker(q, processor).Run(context.Background(), 10*time.Second, 80*time.Millisecond)

	assert.Equal(t, 5, stats.Processed)
	assert.Equal(t, 5, stats.Leased)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, q.Len())
	assert.Zero(t, q.DLQSize())
}

func TestRunDropsMalformedIdentifierWithoutProcessing(t *testing.T) {
	q := queue.NewLocalQueue(8, 3, zerolog.Nop())
	processor := newScriptedProcessor()
	enqueue(t, q, "definitely-not-a-uuid")

	stats := newTestWorker(q, processor).Run(context.Background(), 10*time.Second, 80*time.Millisecond)

	assert.Equal(t, 1, stats.Dropped)
	assert.Zero(t, processor.callCount("definitely-not-a-uuid"))
	assert.Zero(t, q.DLQSize())
	assert.Zero(t, q.Len())
}

func TestRunReleasesTransientFailureForRedelivery(t *testing.T) {
	q := queue.NewLocalQueue(8, 3, zerolog.Nop())
	processor := newScriptedProcessor()
	requestID := domain.NewRequestID()
	processor.script(requestID, domain.Transient(domain.ReasonTransientExternal, errors.New("503")), nil)
	enqueue(t, q, requestID)

	stats := newTestWorker(q, processor).Run(context.Background(), 10*time.Second, 80*time.Millisecond)

	assert.Equal(t, 1, stats.Released)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 2, processor.callCount(requestID))
	_, failed := processor.failure(requestID)
	assert.False(t, failed)
}

func TestRunDeadLettersPermanentFailure(t *testing.T) {
	q := queue.NewLocalQueue(8, 3, zerolog.Nop())
	processor := newScriptedProcessor()
	requestID := domain.NewRequestID()
	processor.script(requestID, domain.Permanent(domain.ReasonExternalRejected, errors.New("400 bad voice")))
	enqueue(t, q, requestID)

	stats := newTestWorker(q, processor).Run(context.Background(), 10*time.Second, 80*time.Millisecond)

	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 1, processor.callCount(requestID))
	require.Equal(t, 1, q.DLQSize())
	letter := q.DeadLetters()[0]
	assert.Equal(t, domain.ReasonExternalRejected, letter.FailureReason)
	assert.Equal(t, requestID, letter.Message.RequestID)

	reason, failed := processor.failure(requestID)
	require.True(t, failed)
	assert.Equal(t, domain.ReasonExternalRejected, reason)
}

func TestRunRetriesInternalErrorOnce(t *testing.T) {
	q := queue.NewLocalQueue(8, 5, zerolog.Nop())
	processor := newScriptedProcessor()
	requestID := domain.NewRequestID()
	processor.script(requestID, errors.New("nil pointer somewhere"))
	enqueue(t, q, requestID)

	stats := newTestWorker(q, processor).Run(context.Background(), 10*time.Second, 80*time.Millisecond)

	assert.Equal(t, 1, stats.Released)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 2, processor.callCount(requestID))
	reason, _ := processor.failure(requestID)
	assert.Equal(t, domain.ReasonInternal, reason)
}

func TestRunMarksRequestFailedWhenDeliveriesExhausted(t *testing.T) {
	q := queue.NewLocalQueue(8, 2, zerolog.Nop())
	processor := newScriptedProcessor()
	requestID := domain.NewRequestID()
	processor.script(requestID, domain.Transient(domain.ReasonTransientExternal, errors.New("timeout")))
	enqueue(t, q, requestID)

	stats := newTestWorker(q, processor).Run(context.Background(), 10*time.Second, 80*time.Millisecond)

	assert.Equal(t, 2, processor.callCount(requestID))
	assert.Equal(t, 1, stats.Released)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 1, q.DLQSize())
	reason, _ := processor.failure(requestID)
	assert.Equal(t, domain.ReasonMaxDeliveriesExceeded, reason)
}

func TestRunRecoversProcessorPanic(t *testing.T) {
	q := queue.NewLocalQueue(8, 5, zerolog.Nop())
	processor := newScriptedProcessor()
	processor.panics = true
	enqueue(t, q, domain.NewRequestID())

	stats := newTestWorker(q, processor).Run(context.Background(), 10*time.Second, 80*time.Millisecond)

	assert.Equal(t, 1, stats.Released, "a panic is retried once")
	assert.Equal(t, 1, stats.DeadLettered)
}

func TestRunStopsAtMaxRuntimeWithWorkRemaining(t *testing.T) {
	q := queue.NewLocalQueue(8, 5, zerolog.Nop())
	processor := newScriptedProcessor()
	processor.block = true
	for i := 0; i < 3; i++ {
		enqueue(t, q, domain.NewRequestID())
	}

	started := time.Now()
	stats := newTestWorker(q, processor).Run(context.Background(), 150*time.Millisecond, 10*time.Second)

	assert.Equal(t, ExitMaxRuntime, stats.ExitReason)
	assert.Less(t, time.Since(started), 3*time.Second)
	assert.Zero(t, stats.Processed)
}

func TestRunReleasesRedeliveryInterruptedAtMaxRuntime(t *testing.T) {
	cases := []struct {
		name string
		wrap func(error) error
	}{
		{
			name: "unclassified",
			wrap: func(err error) error { return fmt.Errorf("synthesize narration: %w", err) },
		},
		{
			name: "store",
			wrap: func(err error) error {
				return domain.Transient(domain.ReasonTransientStore, fmt.Errorf("store narration: %w", err))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := queue.NewLocalQueue(8, 5, zerolog.Nop())
			processor := newScriptedProcessor()
			processor.block = true
			processor.blockErr = tc.wrap
			requestID := domain.NewRequestID()
			require.NoError(t, q.Enqueue(context.Background(), domain.QueueMessage{
				RequestID: requestID,
				Modality:  domain.ModalityTextOnly,
				Attempt:   1,
			}))

			stats := newTestWorker(q, processor).Run(context.Background(), 80*time.Millisecond, 10*time.Second)

			assert.Equal(t, ExitMaxRuntime, stats.ExitReason)
			assert.Equal(t, 1, stats.Released)
			assert.Zero(t, stats.DeadLettered)
			assert.Zero(t, q.DLQSize())
			assert.Equal(t, 1, q.Len())
			_, failed := processor.failure(requestID)
			assert.False(t, failed)
		})
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	q := queue.NewLocalQueue(8, 5, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := newTestWorker(q, newScriptedProcessor()).Run(ctx, time.Minute, time.Minute)
	assert.Equal(t, ExitCancelled, stats.ExitReason)
}

func TestRoute(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		attempt int
		want    Decision
	}{
		{name: "success", want: Decision{Action: ActionAck}},
		{
			name: "malformed",
			err:  domain.Permanent(domain.ReasonMalformedInput, errors.New("bad id")),
			want: Decision{Action: ActionDrop, Reason: domain.ReasonMalformedInput},
		},
		{
			name: "permanent",
			err:  domain.Permanent(domain.ReasonExternalRejected, errors.New("400")),
			want: Decision{Action: ActionDeadLetter, Reason: domain.ReasonExternalRejected},
		},
		{
			name: "circuit open",
			err:  domain.Deferred(domain.ReasonCircuitOpen, 20*time.Second, errors.New("open")),
			want: Decision{Action: ActionRelease, Reason: domain.ReasonCircuitOpen, Delay: 20 * time.Second},
		},
		{
			name: "internal first attempt",
			err:  errors.New("boom"),
			want: Decision{Action: ActionRelease, Reason: domain.ReasonInternal},
		},
		{
			name:    "internal redelivered",
			err:     errors.New("boom"),
			attempt: 1,
			want:    Decision{Action: ActionDeadLetter, Reason: domain.ReasonInternal},
		},
		{
			name:    "internal interrupted on redelivery",
			err:     fmt.Errorf("render prompt: %w", context.DeadlineExceeded),
			attempt: 1,
			want:    Decision{Action: ActionRelease, Reason: domain.ReasonInternal},
		},
		{
			name:    "store failure redelivered",
			err:     domain.Transient(domain.ReasonTransientStore, errors.New("connection reset")),
			attempt: 2,
			want:    Decision{Action: ActionRelease, Reason: domain.ReasonTransientStore},
		},
		{
			name:    "transient redelivered",
			err:     domain.Transient(domain.ReasonTransientExternal, errors.New("503")),
			attempt: 3,
			want:    Decision{Action: ActionRelease, Reason: domain.ReasonTransientExternal},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Route(tc.err, tc.attempt))
		})
	}
}
