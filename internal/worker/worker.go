// Package worker drains the lesson queue for a bounded amount of time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/iago/lesson-pipeline/internal/queue"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

type ExitReason string

const (
	ExitEmptyQueue ExitReason = "empty_queue_timeout"
	ExitMaxRuntime ExitReason = "max_runtime"
	ExitCancelled  ExitReason = "cancelled"
)

const settleTimeout = 5 * time.Second

// Processor resolves one queue message. *pipeline.Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, message domain.QueueMessage) error
	MarkFailed(ctx context.Context, requestID string, reason domain.FailureReason) error
}

type Config struct {
	BatchSize int
	PoolSize  int
	// LeaseWait bounds one lease call. The worker never waits past its
	// empty-queue timeout or its runtime deadline.
	LeaseWait time.Duration
	Logger    zerolog.Logger
}

// Stats summarises one Run.
type Stats struct {
	Leased       int
	Processed    int
	Failed       int
	Dropped      int
	Released     int
	DeadLettered int
	LeaseErrors  int
	Elapsed      time.Duration
	ExitReason   ExitReason
}

type Worker struct {
	consumer  queue.Consumer
	processor Processor
	batchSize int
	poolSize  int
	leaseWait time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	outcomes metric.Int64Counter
}

func New(consumer queue.Consumer, processor Processor, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.PoolSize > cfg.BatchSize {
		cfg.PoolSize = cfg.BatchSize
	}
	if cfg.LeaseWait <= 0 {
		cfg.LeaseWait = 5 * time.Second
	}

	logger := cfg.Logger.With().Str("component", "worker").Logger()
	outcomes, err := otel.Meter("lesson-pipeline/worker").Int64Counter("worker.messages")
	if err != nil {
		logger.Warn().Err(err).Msg("create worker counter")
	}
	return &Worker{
		consumer:  consumer,
		processor: processor,
		batchSize: cfg.BatchSize,
		poolSize:  cfg.PoolSize,
		leaseWait: cfg.LeaseWait,
		logger:    logger,
		now:       time.Now,
		outcomes:  outcomes,
	}
}

// Run leases and processes batches until the queue has been empty for
// emptyQueueTimeout since the last successfully processed message, or until
// maxRuntime has elapsed. Work still in flight at the deadline is interrupted
// and released without counting against its internal-error retry. A
// non-positive value disables the corresponding limit.
func (w *Worker) Run(ctx context.Context, maxRuntime, emptyQueueTimeout time.Duration) Stats {
	start := w.now()
	stats := Stats{}

	runCtx := ctx
	if maxRuntime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, maxRuntime)
		defer cancel()
	}
	deadline := start.Add(maxRuntime)
	lastSuccess := start

	for {
		now := w.now()
		if ctx.Err() != nil {
			stats.ExitReason = ExitCancelled
			break
		}
		if maxRuntime > 0 && !now.Before(deadline) {
			stats.ExitReason = ExitMaxRuntime
			break
		}

		wait := w.leaseWait
		if emptyQueueTimeout > 0 {
			wait = minDuration(wait, emptyQueueTimeout-now.Sub(lastSuccess))
		}
		if maxRuntime > 0 {
			wait = minDuration(wait, deadline.Sub(now))
		}

		deliveries, err := w.consumer.Lease(runCtx, w.batchSize, wait)
		if err != nil {
			if runCtx.Err() != nil {
				continue
			}
			stats.LeaseErrors++
			w.logger.Warn().Err(err).Msg("lease failed")
			w.pause(runCtx, wait)
			continue
		}

		if len(deliveries) == 0 {
			if emptyQueueTimeout > 0 && w.now().Sub(lastSuccess) >= emptyQueueTimeout {
				stats.ExitReason = ExitEmptyQueue
				break
			}
			continue
		}

		stats.Leased += len(deliveries)
		batch := w.processBatch(ctx, runCtx, deliveries)
		stats.add(batch)
		if batch.Processed > 0 {
			lastSuccess = w.now()
		}
	}

	stats.Elapsed = w.now().Sub(start)
	w.logger.Info().
		Str("exit_reason", string(stats.ExitReason)).
		Int("leased", stats.Leased).
		Int("processed", stats.Processed).
		Int("failed", stats.Failed).
		Int("dropped", stats.Dropped).
		Int("released", stats.Released).
		Int("dead_lettered", stats.DeadLettered).
		Int("lease_errors", stats.LeaseErrors).
		Dur("elapsed", stats.Elapsed).
		Msg("worker run finished")
	return stats
}

func (w *Worker) processBatch(ctx, runCtx context.Context, deliveries []queue.Delivery) Stats {
	var (
		mu    sync.Mutex
		batch Stats
		group errgroup.Group
	)
	group.SetLimit(w.poolSize)

	for _, delivery := range deliveries {
		group.Go(func() error {
			outcome := w.handle(ctx, runCtx, delivery)
			mu.Lock()
			batch.count(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return batch
}

// handle processes one delivery with runCtx and settles it with a context
// that survives the runtime deadline, so an interrupted message is released
// rather than left to lease expiry when the broker is still reachable.
func (w *Worker) handle(ctx, runCtx context.Context, delivery queue.Delivery) Action {
	message := delivery.Message()
	logger := w.logger.With().
		Str("request_id", message.RequestID).
		Int("attempt", message.Attempt).
		Logger()

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var err error
	if _, err = domain.ParseRequestID(message.RequestID); err != nil {
		err = domain.Permanent(domain.ReasonMalformedInput, err)
	} else {
		err = w.process(runCtx, message)
	}
	decision := Route(err, message.Attempt)
	if err != nil && runCtx.Err() != nil && !domain.IsPermanent(err) {
		// Abandoned at the runtime deadline: only make it visible again.
		decision = Decision{Action: ActionRelease, Reason: domain.Classify(err).Reason}
	}

	outcome := decision.Action
	switch decision.Action {
	case ActionAck, ActionDrop:
		if decision.Action == ActionDrop {
			logger.Error().Err(err).Msg("dropping malformed message")
		}
		if ackErr := delivery.Ack(settleCtx); ackErr != nil {
			logger.Warn().Err(ackErr).Msg("ack failed")
		}
	case ActionRelease:
		releaseErr := delivery.Release(settleCtx, decision.Delay)
		switch {
		case errors.Is(releaseErr, queue.ErrDeliveriesExhausted):
			outcome = ActionDeadLetter
			logger.Error().Str("failure_reason", string(domain.ReasonMaxDeliveriesExceeded)).Msg("deliveries exhausted")
			w.markFailed(settleCtx, logger, message.RequestID, domain.ReasonMaxDeliveriesExceeded)
		case releaseErr != nil:
			logger.Warn().Err(releaseErr).Msg("release failed, waiting for lease expiry")
		default:
			effective := decision.Delay
			if reporter, ok := delivery.(queue.DelayReporter); ok {
				effective = reporter.EffectiveDelay(decision.Delay)
			}
			logger.Debug().
				Str("failure_reason", string(decision.Reason)).
				Dur("delay", decision.Delay).
				Dur("effective_delay", effective).
				Msg("message released")
		}
	case ActionDeadLetter:
		if dlqErr := delivery.DeadLetter(settleCtx, decision.Reason, err.Error()); dlqErr != nil {
			logger.Error().Err(dlqErr).Msg("dead-letter failed")
		}
		w.markFailed(settleCtx, logger, message.RequestID, decision.Reason)
	}

	if w.outcomes != nil {
		w.outcomes.Add(settleCtx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	return outcome
}

// process runs the processor and converts a panic into a transient internal
// error.
func (w *Worker) process(ctx context.Context, message domain.QueueMessage) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			w.logger.Error().
				Str("request_id", message.RequestID).
				Interface("panic", recovered).
				Str("stack", string(debug.Stack())).
				Msg("processor panicked")
			err = domain.Transient(domain.ReasonInternal, fmt.Errorf("processor panic: %v", recovered))
		}
	}()
	return w.processor.Process(ctx, message)
}

func (w *Worker) markFailed(ctx context.Context, logger zerolog.Logger, requestID string, reason domain.FailureReason) {
	if err := w.processor.MarkFailed(ctx, requestID, reason); err != nil {
		logger.Error().Err(err).Msg("mark request failed")
	}
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	d = minDuration(d, time.Second)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Stats) count(action Action) {
	switch action {
	case ActionAck:
		s.Processed++
	case ActionDrop:
		s.Dropped++
	case ActionRelease:
		s.Failed++
		s.Released++
	case ActionDeadLetter:
		s.Failed++
		s.DeadLettered++
	}
}

func (s *Stats) add(other Stats) {
	s.Processed += other.Processed
	s.Failed += other.Failed
	s.Dropped += other.Dropped
	s.Released += other.Released
	s.DeadLettered += other.DeadLettered
}

func minDuration(a, b time.Duration) time.Duration {
	if b < a {
		return b
	}
	return a
}
