package queue

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/rs/zerolog"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

type BatchingConfig struct {
	MaxBatchSize       int
	FlushInterval      time.Duration
	FlushTimeout       time.Duration
	QueueCapacity      int
	MaxInFlightBatches int
	Logger             zerolog.Logger
}

type enqueueRequest struct {
	ctx     context.Context
	message domain.QueueMessage
	result  chan error
}

// BatchingProducer groups close-in-time enqueue operations from the intake
// path and applies bounded buffering.
type BatchingProducer struct {
	base        Producer
	batchWriter BatchProducer

	in         chan enqueueRequest
	semaphore  chan struct{}
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	config     BatchingConfig
	logger     zerolog.Logger
	parentDone <-chan struct{}
}

func NewBatchingProducer(
	parent context.Context,
	base Producer,
	cfg BatchingConfig,
) *BatchingProducer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 25 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 3 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2048
	}
	if cfg.MaxInFlightBatches <= 0 {
		cfg.MaxInFlightBatches = 4
	}

	batcher := &BatchingProducer{
		base:       base,
		in:         make(chan enqueueRequest, cfg.QueueCapacity),
		semaphore:  make(chan struct{}, cfg.MaxInFlightBatches),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		config:     cfg,
		logger:     cfg.Logger.With().Str("component", "batching_producer").Logger(),
		parentDone: parent.Done(),
	}
	if writer, ok := base.(BatchProducer); ok {
		batcher.batchWriter = writer
	}

	go batcher.run()
	return batcher
}

func (b *BatchingProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}

	request := enqueueRequest{
		ctx:     ctx,
		message: message,
		result:  make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBatchingClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBatchingClosed
	case b.in <- request:
	default:
		return ErrQueueBackpressure
	}

	select {
	case err := <-request.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *BatchingProducer) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *BatchingProducer) run() {
	defer close(b.done)

	pending := make([]enqueueRequest, 0, b.config.MaxBatchSize)
	timer := time.NewTimer(b.config.FlushInterval)
	stopTimer(timer)
	timerRunning := false

	flush := func(final bool) {
		if len(pending) == 0 {
			return
		}
		batch := append([]enqueueRequest(nil), pending...)
		pending = pending[:0]
		b.flushBatch(batch, final)
	}

	for {
		var timerCh <-chan time.Time
		if timerRunning {
			timerCh = timer.C
		}

		select {
		case <-b.parentDone:
			stopTimer(timer)
			flush(true)
			return
		case <-b.stop:
			stopTimer(timer)
			flush(true)
			return
		case <-timerCh:
			timerRunning = false
			flush(false)
		case request := <-b.in:
			if request.ctx.Err() != nil {
				request.result <- request.ctx.Err()
				continue
			}
			pending = append(pending, request)
			if len(pending) == 1 {
				resetTimer(timer, b.config.FlushInterval)
				timerRunning = true
			}
			if len(pending) >= b.config.MaxBatchSize {
				stopTimer(timer)
				timerRunning = false
				flush(false)
			}
		}
	}
}

// flushBatch writes one coalesced batch. Duplicate request ids are written
// once and every waiting caller receives the outcome of that write.
func (b *BatchingProducer) flushBatch(batch []enqueueRequest, final bool) {
	waiters := make(map[string][]enqueueRequest, len(batch))
	messages := make([]domain.QueueMessage, 0, len(batch))
	keys := make([]string, 0, len(batch))
	for i, request := range batch {
		if err := request.ctx.Err(); err != nil {
			request.result <- err
			continue
		}
		key := request.message.RequestID
		if key == "" {
			key = "#" + strconv.Itoa(i)
		}
		if _, seen := waiters[key]; !seen {
			messages = append(messages, request.message)
			keys = append(keys, key)
		}
		waiters[key] = append(waiters[key], request)
	}
	if len(messages) == 0 {
		return
	}
	if dropped := len(batch) - len(messages); dropped > 0 {
		b.logger.Debug().Int("duplicates", dropped).Msg("coalesced duplicate enqueue requests")
	}

	order := make([]int, len(messages))
	for i := range order {
		order[i] = i
	}
	// Requests for the same topic and interest are written next to each other.
	sort.SliceStable(order, func(i, j int) bool {
		left, right := messages[order[i]], messages[order[j]]
		lk, rk := coalesceKey(left), coalesceKey(right)
		if lk == rk {
			return left.RequestedAt.Before(right.RequestedAt)
		}
		return lk < rk
	})
	sorted := make([]domain.QueueMessage, len(order))
	sortedKeys := make([]string, len(order))
	for i, idx := range order {
		sorted[i] = messages[idx]
		sortedKeys[i] = keys[idx]
	}

	flushCtx := context.Background()
	if !final {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), b.config.FlushTimeout)
		defer cancel()
	}

	select {
	case b.semaphore <- struct{}{}:
	case <-flushCtx.Done():
		for _, key := range sortedKeys {
			for _, request := range waiters[key] {
				request.result <- flushCtx.Err()
			}
		}
		return
	}
	defer func() { <-b.semaphore }()

	errs := b.write(flushCtx, sorted)
	for i, key := range sortedKeys {
		for _, request := range waiters[key] {
			request.result <- errs[i]
		}
	}
}

// write stores messages with a single call when the base producer supports
// batches. A rejected batch is retried message by message so each caller gets
// its own outcome; a duplicate delivery is absorbed by the orchestrator's
// terminal-status check.
func (b *BatchingProducer) write(ctx context.Context, messages []domain.QueueMessage) []error {
	errs := make([]error, len(messages))
	if b.batchWriter != nil && len(messages) > 1 {
		err := b.batchWriter.EnqueueBatch(ctx, messages)
		if err == nil {
			return errs
		}
		if ctx.Err() != nil {
			for i := range errs {
				errs[i] = err
			}
			return errs
		}
		b.logger.Warn().Err(err).Int("batch_size", len(messages)).Msg("batch enqueue failed, retrying per message")
	}

	for i, message := range messages {
		errs[i] = b.base.Enqueue(ctx, message)
		if errs[i] != nil {
			b.logger.Error().Err(errs[i]).Str("request_id", message.RequestID).Msg("enqueue failed")
		}
	}
	return errs
}

func coalesceKey(message domain.QueueMessage) string {
	return strings.Join([]string{
		strings.ToLower(message.TopicHint),
		strings.ToLower(message.Interest),
		string(message.Modality),
	}, "|")
}

func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func resetTimer(timer *time.Timer, value time.Duration) {
	if timer == nil {
		return
	}
	stopTimer(timer)
	timer.Reset(value)
}
