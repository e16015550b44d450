package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

var ErrOpen = errors.New("circuit open")

// OpenError is returned without attempting the call while the circuit is open
// or while a half-open trial is already in flight.
type OpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Service, e.RetryAfter)
}

func (e *OpenError) Unwrap() error {
	return ErrOpen
}

type Settings struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	// Timeout bounds a single call. Zero leaves the caller's deadline in place.
	Timeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.Window <= 0 {
		s.Window = time.Minute
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	return s
}

// Snapshot is the observable circuit state of one service.
type Snapshot struct {
	Service        string
	State          State
	Failures       int
	LastTransition time.Time
}

type Breaker struct {
	name      string
	settings  Settings
	now       func() time.Time
	isFailure func(error) bool
	onChange  func(service string, from, to State)

	mu             sync.Mutex
	state          State
	failures       []time.Time
	openedAt       time.Time
	lastTransition time.Time
	trialInFlight  bool
}

func newBreaker(
	name string,
	settings Settings,
	now func() time.Time,
	isFailure func(error) bool,
	onChange func(string, State, State),
) *Breaker {
	return &Breaker{
		name:           name,
		settings:       settings.withDefaults(),
		now:            now,
		isFailure:      isFailure,
		onChange:       onChange,
		state:          StateClosed,
		lastTransition: now(),
	}
}

func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	callCtx := ctx
	if b.settings.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.settings.Timeout)
		defer cancel()
	}

	err := fn(callCtx)
	b.record(b.outcomeOf(ctx, err))
	return err
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return Snapshot{
		Service:        b.name,
		State:          b.state,
		Failures:       len(b.failures),
		LastTransition: b.lastTransition,
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.settings.Cooldown {
			return &OpenError{Service: b.name, RetryAfter: b.settings.Cooldown - elapsed}
		}
		b.transitionLocked(StateHalfOpen, now)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return &OpenError{Service: b.name, RetryAfter: b.settings.Cooldown}
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeAbandoned is a call cut short by its caller. It says nothing about
	// the service and leaves the circuit as it was.
	outcomeAbandoned
)

func (b *Breaker) outcomeOf(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return outcomeAbandoned
	case b.isFailure(err):
		return outcomeFailure
	default:
		return outcomeSuccess
	}
}

func (b *Breaker) record(result outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		switch result {
		case outcomeFailure:
			b.openLocked(now)
		case outcomeSuccess:
			b.failures = nil
			b.transitionLocked(StateClosed, now)
		}
	case StateClosed:
		switch result {
		case outcomeSuccess:
			b.failures = nil
		case outcomeFailure:
			b.pruneLocked(now)
			b.failures = append(b.failures, now)
			if len(b.failures) >= b.settings.FailureThreshold {
				b.openLocked(now)
			}
		}
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.openedAt = now
	b.failures = nil
	b.transitionLocked(StateOpen, now)
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	b.state = to
	b.lastTransition = now
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.settings.Window)
	kept := b.failures[:0]
	for _, at := range b.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.failures = kept
}

// DefaultIsFailure counts every error except cancellation by the caller.
func DefaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}
