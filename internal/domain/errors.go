package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ErrorClass string

const (
	ClassPermanent ErrorClass = "permanent"
	ClassTransient ErrorClass = "transient"
)

// FailureReason is the classification tag persisted on failed requests and
// attached to dead-lettered envelopes. It is never shown to clients.
type FailureReason string

const (
	ReasonMalformedInput        FailureReason = "malformed_input"
	ReasonOutOfScope            FailureReason = "out_of_scope"
	ReasonExternalRejected      FailureReason = "external_rejected"
	ReasonTransientExternal     FailureReason = "transient_external"
	ReasonTransientStore        FailureReason = "transient_store"
	ReasonCircuitOpen           FailureReason = "circuit_open"
	ReasonInternal              FailureReason = "internal"
	ReasonMaxDeliveriesExceeded FailureReason = "max_deliveries_exceeded"
)

// ClassifiedError carries the routing decision for a failed unit of work.
type ClassifiedError struct {
	Class      ErrorClass
	Reason     FailureReason
	RetryAfter time.Duration
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Reason, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func Permanent(reason FailureReason, err error) error {
	return &ClassifiedError{Class: ClassPermanent, Reason: reason, Err: err}
}

func Transient(reason FailureReason, err error) error {
	return &ClassifiedError{Class: ClassTransient, Reason: reason, Err: err}
}

// Deferred is a transient error that asks to be redelivered no sooner than retryAfter.
func Deferred(reason FailureReason, retryAfter time.Duration, err error) error {
	return &ClassifiedError{Class: ClassTransient, Reason: reason, RetryAfter: retryAfter, Err: err}
}

// Classify extracts the classification from err. Unclassified errors are
// treated as transient internal errors.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}
	return &ClassifiedError{Class: ClassTransient, Reason: ReasonInternal, Err: err}
}

// Interrupted reports whether err stems from a cancelled or expired context
// rather than from the work itself.
func Interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func IsPermanent(err error) bool {
	classified := Classify(err)
	return classified != nil && classified.Class == ClassPermanent
}

func IsTransient(err error) bool {
	classified := Classify(err)
	return classified != nil && classified.Class == ClassTransient
}
