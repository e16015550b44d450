package worker

import (
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
)

type Action string

const (
	ActionAck        Action = "ack"
	ActionDrop       Action = "drop"
	ActionRelease    Action = "release"
	ActionDeadLetter Action = "dead_letter"
)

// Decision is how one processed delivery is settled.
type Decision struct {
	Action Action
	Reason domain.FailureReason
	Delay  time.Duration
}

// Route maps a processing outcome onto a queue action. attempt is the number
// of earlier deliveries of the message.
//
// Malformed input is acknowledged and dropped. Other permanent failures go to
// the dead-letter destination. Transient failures are released early, after
// RetryAfter when the failure asks for it. An internal error is retried once
// and dead-lettered when it happens again on a redelivery, unless it was
// caused by an interrupted context.
func Route(err error, attempt int) Decision {
	if err == nil {
		return Decision{Action: ActionAck}
	}

	classified := domain.Classify(err)
	switch {
	case classified.Class == domain.ClassPermanent && classified.Reason == domain.ReasonMalformedInput:
		return Decision{Action: ActionDrop, Reason: classified.Reason}
	case classified.Class == domain.ClassPermanent:
		return Decision{Action: ActionDeadLetter, Reason: classified.Reason}
	case classified.Reason == domain.ReasonInternal && attempt >= 1 && !domain.Interrupted(err):
		return Decision{Action: ActionDeadLetter, Reason: classified.Reason}
	default:
		return Decision{Action: ActionRelease, Reason: classified.Reason, Delay: classified.RetryAfter}
	}
}
