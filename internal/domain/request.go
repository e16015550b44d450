package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrMalformedRequestID = errors.New("malformed request id")

type RequestStatus string

const (
	StatusPending             RequestStatus = "pending"
	StatusProcessing          RequestStatus = "processing"
	StatusClarificationNeeded RequestStatus = "clarification_needed"
	StatusCompleted           RequestStatus = "completed"
	StatusFailed              RequestStatus = "failed"
)

// Terminal reports whether no further mutation is allowed after this status.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusClarificationNeeded:
		return true
	default:
		return false
	}
}

func (s RequestStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed, StatusClarificationNeeded:
		return 2
	default:
		return -1
	}
}

// CanTransition enforces forward-only status movement. Terminal statuses
// accept nothing, failed is reachable from any non-terminal status.
func CanTransition(from, to RequestStatus) bool {
	if from.Terminal() || to.rank() < 0 || from.rank() < 0 {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to.rank() >= from.rank()
}

type Modality string

const (
	ModalityTextOnly     Modality = "text_only"
	ModalityTextAndVideo Modality = "text_and_video"
)

func (m Modality) Valid() bool {
	return m == ModalityTextOnly || m == ModalityTextAndVideo
}

func (m Modality) IncludesVideo() bool {
	return m == ModalityTextAndVideo
}

const DefaultStyle = "standard"

// ArtifactSet points at generated artifacts in the object store.
type ArtifactSet struct {
	ScriptURL string `json:"script_url,omitempty"`
	AudioURL  string `json:"audio_url,omitempty"`
	VideoURL  string `json:"video_url,omitempty"`
}

func (a ArtifactSet) Empty() bool {
	return a.ScriptURL == "" && a.AudioURL == "" && a.VideoURL == ""
}

// ContentRequest is one student learning request tracked by the ledger.
type ContentRequest struct {
	ID              string
	StudentID       string
	Query           string
	TopicID         *string
	Interest        string
	Style           string
	Modality        Modality
	DurationSeconds int
	Stage           Stage
	Progress        int
	Status          RequestStatus
	Artifacts       ArtifactSet
	CacheHit        bool
	FailureReason   FailureReason
	UserMessage     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// RequestUpdate is a partial mutation applied by the orchestrator.
// Nil fields are left unchanged.
type RequestUpdate struct {
	Status        *RequestStatus
	Stage         *Stage
	Progress      *int
	TopicID       *string
	Artifacts     *ArtifactSet
	CacheHit      *bool
	FailureReason *FailureReason
	UserMessage   *string
}

// QueueMessage is the envelope handed to queue backends. It carries enough to
// resume processing without reading the ledger first.
type QueueMessage struct {
	RequestID       string    `json:"request_id"`
	TopicHint       string    `json:"topic_hint"`
	Interest        string    `json:"interest"`
	Style           string    `json:"style,omitempty"`
	Modality        Modality  `json:"modality"`
	DurationSeconds int       `json:"duration_seconds"`
	Attempt         int       `json:"attempt"`
	RequestedAt     time.Time `json:"requested_at"`
}

// DeadLetter is the envelope stored in the dead-letter destination.
type DeadLetter struct {
	Message       QueueMessage  `json:"message"`
	FailureReason FailureReason `json:"failure_reason"`
	Detail        string        `json:"detail,omitempty"`
	MovedAt       time.Time     `json:"moved_at"`
}

// ParseRequestID validates and canonicalizes a request identifier.
func ParseRequestID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrMalformedRequestID
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", ErrMalformedRequestID
	}
	return parsed.String(), nil
}

func NewRequestID() string {
	return uuid.NewString()
}

func Ptr[T any](value T) *T {
	return &value
}
