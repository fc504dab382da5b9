package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("job not found")

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further state transitions may occur.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Kind selects which handler processes the payload. The set is closed:
// the dispatcher switches exhaustively and treats anything else as a
// non-retryable failure.
type Kind string

const (
	KindChat  Kind = "chat"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindChat, KindImage, KindVideo:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown job type: %q", s)
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its dequeue rank; lower rank is served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 10
	default:
		return 5
	}
}

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("unknown priority: %q", s)
}

// Record is the durable unit of work. A record is owned by exactly one
// provider queue for its entire lifetime; only that queue mutates it.
type Record struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	Kind         Kind            `json:"type"`
	TenantID     string          `json:"tenant_id"`
	Payload      json.RawMessage `json:"payload"`
	Priority     Priority        `json:"priority"`
	State        State           `json:"state"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  time.Time       `json:"processed_at,omitzero"`

	// ReadyAt is the earliest instant the record may be popped. Enqueue
	// delay, retry backoff and rate-limit re-queues all move it forward.
	ReadyAt time.Time `json:"ready_at,omitzero"`
}

// NewID builds a queue-scoped job id. The provider prefix makes ids
// unique across queues in practice, which keeps them usable as archive
// keys without a separate namespace column.
func NewID(provider string) string {
	return fmt.Sprintf("%s-%d-%s", provider, time.Now().UnixMilli(), uuid.NewString()[:8])
}
