package scheduler

import (
	"errors"
	"time"
)

// JobID is a snowflake id: unique and time-ordered across the process.
type JobID int64

// State is a job's position in the lifecycle.
//
//	Queued -> Active -> Completed
//	Active -> Retrying -> Queued      (attempts < max)
//	Active -> FailedPermanently       (attempts == max, or non-retryable)
//	Queued -> Discarded               (stale sweep)
type State string

const (
	StateQueued            State = "queued"
	StateActive            State = "active"
	StateRetrying          State = "retrying"
	StateCompleted         State = "completed"
	StateFailedPermanently State = "failed_permanently"
	StateDiscarded         State = "discarded"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailedPermanently || s == StateDiscarded
}

// Priority levels. Lower values are served first.
const (
	PriorityDispatch    = 1
	PriorityManual      = 5
	PriorityDynamicPoll = 10
	PriorityStablePoll  = 15
	PriorityMaintenance = 20
)

// Payload is one member of the job payload union. Each registered handler owns one concrete type.
type Payload interface {
	JobType() string
}

// Job is a unit of scheduled, retryable work. The scheduler owns every state change.
type Job struct {
	ID            JobID         `json:"id"`
	Type          string        `json:"type"`
	Payload       Payload       `json:"payload"`
	Priority      int           `json:"priority"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	Timeout       time.Duration `json:"timeout"`
	CreatedAt     time.Time     `json:"created_at"`
	CorrelationID string        `json:"correlation_id"`
	State         State         `json:"state"`
	LastError     string        `json:"last_error,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	FinishedAt    time.Time     `json:"finished_at,omitempty"`
}

var (
	// ErrUnknownJobType is returned for jobs whose type has no registered handler.
	ErrUnknownJobType = errors.New("no handler registered for job type")
	// ErrPayloadType is returned when a payload is not the type its handler expects.
	ErrPayloadType = errors.New("payload type does not match handler")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panicked")
	// ErrJobTimeout marks an execution that ran past its deadline.
	ErrJobTimeout = errors.New("job timed out")
	// ErrStuck marks an active job force-failed by the stale sweep.
	ErrStuck = errors.New("job exceeded twice its timeout without returning")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job fails on this attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// isConfigError reports defects rather than data-driven failures.
func isConfigError(err error) bool {
	return errors.Is(err, ErrUnknownJobType) || errors.Is(err, ErrPayloadType) || errors.Is(err, ErrHandlerPanic)
}
