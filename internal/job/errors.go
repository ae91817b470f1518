package job

import (
	"errors"
	"fmt"
)

// ErrVersionConflict is returned by Store.Update when the stored record moved
// past the version the caller read.
var ErrVersionConflict = errors.New("job version conflict")

// ErrNoActiveJob means the session has no pending, ready or processing job.
var ErrNoActiveJob = errors.New("no active job for session")

// ErrJobNotFound means no job exists for the given id or session.
var ErrJobNotFound = errors.New("job not found")

// ErrorClassifier lets errors declare how callers should treat them.
type ErrorClassifier interface {
	ErrorKind() string
}

const (
	KindDuplicate         = "duplicate"
	KindInvalidTransition = "invalid_transition"
	KindEnrichment        = "enrichment"
	KindPersistence       = "persistence"
)

// DuplicateJobError rejects an enqueue while the session already has a non-terminal job.
type DuplicateJobError struct {
	SessionID     string
	ExistingJobID string
	Status        Status
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("session %s already has %s job %s", e.SessionID, e.Status, e.ExistingJobID)
}

func (e *DuplicateJobError) ErrorKind() string { return KindDuplicate }

type InvalidTransitionError struct {
	JobID string
	Op    string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: job %s cannot move from %s to %s", e.Op, e.JobID, e.From, e.To)
}

func (e *InvalidTransitionError) ErrorKind() string { return KindInvalidTransition }

// EnrichmentAttemptError wraps a failed enrichment attempt. It is retried
// internally until the job runs out of attempts.
type EnrichmentAttemptError struct {
	JobID   string
	Attempt int
	Err     error
}

func (e *EnrichmentAttemptError) Error() string {
	return fmt.Sprintf("enrichment attempt %d for job %s: %v", e.Attempt, e.JobID, e.Err)
}

func (e *EnrichmentAttemptError) Unwrap() error { return e.Err }

func (e *EnrichmentAttemptError) ErrorKind() string { return KindEnrichment }

// PersistenceError marks a failed write to the job store or the session store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) ErrorKind() string { return KindPersistence }

// Kind returns the classification of err, or "" when it carries none.
func Kind(err error) string {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	return ""
}

// IsStructural reports errors that are surfaced to the caller and never retried.
func IsStructural(err error) bool {
	switch Kind(err) {
	case KindDuplicate, KindInvalidTransition:
		return true
	}
	return errors.Is(err, ErrNoActiveJob)
}
