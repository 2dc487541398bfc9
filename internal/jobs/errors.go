package jobs

import (
	"errors"
	"fmt"

	"github.com/lifelog-app/lifelog/internal/schema"
	"github.com/lifelog-app/lifelog/internal/storage"
)

// ErrInvalidState matches every *InvalidStateError.
var ErrInvalidState = errors.New("invalid job state")

// EntryNotFoundError is returned by CreateJob for an unknown entry id.
type EntryNotFoundError struct {
	EntryID string
}

func (e *EntryNotFoundError) Error() string {
	return "entry not found: " + e.EntryID
}

func (e *EntryNotFoundError) Is(target error) bool {
	return target == storage.ErrNotFound
}

// InvalidStateError reports a transition attempted from the wrong status,
// or by a worker holding an attempt the job has moved past. A worker that
// loses a claim race gets one of these and should move on to the next job.
type InvalidStateError struct {
	JobID    string
	Current  schema.JobStatus
	Expected schema.JobStatus
	// Attempt is the job's current attempt. ExpectedAttempt is the caller's,
	// or -1 when the transition is not fenced on it.
	Attempt         int
	ExpectedAttempt int
}

func (e *InvalidStateError) Error() string {
	if e.Current == e.Expected && e.ExpectedAttempt >= 0 && e.Attempt != e.ExpectedAttempt {
		return fmt.Sprintf("job %s is on attempt %d, caller holds attempt %d", e.JobID, e.Attempt, e.ExpectedAttempt)
	}
	return fmt.Sprintf("job %s is '%s', expected '%s'", e.JobID, e.Current, e.Expected)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}
