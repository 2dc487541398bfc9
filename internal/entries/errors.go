package entries

import (
	"errors"
	"fmt"

	"github.com/lifelog-app/lifelog/internal/storage"
)

var (
	ErrStillProcessing     = errors.New("audio transcription still processing")
	ErrTranscriptionFailed = errors.New("audio transcription failed")
	ErrEmptyText           = errors.New("entry has no text")
)

// ContentError reports why one entry could not be turned into prompt
// context.
type ContentError struct {
	EntryID string
	Reason  error
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("entry %s: %v", e.EntryID, e.Reason)
}

func (e *ContentError) Unwrap() error { return e.Reason }

func contentErr(id string, reason error) error {
	return &ContentError{EntryID: id, Reason: reason}
}

// missing is the Reason for an id that does not resolve to an entry.
var missing = fmt.Errorf("referenced entry %w", storage.ErrNotFound)
