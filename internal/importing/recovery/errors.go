package recovery

import (
	"errors"
	"fmt"

	"github.com/vietddude/importer/internal/core/domain"
)

var (
	// ErrResumeCursorNotFound is returned under the abort policy when the
	// checkpointed item id is not part of the new input list.
	ErrResumeCursorNotFound = errors.New("resume cursor not found in input")

	// ErrLockLost is the cancellation cause when the run lock could not be renewed.
	ErrLockLost = errors.New("run lock lost")
)

// ConcurrentRunError is returned when another run holds the lock for the same batch.
type ConcurrentRunError struct {
	Key domain.BatchKey
}

func (e *ConcurrentRunError) Error() string {
	return fmt.Sprintf("batch %s is already running", e.Key)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
// The item is recorded as failed after a single attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
