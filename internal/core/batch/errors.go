package batch

import (
	"fmt"

	"github.com/vietddude/importer/internal/core/domain"
)

// PersistenceError is returned when a batch state write fails.
// A failed checkpoint breaks resumability, so callers must propagate it.
type PersistenceError struct {
	Op  string
	Key domain.BatchKey
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("batch state %s failed for %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
